package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Precision is the fixed-point scale of every ratio, threshold and weight (1 unit = 0.01%)
const Precision uint32 = 10_000

// RouterID identifies an off-chain relay participant
type RouterID string

// ChainKey identifies one cross-chain message by source chain and sequence id
type ChainKey struct {
	Chain string `json:"chain"`
	ID    uint64 `json:"id"`
}

func (k ChainKey) String() string {
	return k.Chain + ":" + strconv.FormatUint(k.ID, 10)
}

// ParseChainKey parses the "chain:id" form produced by ChainKey.String
func ParseChainKey(s string) (ChainKey, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 {
		return ChainKey{}, fmt.Errorf("invalid chain key %q", s)
	}
	id, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return ChainKey{}, fmt.Errorf("invalid chain key %q: %w", s, err)
	}
	return ChainKey{Chain: s[:idx], ID: id}, nil
}

// SQoSType names a per-contract quality-of-service policy
type SQoSType string

const (
	SQoSReveal            SQoSType = "REVEAL"
	SQoSChallenge         SQoSType = "CHALLENGE"
	SQoSThreshold         SQoSType = "THRESHOLD"
	SQoSPriority          SQoSType = "PRIORITY"
	SQoSExceptionRollback SQoSType = "EXCEPTION_ROLLBACK"
	SQoSSelectionDelay    SQoSType = "SELECTION_DELAY"
	SQoSAnonymous         SQoSType = "ANONYMOUS"
	SQoSIdentity          SQoSType = "IDENTITY"
	SQoSIsolation         SQoSType = "ISOLATION"
	SQoSCrossVerify       SQoSType = "CROSS_VERIFY"
)

// SQoS is a policy entry; Value is interpreted per type
type SQoS struct {
	Type  SQoSType `json:"type"`
	Value string   `json:"value,omitempty"`
}

// Session types carried in messages
const (
	SessionDefault     uint8 = 0
	SessionRequest     uint8 = 2
	SessionResponse    uint8 = 3
	SessionAbandon     uint8 = 104
	SessionRemoteError uint8 = 105
)

// Session links a message to a request/response exchange
type Session struct {
	ID         uint64 `json:"id"`
	Type       uint8  `json:"type"`
	Callback   []byte `json:"callback,omitempty"`
	Commitment []byte `json:"commitment,omitempty"`
	Answer     []byte `json:"answer,omitempty"`
}

// Selector is a 4-byte action selector on the target contract
type Selector [4]byte

func (s Selector) String() string {
	return hex.EncodeToString(s[:])
}

// MarshalText encodes the selector as hex
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a hex selector, with or without 0x prefix
func (s *Selector) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid selector: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("invalid selector length: expected 4 bytes, got %d", len(raw))
	}
	copy(s[:], raw)
	return nil
}

// Message is a cross-chain message as submitted by a router
type Message struct {
	ID        uint64   `json:"id"`
	FromChain string   `json:"fromChain"`
	Sender    string   `json:"sender"`
	Signer    string   `json:"signer"`
	SQoS      []SQoS   `json:"sqos,omitempty"`
	Contract  string   `json:"contract"`
	Action    Selector `json:"action"`
	Data      []byte   `json:"data,omitempty"`
	Session   Session  `json:"session"`
	ErrorCode *uint16  `json:"errorCode,omitempty"`
}

// Key returns the (source chain, sequence id) key of the message
func (m Message) Key() ChainKey {
	return ChainKey{Chain: m.FromChain, ID: m.ID}
}

// Hash32 is a SHA-256 digest that marshals as hex
type Hash32 [32]byte

func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as hex
func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash
func (h *Hash32) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid hash: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("invalid hash length: expected %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Group collects the routers that submitted bit-identical content for one key
type Group struct {
	MessageHash           Hash32     `json:"messageHash"`
	Message               Message    `json:"message"`
	Routers               []RouterID `json:"routers"`
	GroupCredibilityValue uint64     `json:"groupCredibilityValue"`
	CredibilityWeight     uint32     `json:"credibilityWeight"`
}

// Contains reports whether router submitted to this group
func (g *Group) Contains(router RouterID) bool {
	for _, r := range g.Routers {
		if r == router {
			return true
		}
	}
	return false
}

// PendingEntry is the per-key submission state
type PendingEntry struct {
	Groups      []Group `json:"groups"`
	Finalized   bool    `json:"finalized"`
	FirstSeen   int64   `json:"firstSeen"`
	FinalizedAt int64   `json:"finalizedAt,omitempty"`
}

func (e *PendingEntry) hasRouter(router RouterID) bool {
	for i := range e.Groups {
		if e.Groups[i].Contains(router) {
			return true
		}
	}
	return false
}

func (e *PendingEntry) group(hash Hash32) *Group {
	for i := range e.Groups {
		if e.Groups[i].MessageHash == hash {
			return &e.Groups[i]
		}
	}
	return nil
}

// ExceptionGroup is a group that took part in a round without a winner
type ExceptionGroup struct {
	Routers           []RouterID `json:"routers"`
	CredibilityWeight uint32     `json:"credibilityWeight"`
}

// AggregationResult is the outcome of one consensus evaluation
type AggregationResult struct {
	Evaluated  bool             `json:"evaluated"`
	Finalized  bool             `json:"finalized"`
	Winner     Hash32           `json:"winner,omitempty"`
	Trusted    []RouterID       `json:"trusted"`
	Untrusted  []RouterID       `json:"untrusted"`
	Exceptions []ExceptionGroup `json:"exceptions"`
}

// AbandonedRound records a consensus round that ended without a winner
type AbandonedRound struct {
	ID         uint64           `json:"id"`
	Timestamp  int64            `json:"timestamp"`
	Exceptions []ExceptionGroup `json:"exceptions"`
}

// OutboundMessage is a message this node sends towards another chain
type OutboundMessage struct {
	ToChain  string   `json:"toChain"`
	SQoS     []SQoS   `json:"sqos,omitempty"`
	Contract string   `json:"contract"`
	Action   Selector `json:"action"`
	Data     []byte   `json:"data,omitempty"`
	Session  Session  `json:"session"`
}

// SentMessage is an outbound message after id assignment
type SentMessage struct {
	ID        uint64   `json:"id"`
	FromChain string   `json:"fromChain"`
	ToChain   string   `json:"toChain"`
	Sender    string   `json:"sender"`
	Signer    string   `json:"signer"`
	SQoS      []SQoS   `json:"sqos,omitempty"`
	Contract  string   `json:"contract"`
	Action    Selector `json:"action"`
	Data      []byte   `json:"data,omitempty"`
	Session   Session  `json:"session"`
}

// ExecutionContext describes the message being dispatched to a target contract
type ExecutionContext struct {
	ID        uint64   `json:"id"`
	FromChain string   `json:"fromChain"`
	Sender    string   `json:"sender"`
	Signer    string   `json:"signer"`
	SQoS      []SQoS   `json:"sqos,omitempty"`
	Contract  string   `json:"contract"`
	Action    Selector `json:"action"`
	Session   Session  `json:"session"`
}

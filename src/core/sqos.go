package main

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Commitment is one router's hidden-message hash under a Reveal policy
type Commitment struct {
	Router RouterID `json:"router"`
	Hash   Hash32   `json:"hash"`
}

// HiddenCommitments collects the commit phase of a Reveal policy for one key
type HiddenCommitments struct {
	Entries   []Commitment `json:"entries"`
	Completed bool         `json:"completed"`
}

func (h *HiddenCommitments) lookup(router RouterID) (Hash32, bool) {
	for _, c := range h.Entries {
		if c.Router == router {
			return c.Hash, true
		}
	}
	return Hash32{}, false
}

// Challenger is a non-selected router contesting a finalization with its credibility
type Challenger struct {
	Router      RouterID `json:"router"`
	Credibility uint32   `json:"credibility"`
}

// ChallengeState accumulates challenges against one finalized key
type ChallengeState struct {
	Challengers []Challenger `json:"challengers"`
	Total       uint64       `json:"total"`
}

func (c *ChallengeState) contains(router RouterID) bool {
	for _, ch := range c.Challengers {
		if ch.Router == router {
			return true
		}
	}
	return false
}

// thresholdPercent parses a Threshold policy value (0..100)
func thresholdPercent(value string) (int, error) {
	pct, err := strconv.Atoi(value)
	if err != nil || pct < 0 || pct > 100 {
		return 0, fmt.Errorf("%w: threshold must be an integer between 0 and 100, got %q", ErrInvalidSQoSValue, value)
	}
	return pct, nil
}

// sinceFinalized is the time elapsed since entry finalized. Caller must hold node.mu.
func (node *RelayNode) sinceFinalized(entry *PendingEntry) time.Duration {
	return time.Duration(node.now()-entry.FinalizedAt) * time.Millisecond
}

// challengeWindow parses a Challenge policy value as a duration
func challengeWindow(value string) (time.Duration, error) {
	window, err := time.ParseDuration(value)
	if err != nil || window < time.Millisecond {
		return 0, fmt.Errorf("%w: challenge window must be a duration of at least 1ms, got %q", ErrInvalidSQoSValue, value)
	}
	return window, nil
}

// ValidateSQoS checks that a policy's value is well formed for its type
func ValidateSQoS(policy SQoS) error {
	if !IsKnownSQoSType(policy.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSQoSValue, policy.Type)
	}
	switch policy.Type {
	case SQoSThreshold:
		_, err := thresholdPercent(policy.Value)
		return err
	case SQoSChallenge:
		_, err := challengeWindow(policy.Value)
		return err
	}
	return nil
}

// SetSQoS installs the policy for a target contract
func (node *RelayNode) SetSQoS(contract string, policy SQoS) error {
	if contract == "" || !ValidateStringField(contract, MaxAddressLength) {
		return fmt.Errorf("%w: invalid contract", ErrInvalidSQoSValue)
	}
	if err := ValidateSQoS(policy); err != nil {
		return err
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	node.sqosTable[contract] = policy
	logger.Info("Set contract sqos", "contract", contract, "type", policy.Type, "value", policy.Value)
	return nil
}

// RemoveSQoS restores the plain policy for a target contract
func (node *RelayNode) RemoveSQoS(contract string) {
	node.mu.Lock()
	defer node.mu.Unlock()
	delete(node.sqosTable, contract)
}

// SQoS returns the policy of a target contract
func (node *RelayNode) SQoS(contract string) (SQoS, bool) {
	node.mu.Lock()
	defer node.mu.Unlock()
	policy, ok := node.sqosTable[contract]
	return policy, ok
}

// ReceiveHiddenMessage records a selected router's commitment for (chain, id).
// Collection completes once every router in the active set has committed.
func (node *RelayNode) ReceiveHiddenMessage(ctx context.Context, router RouterID, chain string, id uint64, contract string, commitment Hash32) error {
	key := ChainKey{Chain: chain, ID: id}
	_, span := node.startSpan(ctx, "RelayNode.ReceiveHiddenMessage", keyAttributes(router, key)...)
	defer span.End()

	node.mu.Lock()
	defer node.mu.Unlock()

	if !node.isSelected(router) {
		RecordSubmission("commitment", ErrNotSelected)
		return fmt.Errorf("%w: %s", ErrNotSelected, router)
	}
	if id == 0 {
		return ErrIDOutOfBound
	}
	if latest := node.latestMessageID[chain]; id > latest+1 {
		RecordSubmission("commitment", ErrAheadOfID)
		return fmt.Errorf("%w: got %d, next is %d", ErrAheadOfID, id, latest+1)
	}
	if entry, exists := node.received[key]; exists && entry.Finalized {
		RecordSubmission("commitment", ErrReceiveCompleted)
		return ErrReceiveCompleted
	}
	if policy, ok := node.sqosTable[contract]; !ok || policy.Type != SQoSReveal {
		RecordSubmission("commitment", ErrWrongSQoSType)
		return fmt.Errorf("%w: contract %s has no reveal policy", ErrWrongSQoSType, contract)
	}

	hidden, exists := node.commitments[key]
	if exists {
		if hidden.Completed {
			RecordSubmission("commitment", ErrSQoSCompleted)
			return ErrSQoSCompleted
		}
		if _, committed := hidden.lookup(router); committed {
			RecordSubmission("commitment", ErrAlreadyCommitted)
			return ErrAlreadyCommitted
		}
	} else {
		hidden = &HiddenCommitments{Entries: []Commitment{}}
		node.commitments[key] = hidden
	}

	hidden.Entries = append(hidden.Entries, Commitment{Router: router, Hash: commitment})
	if len(hidden.Entries) >= len(node.currentRouters) {
		hidden.Completed = true
		logger.Info("Hidden message collection complete", "chain", chain, "id", id, "commitments", len(hidden.Entries))
	}
	RecordSubmission("commitment", nil)
	return nil
}

// HiddenCommitments returns the commit-phase state for (chain, id)
func (node *RelayNode) HiddenCommitments(chain string, id uint64) (HiddenCommitments, bool) {
	node.mu.Lock()
	defer node.mu.Unlock()

	hidden, exists := node.commitments[ChainKey{Chain: chain, ID: id}]
	if !exists {
		return HiddenCommitments{}, false
	}
	out := *hidden
	out.Entries = append([]Commitment(nil), hidden.Entries...)
	return out, true
}

// checkReveal verifies a revealed message against the router's commitment.
// Caller must hold node.mu.
func (node *RelayNode) checkReveal(router RouterID, msg Message) error {
	hidden, exists := node.commitments[msg.Key()]
	if !exists || !hidden.Completed {
		return ErrSQoSNotComplete
	}
	committed, ok := hidden.lookup(router)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRevealer, router)
	}
	if msg.CommitmentHash(router) != committed {
		return ErrRevealCheckFailed
	}
	return nil
}

// Challenge contests the finalization of (chain, id) with the caller's credibility.
// When the accumulated challenge credibility exceeds the winning group's weighted
// credibility the finalization is rolled back and Challenge reports true.
func (node *RelayNode) Challenge(ctx context.Context, router RouterID, chain string, id uint64) (bool, error) {
	key := ChainKey{Chain: chain, ID: id}
	_, span := node.startSpan(ctx, "RelayNode.Challenge", keyAttributes(router, key)...)
	defer span.End()

	node.mu.Lock()
	defer node.mu.Unlock()

	credibility, registered := node.ledger.Lookup(router)
	if !registered {
		return false, fmt.Errorf("%w: %s", ErrNotRouter, router)
	}
	if node.isSelected(router) {
		return false, fmt.Errorf("%w: %s", ErrSelectedChallenger, router)
	}

	winner, executable := node.executable[key]
	if !executable {
		return false, fmt.Errorf("%w: %s", ErrNotExecutable, key)
	}
	entry := node.received[key]
	group := entry.group(winner)

	policy, ok := node.sqosTable[group.Message.Contract]
	if !ok || policy.Type != SQoSChallenge {
		return false, fmt.Errorf("%w: contract %s has no challenge policy", ErrWrongSQoSType, group.Message.Contract)
	}
	window, err := challengeWindow(policy.Value)
	if err != nil {
		return false, err
	}
	if node.sinceFinalized(entry) >= window {
		return false, ErrChallengeWindowClosed
	}

	state, exists := node.challenges[key]
	if exists && state.contains(router) {
		return false, ErrAlreadyChallenged
	}
	if !exists {
		state = &ChallengeState{Challengers: []Challenger{}}
		node.challenges[key] = state
	}
	state.Challengers = append(state.Challengers, Challenger{Router: router, Credibility: credibility})
	state.Total += uint64(credibility)

	logger.Info("Message challenged",
		"chain", chain,
		"id", id,
		"router", router,
		"challengeTotal", state.Total)

	bar := group.GroupCredibilityValue * uint64(group.CredibilityWeight) / uint64(Precision)
	if state.Total <= bar {
		challengesTotal.WithLabelValues("accepted").Inc()
		return false, nil
	}

	node.rollback(key, entry, group)
	challengesTotal.WithLabelValues("rolled_back").Inc()
	return true, nil
}

// rollback reverts a finalization: the winning routers are penalized as
// do-evil and the key returns to an empty pending entry. Caller must hold node.mu.
func (node *RelayNode) rollback(key ChainKey, entry *PendingEntry, winner *Group) {
	c := node.evaluation.Coefficient
	for _, id := range winner.Routers {
		node.adjustCredibility(id, "rollback", func(old uint32) uint32 {
			return PenalizeCredibility(old, c)
		})
	}

	node.removeExecutable(key)
	node.received[key] = &PendingEntry{Groups: []Group{}, FirstSeen: node.now()}
	node.pendingKeys.ReplaceOrInsert(key)
	delete(node.challenges, key)
	delete(node.commitments, key)

	UpdatePendingEntriesGauge(node.pendingKeys.Len())
	UpdateExecutableMessagesGauge(len(node.executableKeys))
	logger.Warn("Finalization rolled back by challenge",
		"chain", key.Chain,
		"id", key.ID,
		"penalized", len(winner.Routers),
		"finalizedAt", entry.FinalizedAt)
}

// Challenges returns the accumulated challenges against (chain, id)
func (node *RelayNode) Challenges(chain string, id uint64) (ChallengeState, bool) {
	node.mu.Lock()
	defer node.mu.Unlock()

	state, exists := node.challenges[ChainKey{Chain: chain, ID: id}]
	if !exists {
		return ChallengeState{}, false
	}
	out := *state
	out.Challengers = append([]Challenger(nil), state.Challengers...)
	return out, true
}

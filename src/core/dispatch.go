package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// PayloadItem is one typed entry of a decoded message payload
type PayloadItem struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Payload is the typed key-value body a target contract receives
type Payload struct {
	Items []PayloadItem `json:"items"`
}

// Item returns the payload entry named name
func (p Payload) Item(name string) (PayloadItem, bool) {
	for _, item := range p.Items {
		if item.Name == name {
			return item, true
		}
	}
	return PayloadItem{}, false
}

// PayloadCodec converts between opaque message bytes and typed payloads
type PayloadCodec interface {
	Decode(data []byte) (Payload, error)
	Encode(payload Payload) ([]byte, error)
}

// JSONPayloadCodec encodes payloads as JSON objects
type JSONPayloadCodec struct{}

// Decode implements PayloadCodec. Empty data decodes to an empty payload.
func (JSONPayloadCodec) Decode(data []byte) (Payload, error) {
	payload := Payload{Items: []PayloadItem{}}
	if len(data) == 0 {
		return payload, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return Payload{}, err
	}
	for _, item := range payload.Items {
		if item.Name == "" {
			return Payload{}, errors.New("payload item without name")
		}
	}
	return payload, nil
}

// Encode implements PayloadCodec
func (JSONPayloadCodec) Encode(payload Payload) ([]byte, error) {
	if payload.Items == nil {
		payload.Items = []PayloadItem{}
	}
	return json.Marshal(payload)
}

// Dispatcher performs the call into a target contract
type Dispatcher interface {
	Call(ctx context.Context, execCtx ExecutionContext, payload Payload) ([]byte, error)
}

// Execute dispatches the finalized message for (chain, id) to its target contract.
// The executable record is removed before the call whatever its outcome; a failed
// call or undecodable payload echoes an error message back to the source chain.
func (node *RelayNode) Execute(ctx context.Context, chain string, id uint64) error {
	key := ChainKey{Chain: chain, ID: id}
	ctx, span := node.startSpan(ctx, "RelayNode.Execute",
		attribute.String("relay.chain", chain),
		attribute.Int64("relay.id", int64(id)))
	defer span.End()

	node.mu.Lock()
	defer node.mu.Unlock()

	winner, executable := node.executable[key]
	if !executable {
		return fmt.Errorf("%w: %s", ErrNotExecutable, key)
	}
	entry := node.received[key]
	group := entry.group(winner)
	msg := group.Message

	if policy, ok := node.sqosTable[msg.Contract]; ok && policy.Type == SQoSChallenge {
		window, err := challengeWindow(policy.Value)
		if err != nil {
			return err
		}
		if node.sinceFinalized(entry) < window {
			return fmt.Errorf("%w: challenge window still open", ErrSQoSNotComplete)
		}
	}

	node.removeExecutable(key)
	UpdateExecutableMessagesGauge(len(node.executableKeys))

	execCtx := ExecutionContext{
		ID:        msg.ID,
		FromChain: msg.FromChain,
		Sender:    msg.Sender,
		Signer:    msg.Signer,
		SQoS:      msg.SQoS,
		Contract:  msg.Contract,
		Action:    msg.Action,
		Session:   msg.Session,
	}

	if msg.ErrorCode != nil || msg.Session.Type == SessionAbandon {
		node.echoError(msg.FromChain, msg.ID)
		RecordExecution("abandoned")
		logger.Info("Executed abandoned message", "chain", chain, "id", id)
		return nil
	}

	if msg.Session.Type == SessionRemoteError {
		delete(node.callbacks, ChainKey{Chain: msg.FromChain, ID: msg.Session.ID})
		if _, err := node.call(ctx, execCtx, Payload{Items: []PayloadItem{}}); err != nil {
			RecordExecution("failed")
			span.RecordError(err)
			return fmt.Errorf("%w: %v", ErrCrossContractCallFailed, err)
		}
		RecordExecution("remote_error")
		logger.Info("Delivered remote error", "chain", chain, "id", id, "contract", msg.Contract)
		return nil
	}

	delete(node.callbacks, ChainKey{Chain: msg.FromChain, ID: msg.Session.ID})

	payload, err := node.codec.Decode(msg.Data)
	if err != nil {
		node.echoError(msg.FromChain, msg.Session.ID)
		RecordExecution("decode_failed")
		span.RecordError(err)
		logger.Warn("Failed to decode message payload", "chain", chain, "id", id, "error", err)
		return fmt.Errorf("%w: %v", ErrDecodeDataFailed, err)
	}

	if _, err := node.call(ctx, execCtx, payload); err != nil {
		node.echoError(msg.FromChain, msg.Session.ID)
		RecordExecution("failed")
		span.RecordError(err)
		logger.Warn("Cross-contract call failed", "chain", chain, "id", id, "contract", msg.Contract, "error", err)
		return fmt.Errorf("%w: %v", ErrCrossContractCallFailed, err)
	}

	RecordExecution("success")
	logger.Info("Executed message", "chain", chain, "id", id, "contract", msg.Contract, "action", msg.Action.String())
	return nil
}

func (node *RelayNode) call(ctx context.Context, execCtx ExecutionContext, payload Payload) ([]byte, error) {
	if node.dispatcher == nil {
		return nil, errors.New("no dispatcher configured")
	}
	return node.dispatcher.Call(ctx, execCtx, payload)
}

// echoError sends a remote-error message back to toChain. Caller must hold node.mu.
func (node *RelayNode) echoError(toChain string, sessionID uint64) {
	id := node.sendMessage(node.ChainName, OutboundMessage{
		ToChain: toChain,
		Session: Session{ID: sessionID, Type: SessionRemoteError},
	})
	logger.Info("Echoed error to source chain", "toChain", toChain, "sessionId", sessionID, "id", id)
}

// SendMessage records an outbound message and returns its per-destination id
func (node *RelayNode) SendMessage(sender string, out OutboundMessage) (uint64, error) {
	if !IsValidChainName(out.ToChain) {
		return 0, fmt.Errorf("%w: invalid destination chain %q", ErrInvalidMessage, out.ToChain)
	}
	if !ValidateStringField(sender, MaxAddressLength) || !ValidateStringField(out.Contract, MaxAddressLength) {
		return 0, fmt.Errorf("%w: invalid sender or contract", ErrInvalidMessage)
	}
	if len(out.Data) > MaxPayloadSize {
		return 0, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidMessage, MaxPayloadSize)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	return node.sendMessage(sender, out), nil
}

// sendMessage assigns the next id towards out.ToChain. Caller must hold node.mu.
func (node *RelayNode) sendMessage(sender string, out OutboundMessage) uint64 {
	id := node.latestSentID[out.ToChain] + 1
	node.latestSentID[out.ToChain] = id

	sent := SentMessage{
		ID:        id,
		FromChain: node.ChainName,
		ToChain:   out.ToChain,
		Sender:    sender,
		Signer:    sender,
		SQoS:      out.SQoS,
		Contract:  out.Contract,
		Action:    out.Action,
		Data:      out.Data,
		Session:   out.Session,
	}
	key := ChainKey{Chain: out.ToChain, ID: id}
	node.sentMessages[key] = sent

	kind := "plain"
	switch out.Session.Type {
	case SessionRequest:
		node.callbacks[key] = true
		kind = "request"
	case SessionResponse:
		kind = "response"
	case SessionRemoteError:
		kind = "remote_error"
	}
	sentMessagesTotal.WithLabelValues(kind).Inc()
	return id
}

// SentMessage returns the outbound message with id sent to chain
func (node *RelayNode) SentMessage(chain string, id uint64) (SentMessage, error) {
	node.mu.Lock()
	defer node.mu.Unlock()

	sent, exists := node.sentMessages[ChainKey{Chain: chain, ID: id}]
	if !exists {
		return SentMessage{}, fmt.Errorf("%w: %s:%d", ErrChainMessageNotFound, chain, id)
	}
	return sent, nil
}

// SentCount returns the number of messages sent to chain
func (node *RelayNode) SentCount(chain string) uint64 {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.latestSentID[chain]
}

// ClearSentMessages drops the outbound table and pending callbacks for chain
func (node *RelayNode) ClearSentMessages(chain string) {
	node.mu.Lock()
	defer node.mu.Unlock()

	for key := range node.sentMessages {
		if key.Chain == chain {
			delete(node.sentMessages, key)
		}
	}
	for key := range node.callbacks {
		if key.Chain == chain {
			delete(node.callbacks, key)
		}
	}
	delete(node.latestSentID, chain)
	logger.Info("Cleared sent messages", "chain", chain)
}

// PendingCallback reports whether a request sent to chain with id still awaits its response
func (node *RelayNode) PendingCallback(chain string, id uint64) bool {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.callbacks[ChainKey{Chain: chain, ID: id}]
}

// ExecutableMessages lists executable keys from the given chains in finalization
// order. An empty chains list returns every executable key.
func (node *RelayNode) ExecutableMessages(chains []string) []ChainKey {
	node.mu.Lock()
	defer node.mu.Unlock()

	keys := []ChainKey{}
	if len(chains) == 0 {
		return append(keys, node.executableKeys...)
	}
	for _, chain := range chains {
		for _, key := range node.executableKeys {
			if key.Chain == chain {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// ExecutableMessage returns the winning message hash for (chain, id)
func (node *RelayNode) ExecutableMessage(chain string, id uint64) (Hash32, bool) {
	node.mu.Lock()
	defer node.mu.Unlock()
	hash, ok := node.executable[ChainKey{Chain: chain, ID: id}]
	return hash, ok
}

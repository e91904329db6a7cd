package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// ReceiveMessage records a router's submission for (msg.FromChain, msg.ID) and
// runs consensus once enough routers have submitted for the key.
func (node *RelayNode) ReceiveMessage(ctx context.Context, router RouterID, msg Message) (AggregationResult, error) {
	_, span := node.startSpan(ctx, "RelayNode.ReceiveMessage", keyAttributes(router, msg.Key())...)
	defer span.End()

	if err := ValidateMessage(msg); err != nil {
		RecordSubmission("message", err)
		span.RecordError(err)
		return AggregationResult{}, err
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	key := msg.Key()
	expected := len(node.currentRouters)
	revealer := false

	if policy, ok := node.sqosTable[msg.Contract]; ok {
		switch policy.Type {
		case SQoSReveal:
			if err := node.checkReveal(router, msg); err != nil {
				logger.Debug("Rejected reveal", "chain", key.Chain, "id", key.ID, "router", router, "error", err)
				RecordSubmission("message", err)
				span.RecordError(err)
				return AggregationResult{}, err
			}
			revealer = true
		case SQoSThreshold:
			pct, err := thresholdPercent(policy.Value)
			if err != nil {
				logger.Error("Stored threshold policy is invalid", "contract", msg.Contract, "value", policy.Value, "error", err)
				RecordSubmission("message", err)
				span.RecordError(err)
				return AggregationResult{}, err
			}
			expected = expected * pct / 100
		}
	}

	if !revealer && !node.isSelected(router) {
		RecordSubmission("message", ErrNotRouter)
		return AggregationResult{}, fmt.Errorf("%w: %s", ErrNotRouter, router)
	}

	if err := node.receive(router, msg); err != nil {
		logger.Debug("Rejected submission", "chain", key.Chain, "id", key.ID, "router", router, "error", err)
		RecordSubmission("message", err)
		span.RecordError(err)
		return AggregationResult{}, err
	}
	RecordSubmission("message", nil)

	result := node.evaluate(key, expected)
	if result.Evaluated {
		RecordConsensusOutcome(result)
		span.SetAttributes(attribute.Bool("relay.finalized", result.Finalized))
	}
	return result, nil
}

// AbandonMessage submits an error-only message so the active routers can agree to skip (chain, id)
func (node *RelayNode) AbandonMessage(ctx context.Context, router RouterID, chain string, id uint64, errorCode uint16) (AggregationResult, error) {
	key := ChainKey{Chain: chain, ID: id}
	_, span := node.startSpan(ctx, "RelayNode.AbandonMessage", keyAttributes(router, key)...)
	defer span.End()

	msg := Message{
		ID:        id,
		FromChain: chain,
		Session:   Session{Type: SessionAbandon},
		ErrorCode: &errorCode,
	}
	if err := ValidateMessage(msg); err != nil {
		RecordSubmission("abandon", err)
		return AggregationResult{}, err
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	if !node.isSelected(router) {
		RecordSubmission("abandon", ErrNotRouter)
		return AggregationResult{}, fmt.Errorf("%w: %s", ErrNotRouter, router)
	}

	if err := node.receive(router, msg); err != nil {
		RecordSubmission("abandon", err)
		span.RecordError(err)
		return AggregationResult{}, err
	}
	RecordSubmission("abandon", nil)
	logger.Info("Router voted to abandon message", "chain", chain, "id", id, "router", router, "errorCode", errorCode)

	result := node.evaluate(key, len(node.currentRouters))
	if result.Evaluated {
		RecordConsensusOutcome(result)
	}
	return result, nil
}

// receive validates ordering and dedup for a submission, then adds it to the
// matching group. Nothing is written unless every check passes.
// Caller must hold node.mu.
func (node *RelayNode) receive(router RouterID, msg Message) error {
	key := msg.Key()
	if key.ID == 0 {
		return ErrIDOutOfBound
	}

	latest := node.latestMessageID[key.Chain]
	if key.ID > latest+1 {
		return fmt.Errorf("%w: got %d, next is %d", ErrAheadOfID, key.ID, latest+1)
	}

	entry, exists := node.received[key]
	if exists {
		if entry.Finalized {
			return ErrReceiveCompleted
		}
		if entry.hasRouter(router) {
			return ErrAlreadyReceived
		}
	}

	if key.ID == latest+1 {
		node.latestMessageID[key.Chain] = key.ID
	}

	watermarks, ok := node.finalReceivedID[key.Chain]
	if !ok {
		watermarks = make(map[RouterID]uint64)
		node.finalReceivedID[key.Chain] = watermarks
	}
	if key.ID > watermarks[router] {
		watermarks[router] = key.ID
	}

	credibility := uint64(node.ledger.Credibility(router))
	hash := msg.Hash()

	if !exists {
		entry = &PendingEntry{Groups: []Group{}, FirstSeen: node.now()}
		node.received[key] = entry
		node.pendingKeys.ReplaceOrInsert(key)
		UpdatePendingEntriesGauge(node.pendingKeys.Len())
	}

	if group := entry.group(hash); group != nil {
		group.Routers = append(group.Routers, router)
		group.GroupCredibilityValue += credibility
	} else {
		entry.Groups = append(entry.Groups, Group{
			MessageHash:           hash,
			Message:               msg,
			Routers:               []RouterID{router},
			GroupCredibilityValue: credibility,
		})
	}

	logger.Debug("Received message",
		"chain", key.Chain,
		"id", key.ID,
		"router", router,
		"hash", hash.String(),
		"groups", len(entry.Groups))
	return nil
}

// MessageTask returns the next id router should port from chain: the smallest
// pending id above the router's watermark, or the next unseen id.
func (node *RelayNode) MessageTask(chain string, router RouterID) uint64 {
	node.mu.Lock()
	defer node.mu.Unlock()

	watermark := node.finalReceivedID[chain][router]
	task := node.latestMessageID[chain] + 1

	node.pendingKeys.AscendGreaterOrEqual(ChainKey{Chain: chain, ID: watermark + 1}, func(key ChainKey) bool {
		if key.Chain == chain {
			task = key.ID
		}
		return false
	})
	return task
}

// ReceivedMessage returns a copy of the submission state for (chain, id)
func (node *RelayNode) ReceivedMessage(chain string, id uint64) (PendingEntry, error) {
	node.mu.Lock()
	defer node.mu.Unlock()

	entry, exists := node.received[ChainKey{Chain: chain, ID: id}]
	if !exists {
		return PendingEntry{}, fmt.Errorf("%w: %s:%d", ErrChainMessageNotFound, chain, id)
	}
	return entry.clone(), nil
}

// ReceivedCount returns the highest id accepted in order from chain
func (node *RelayNode) ReceivedCount(chain string) uint64 {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.latestMessageID[chain]
}

// Watermark returns the highest id router has submitted for chain
func (node *RelayNode) Watermark(chain string, router RouterID) uint64 {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.finalReceivedID[chain][router]
}

// PendingMessages returns the keys still awaiting consensus for chain in id order
func (node *RelayNode) PendingMessages(chain string) []ChainKey {
	node.mu.Lock()
	defer node.mu.Unlock()

	keys := []ChainKey{}
	node.pendingKeys.AscendGreaterOrEqual(ChainKey{Chain: chain}, func(key ChainKey) bool {
		if key.Chain != chain {
			return false
		}
		keys = append(keys, key)
		return true
	})
	return keys
}

// AbandonedRounds returns the consensus rounds for chain that ended without a winner
func (node *RelayNode) AbandonedRounds(chain string) []AbandonedRound {
	node.mu.Lock()
	defer node.mu.Unlock()

	rounds := make([]AbandonedRound, len(node.abandoned[chain]))
	copy(rounds, node.abandoned[chain])
	return rounds
}

// ClearMessages drops every received-side record for chain
func (node *RelayNode) ClearMessages(chain string) {
	node.mu.Lock()
	defer node.mu.Unlock()

	for key := range node.received {
		if key.Chain == chain {
			delete(node.received, key)
		}
	}
	for key := range node.commitments {
		if key.Chain == chain {
			delete(node.commitments, key)
		}
	}
	for key := range node.challenges {
		if key.Chain == chain {
			delete(node.challenges, key)
		}
	}
	for key := range node.executable {
		if key.Chain == chain {
			node.removeExecutable(key)
		}
	}

	var stale []ChainKey
	node.pendingKeys.AscendGreaterOrEqual(ChainKey{Chain: chain}, func(key ChainKey) bool {
		if key.Chain != chain {
			return false
		}
		stale = append(stale, key)
		return true
	})
	for _, key := range stale {
		node.pendingKeys.Delete(key)
	}

	delete(node.latestMessageID, chain)
	delete(node.finalReceivedID, chain)
	delete(node.abandoned, chain)

	UpdatePendingEntriesGauge(node.pendingKeys.Len())
	UpdateExecutableMessagesGauge(len(node.executableKeys))
	logger.Info("Cleared received messages", "chain", chain)
}

// removeExecutable drops key from the executable index. Caller must hold node.mu.
func (node *RelayNode) removeExecutable(key ChainKey) bool {
	if _, exists := node.executable[key]; !exists {
		return false
	}
	delete(node.executable, key)
	for i, k := range node.executableKeys {
		if k == key {
			node.executableKeys = append(node.executableKeys[:i], node.executableKeys[i+1:]...)
			break
		}
	}
	return true
}

func (e *PendingEntry) clone() PendingEntry {
	out := *e
	out.Groups = make([]Group, len(e.Groups))
	for i, g := range e.Groups {
		g.Routers = append([]RouterID(nil), g.Routers...)
		out.Groups[i] = g
	}
	return out
}

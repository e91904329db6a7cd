package main

import "sort"

// Aggregate computes each group's credibility weight and picks the winner.
// Weights are written back into groups. The leading group wins when its weight
// reaches weightThreshold; otherwise every group is reported as an exception.
func Aggregate(groups []Group, weightThreshold uint32) AggregationResult {
	result := AggregationResult{
		Evaluated:  true,
		Trusted:    []RouterID{},
		Untrusted:  []RouterID{},
		Exceptions: []ExceptionGroup{},
	}
	if len(groups) == 0 {
		return result
	}

	var total uint64
	for _, g := range groups {
		total += g.GroupCredibilityValue
	}
	for i := range groups {
		groups[i].CredibilityWeight = 0
		if total > 0 {
			groups[i].CredibilityWeight = uint32(groups[i].GroupCredibilityValue * uint64(Precision) / total)
		}
	}

	ranked := make([]int, len(groups))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return groups[ranked[a]].CredibilityWeight > groups[ranked[b]].CredibilityWeight
	})

	leader := groups[ranked[0]]
	if total > 0 && leader.CredibilityWeight >= weightThreshold {
		result.Finalized = true
		result.Winner = leader.MessageHash
		result.Trusted = append(result.Trusted, leader.Routers...)
		for _, idx := range ranked[1:] {
			result.Untrusted = append(result.Untrusted, groups[idx].Routers...)
		}
		return result
	}

	for _, idx := range ranked {
		routers := make([]RouterID, len(groups[idx].Routers))
		copy(routers, groups[idx].Routers)
		result.Exceptions = append(result.Exceptions, ExceptionGroup{
			Routers:           routers,
			CredibilityWeight: groups[idx].CredibilityWeight,
		})
	}
	return result
}

func submitterCount(groups []Group) int {
	n := 0
	for _, g := range groups {
		n += len(g.Routers)
	}
	return n
}

// evaluate runs consensus for key once expected submitters have arrived and
// applies the outcome: a winner is published to the executable index, a round
// without a winner evicts the entry so the key can be submitted again.
// Caller must hold node.mu.
func (node *RelayNode) evaluate(key ChainKey, expected int) AggregationResult {
	entry, exists := node.received[key]
	if !exists || entry.Finalized || submitterCount(entry.Groups) < expected {
		return AggregationResult{}
	}

	result := Aggregate(entry.Groups, node.evaluation.Threshold.CredibilityWeightThreshold)
	now := node.now()

	if result.Finalized {
		entry.Finalized = true
		entry.FinalizedAt = now
		node.executable[key] = result.Winner
		node.executableKeys = append(node.executableKeys, key)
		node.pendingKeys.Delete(key)

		logger.Info("Message finalized",
			"chain", key.Chain,
			"id", key.ID,
			"winner", result.Winner.String(),
			"trusted", len(result.Trusted),
			"untrusted", len(result.Untrusted))
	} else {
		delete(node.received, key)
		delete(node.commitments, key)
		node.abandoned[key.Chain] = append(node.abandoned[key.Chain], AbandonedRound{
			ID:         key.ID,
			Timestamp:  now,
			Exceptions: result.Exceptions,
		})

		logger.Info("Consensus round abandoned without a winner",
			"chain", key.Chain,
			"id", key.ID,
			"groups", len(result.Exceptions))
	}

	node.applyFeedback(result)
	UpdatePendingEntriesGauge(node.pendingKeys.Len())
	UpdateExecutableMessagesGauge(len(node.executableKeys))
	return result
}

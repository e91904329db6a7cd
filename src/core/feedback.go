package main

// Credibility adjustments. All arithmetic is int64, evaluated left to right in
// the order of each formula, then clamped into [Min, Max].

func clampCredibility(value int64, c Coefficient) uint32 {
	if value < int64(c.Min) {
		return c.Min
	}
	if value > int64(c.Max) {
		return c.Max
	}
	return uint32(value)
}

// RewardCredibility raises the credibility of a router in the winning group.
// Below Middle the reward grows with distance from Min, above it the reward
// shrinks as the router approaches Max.
func RewardCredibility(old uint32, c Coefficient) uint32 {
	if c.Range == 0 {
		return clampCredibility(int64(old), c)
	}
	v, step, rng := int64(old), int64(c.SuccessStep), int64(c.Range)
	var next int64
	if old < c.Middle {
		next = step*(v-int64(c.Min))/rng + v
	} else {
		next = step*(int64(c.Max)-v)/rng + v
	}
	return clampCredibility(next, c)
}

// PenalizeCredibility lowers the credibility of a router that submitted
// content contradicting the winner.
func PenalizeCredibility(old uint32, c Coefficient) uint32 {
	if c.Range == 0 {
		return clampCredibility(int64(old), c)
	}
	v := int64(old)
	next := v - int64(c.DoEvilStep)*(v-int64(c.Min))/int64(c.Range)
	return clampCredibility(next, c)
}

// ExceptionCredibility lowers the credibility of a router whose round ended
// without a winner. The penalty shrinks as the group weight nears Precision.
func ExceptionCredibility(old uint32, groupWeight uint32, c Coefficient) uint32 {
	if c.Range == 0 {
		return clampCredibility(int64(old), c)
	}
	v := int64(old)
	p := int64(Precision)
	next := v - int64(c.ExceptionStep)*(v-int64(c.Min))/int64(c.Range)*(p-int64(groupWeight))/p
	return clampCredibility(next, c)
}

// applyFeedback updates the ledger from a consensus outcome. Routers that are
// no longer registered are skipped. Caller must hold node.mu.
func (node *RelayNode) applyFeedback(result AggregationResult) {
	c := node.evaluation.Coefficient

	for _, id := range result.Trusted {
		node.adjustCredibility(id, "reward", func(old uint32) uint32 {
			return RewardCredibility(old, c)
		})
	}
	for _, id := range result.Untrusted {
		node.adjustCredibility(id, "do_evil", func(old uint32) uint32 {
			return PenalizeCredibility(old, c)
		})
	}
	for _, group := range result.Exceptions {
		weight := group.CredibilityWeight
		for _, id := range group.Routers {
			node.adjustCredibility(id, "exception", func(old uint32) uint32 {
				return ExceptionCredibility(old, weight, c)
			})
		}
	}
}

func (node *RelayNode) adjustCredibility(id RouterID, kind string, update func(uint32) uint32) {
	old, exists := node.ledger.Lookup(id)
	if !exists {
		logger.Debug("Skipping credibility update for unregistered router", "router", id, "kind", kind)
		return
	}
	next := update(old)
	node.ledger.Set(id, next)
	RecordCredibilityUpdate(kind)
	logger.Debug("Updated router credibility", "router", id, "kind", kind, "old", old, "new", next)
}

package main

import "fmt"

// RouterCredibility is one ledger row
type RouterCredibility struct {
	ID          RouterID `json:"id"`
	Credibility uint32   `json:"credibility"`
}

// CredibilityLedger stores router credibility in registration order.
// Removal swaps the last row into the freed slot, so order is not stable across unregister.
type CredibilityLedger struct {
	routers []RouterCredibility
	index   map[RouterID]int
}

// NewCredibilityLedger creates an empty ledger
func NewCredibilityLedger() *CredibilityLedger {
	return &CredibilityLedger{
		routers: []RouterCredibility{},
		index:   make(map[RouterID]int),
	}
}

// Register adds a router at the given credibility
func (l *CredibilityLedger) Register(id RouterID, credibility uint32) error {
	if _, exists := l.index[id]; exists {
		return fmt.Errorf("%w: %s", ErrRouterAlreadyRegistered, id)
	}
	l.index[id] = len(l.routers)
	l.routers = append(l.routers, RouterCredibility{ID: id, Credibility: credibility})
	return nil
}

// Unregister removes a router
func (l *CredibilityLedger) Unregister(id RouterID) error {
	idx, exists := l.index[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRouterNotExist, id)
	}

	last := len(l.routers) - 1
	if idx != last {
		l.routers[idx] = l.routers[last]
		l.index[l.routers[idx].ID] = idx
	}
	l.routers = l.routers[:last]
	delete(l.index, id)
	return nil
}

// Clear removes every router
func (l *CredibilityLedger) Clear() {
	l.routers = []RouterCredibility{}
	l.index = make(map[RouterID]int)
}

// Credibility returns the router's credibility, or 0 for unknown routers
func (l *CredibilityLedger) Credibility(id RouterID) uint32 {
	if idx, exists := l.index[id]; exists {
		return l.routers[idx].Credibility
	}
	return 0
}

// Lookup reports whether the router is registered along with its credibility
func (l *CredibilityLedger) Lookup(id RouterID) (uint32, bool) {
	idx, exists := l.index[id]
	if !exists {
		return 0, false
	}
	return l.routers[idx].Credibility, true
}

// Set overwrites a registered router's credibility. Unknown routers are ignored.
func (l *CredibilityLedger) Set(id RouterID, credibility uint32) bool {
	idx, exists := l.index[id]
	if !exists {
		return false
	}
	l.routers[idx].Credibility = credibility
	return true
}

// Len returns the number of registered routers
func (l *CredibilityLedger) Len() int {
	return len(l.routers)
}

// Routers returns a copy of the ledger rows in ledger order
func (l *CredibilityLedger) Routers() []RouterCredibility {
	result := make([]RouterCredibility, len(l.routers))
	copy(result, l.routers)
	return result
}

// Restore replaces the ledger content, rejecting duplicate ids
func (l *CredibilityLedger) Restore(rows []RouterCredibility) error {
	fresh := NewCredibilityLedger()
	for _, row := range rows {
		if err := fresh.Register(row.ID, row.Credibility); err != nil {
			return err
		}
	}
	*l = *fresh
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// constantRandom returns the same byte in every position of every buffer
type constantRandom struct {
	value byte
}

func (r constantRandom) Random(seed []byte) [32]byte {
	var buf [32]byte
	for i := range buf {
		buf[i] = r.value
	}
	return buf
}

func newTestNode() *RelayNode {
	node, _ := newTestNodeWithClock()
	return node
}

func newTestNodeWithClock(opts ...NodeOption) (*RelayNode, *testClock) {
	clock := &testClock{now: testEpoch}
	all := append([]NodeOption{WithClock(clock.Now), WithRandomSource(constantRandom{})}, opts...)
	node, err := NewRelayNode("dest", DefaultEvaluation(), all...)
	if err != nil {
		panic(err)
	}
	return node, clock
}

func routerIDs(n int) []RouterID {
	ids := make([]RouterID, n)
	for i := range ids {
		ids[i] = RouterID(fmt.Sprintf("router-%02d", i+1))
	}
	return ids
}

// activateRouters registers n routers at credibility and makes all of them the active set
func activateRouters(t *testing.T, node *RelayNode, n int, credibility uint32) []RouterID {
	t.Helper()
	ids := routerIDs(n)
	if _, err := node.RegisterRouters(ids, credibility); err != nil {
		t.Fatalf("Failed to register routers: %v", err)
	}
	node.SetSelectedNumber(uint8(n))
	selected := node.SelectRouters(context.Background())
	if len(selected) != n {
		t.Fatalf("Expected %d selected routers, got %d", n, len(selected))
	}
	return ids
}

func testMessage(chain string, id uint64) Message {
	return Message{
		ID:        id,
		FromChain: chain,
		Sender:    "sender-contract",
		Signer:    "alice",
		Contract:  "greeting",
		Action:    Selector{0x01, 0x02, 0x03, 0x04},
		Data:      []byte(`{"items":[{"name":"greeting","type":"string","value":"hello"}]}`),
		Session:   Session{ID: 0, Type: SessionDefault},
	}
}

func TestNewRelayNodeRejectsInvalidEvaluation(t *testing.T) {
	eval := DefaultEvaluation()
	eval.Threshold.MinSelectedThreshold = eval.Threshold.TrustworthyThreshold + 1

	_, err := NewRelayNode("dest", eval)
	if !errors.Is(err, ErrCreditValueError) {
		t.Errorf("Expected ErrCreditValueError, got %v", err)
	}
}

func TestRegisterRouter(t *testing.T) {
	node := newTestNode()

	if err := node.RegisterRouter("r1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	credibility, ok := node.RouterCredibility("r1")
	if !ok {
		t.Fatal("Expected r1 to be registered")
	}
	if credibility != node.Evaluation().InitialCredibilityValue {
		t.Errorf("Expected initial credibility %d, got %d", node.Evaluation().InitialCredibilityValue, credibility)
	}

	if err := node.RegisterRouter("r1"); !errors.Is(err, ErrRouterAlreadyRegistered) {
		t.Errorf("Expected ErrRouterAlreadyRegistered, got %v", err)
	}
}

func TestRegisterRoutersSkipsExisting(t *testing.T) {
	node := newTestNode()
	node.RegisterRouter("r1")

	added, err := node.RegisterRouters([]RouterID{"r1", "r2", "r3"}, 4800)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if added != 2 {
		t.Errorf("Expected 2 routers added, got %d", added)
	}

	if c, _ := node.RouterCredibility("r1"); c != 4000 {
		t.Errorf("Expected r1 to keep credibility 4000, got %d", c)
	}
	if c, _ := node.RouterCredibility("r2"); c != 4800 {
		t.Errorf("Expected r2 credibility 4800, got %d", c)
	}

	if _, err := node.RegisterRouters([]RouterID{"r4"}, Precision+1); !errors.Is(err, ErrCreditBeyondUpLimit) {
		t.Errorf("Expected ErrCreditBeyondUpLimit, got %v", err)
	}
}

func TestUnregisterRouterLeavesActiveSet(t *testing.T) {
	node := newTestNode()
	ids := activateRouters(t, node, 3, 4000)

	if err := node.UnregisterRouter(ids[1]); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if node.IsSelected(ids[1]) {
		t.Error("Expected unregistered router to leave the active set")
	}
	if len(node.CurrentRouters()) != 2 {
		t.Errorf("Expected 2 active routers, got %d", len(node.CurrentRouters()))
	}

	if err := node.UnregisterRouter(ids[1]); !errors.Is(err, ErrRouterNotExist) {
		t.Errorf("Expected ErrRouterNotExist, got %v", err)
	}
}

func TestUnregisterAllRouters(t *testing.T) {
	node := newTestNode()
	activateRouters(t, node, 4, 4000)

	node.UnregisterAllRouters()

	if len(node.Routers()) != 0 {
		t.Errorf("Expected empty ledger, got %d routers", len(node.Routers()))
	}
	if len(node.CurrentRouters()) != 0 {
		t.Errorf("Expected empty active set, got %d routers", len(node.CurrentRouters()))
	}
}

func TestSetRouterCredibility(t *testing.T) {
	node := newTestNode()
	node.RegisterRouter("r1")

	if err := node.SetRouterCredibility("r1", 7000); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if c, _ := node.RouterCredibility("r1"); c != 7000 {
		t.Errorf("Expected credibility 7000, got %d", c)
	}

	if err := node.SetRouterCredibility("r1", Precision+1); !errors.Is(err, ErrCreditBeyondUpLimit) {
		t.Errorf("Expected ErrCreditBeyondUpLimit, got %v", err)
	}
	if err := node.SetRouterCredibility("ghost", 10); !errors.Is(err, ErrRouterNotExist) {
		t.Errorf("Expected ErrRouterNotExist, got %v", err)
	}
}

func TestEvaluationSetters(t *testing.T) {
	node := newTestNode()

	tests := []struct {
		name    string
		apply   func() error
		wantErr error
	}{
		{"valid threshold", func() error {
			return node.SetThreshold(Threshold{CredibilityWeightThreshold: 1000, MinSelectedThreshold: 3000, TrustworthyThreshold: 3500})
		}, nil},
		{"min above trustworthy", func() error {
			return node.SetThreshold(Threshold{CredibilityWeightThreshold: 1000, MinSelectedThreshold: 4000, TrustworthyThreshold: 3500})
		}, ErrCreditValueError},
		{"weight beyond precision", func() error {
			return node.SetThreshold(Threshold{CredibilityWeightThreshold: Precision + 1})
		}, ErrCreditBeyondUpLimit},
		{"valid ratio", func() error {
			return node.SetSelectionRatio(SelectionRatio{UpperLimit: 9000, LowerLimit: 5000})
		}, nil},
		{"ratio lower above upper", func() error {
			return node.SetSelectionRatio(SelectionRatio{UpperLimit: 5000, LowerLimit: 6000})
		}, ErrCreditValueError},
		{"ratio beyond precision", func() error {
			return node.SetSelectionRatio(SelectionRatio{UpperLimit: Precision + 1, LowerLimit: 6000})
		}, ErrCreditBeyondUpLimit},
		{"initial credibility beyond precision", func() error {
			return node.SetInitialCredibility(Precision + 1)
		}, ErrCreditBeyondUpLimit},
		{"coefficient without range", func() error {
			return node.SetCoefficient(Coefficient{Min: 0, Max: 10000, Middle: 5000})
		}, ErrCreditValueError},
		{"coefficient middle outside bounds", func() error {
			return node.SetCoefficient(Coefficient{Min: 6000, Max: 10000, Middle: 5000, Range: 10000})
		}, ErrCreditValueError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.apply()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	eval := node.Evaluation()
	if eval.Threshold.CredibilityWeightThreshold != 1000 {
		t.Errorf("Expected weight threshold 1000, got %d", eval.Threshold.CredibilityWeightThreshold)
	}
	if eval.SelectionRatio.UpperLimit != 9000 {
		t.Errorf("Expected upper limit 9000, got %d", eval.SelectionRatio.UpperLimit)
	}
	if eval.InitialCredibilityValue != 4000 {
		t.Errorf("Expected rejected setter to leave initial credibility at 4000, got %d", eval.InitialCredibilityValue)
	}
}

func TestSelectRoutersInstallsStage(t *testing.T) {
	node, clock := newTestNodeWithClock()
	ids := routerIDs(20)
	node.RegisterRouters(ids, 4000)
	node.SetSelectedNumber(5)

	selected := node.SelectRouters(context.Background())
	if len(selected) != 5 {
		t.Fatalf("Expected 5 selected routers, got %d", len(selected))
	}
	for _, id := range selected {
		if !node.IsSelected(id) {
			t.Errorf("Expected %s to be in the active set", id)
		}
	}

	node.mu.Lock()
	started := node.stageStartedAt
	node.mu.Unlock()
	if started != clock.Now().UnixMilli() {
		t.Errorf("Expected stage start %d, got %d", clock.Now().UnixMilli(), started)
	}
}

func TestBootstrapKeepsExistingCredibility(t *testing.T) {
	node := newTestNode()
	node.RegisterRouters([]RouterID{"r1"}, 9000)

	cfg := DefaultConfig()
	cfg.Routers = []RouterID{"r1", "r2"}
	cfg.SQoS = map[string]SQoS{"vault": {Type: SQoSThreshold, Value: "50"}}

	if err := node.Bootstrap(cfg); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if c, _ := node.RouterCredibility("r1"); c != 9000 {
		t.Errorf("Expected r1 to keep credibility 9000, got %d", c)
	}
	if c, ok := node.RouterCredibility("r2"); !ok || c != 4000 {
		t.Errorf("Expected r2 registered at 4000, got %d (registered=%v)", c, ok)
	}
	if policy, ok := node.SQoS("vault"); !ok || policy.Type != SQoSThreshold {
		t.Errorf("Expected vault threshold policy, got %+v", policy)
	}
}

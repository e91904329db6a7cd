package main

import (
	"context"
	"testing"
)

func testGroup(hashByte byte, credibility uint64, routers ...RouterID) Group {
	var hash Hash32
	hash[0] = hashByte
	return Group{MessageHash: hash, Routers: routers, GroupCredibilityValue: credibility}
}

func TestAggregateUnanimous(t *testing.T) {
	groups := []Group{testGroup(1, 12000, "a", "b", "c")}

	result := Aggregate(groups, 4000)

	if !result.Evaluated || !result.Finalized {
		t.Fatalf("Expected finalized result, got %+v", result)
	}
	if result.Winner != groups[0].MessageHash {
		t.Errorf("Expected winner %s, got %s", groups[0].MessageHash, result.Winner)
	}
	if groups[0].CredibilityWeight != Precision {
		t.Errorf("Expected weight %d, got %d", Precision, groups[0].CredibilityWeight)
	}
	if len(result.Trusted) != 3 || len(result.Untrusted) != 0 {
		t.Errorf("Expected 3 trusted and 0 untrusted, got %d/%d", len(result.Trusted), len(result.Untrusted))
	}
}

func TestAggregateSplitWeights(t *testing.T) {
	groups := []Group{
		testGroup(1, 4*4800, "d", "e", "f", "g"),
		testGroup(2, 9*4800, "a", "b", "c", "h", "i", "j", "k", "l", "m"),
	}

	result := Aggregate(groups, 1000)

	if !result.Finalized {
		t.Fatal("Expected finalized result")
	}
	if result.Winner != groups[1].MessageHash {
		t.Errorf("Expected the larger group to win, got %s", result.Winner)
	}
	if groups[1].CredibilityWeight != 6923 {
		t.Errorf("Expected winner weight 6923, got %d", groups[1].CredibilityWeight)
	}
	if groups[0].CredibilityWeight != 3076 {
		t.Errorf("Expected loser weight 3076, got %d", groups[0].CredibilityWeight)
	}

	// Weights sum to Precision within one unit of rounding per group
	sum := groups[0].CredibilityWeight + groups[1].CredibilityWeight
	if sum > Precision || Precision-sum > uint32(len(groups)) {
		t.Errorf("Expected weights to sum to about %d, got %d", Precision, sum)
	}

	if len(result.Trusted) != 9 || len(result.Untrusted) != 4 {
		t.Errorf("Expected 9 trusted and 4 untrusted, got %d/%d", len(result.Trusted), len(result.Untrusted))
	}
}

func TestAggregateBelowThresholdIsException(t *testing.T) {
	groups := []Group{
		testGroup(1, 4000, "a"),
		testGroup(2, 4000, "b"),
	}

	result := Aggregate(groups, 6000)

	if result.Finalized {
		t.Fatal("Expected no winner")
	}
	if len(result.Exceptions) != 2 {
		t.Fatalf("Expected 2 exception groups, got %d", len(result.Exceptions))
	}
	// Equal weights keep creation order
	if result.Exceptions[0].Routers[0] != "a" || result.Exceptions[1].Routers[0] != "b" {
		t.Errorf("Expected stable order a, b, got %v", result.Exceptions)
	}
	if result.Exceptions[0].CredibilityWeight != 5000 {
		t.Errorf("Expected weight 5000, got %d", result.Exceptions[0].CredibilityWeight)
	}
}

func TestAggregateZeroCredibility(t *testing.T) {
	groups := []Group{testGroup(1, 0, "a", "b")}

	result := Aggregate(groups, 0)

	if result.Finalized {
		t.Error("Expected zero total credibility to take the exception path")
	}
	if len(result.Exceptions) != 1 || result.Exceptions[0].CredibilityWeight != 0 {
		t.Errorf("Expected one exception group with weight 0, got %+v", result.Exceptions)
	}
}

func TestUnanimousSubmissionRewardsSelected(t *testing.T) {
	node, _ := newTestNodeWithClock(WithRandomSource(HashRandom{}))
	ids := routerIDs(50)
	node.RegisterRouters(ids, 4800)
	if err := node.SetThreshold(Threshold{CredibilityWeightThreshold: 1000, MinSelectedThreshold: 3500, TrustworthyThreshold: 3500}); err != nil {
		t.Fatalf("Failed to set threshold: %v", err)
	}

	selected := node.SelectRouters(context.Background())
	if len(selected) != 13 {
		t.Fatalf("Expected 13 selected routers, got %d", len(selected))
	}

	msg := testMessage("src", 1)
	var result AggregationResult
	for i, router := range selected {
		var err error
		result, err = node.ReceiveMessage(context.Background(), router, msg)
		if err != nil {
			t.Fatalf("Submission %d failed: %v", i, err)
		}
		if i < len(selected)-1 && result.Evaluated {
			t.Fatalf("Expected no evaluation before all routers submitted (submission %d)", i)
		}
	}

	if !result.Finalized {
		t.Fatal("Expected message to finalize")
	}
	hash, ok := node.ExecutableMessage("src", 1)
	if !ok || hash != msg.Hash() {
		t.Errorf("Expected executable record %s, got %s (ok=%v)", msg.Hash(), hash, ok)
	}

	for _, router := range selected {
		if c, _ := node.RouterCredibility(router); c != 4848 {
			t.Errorf("Expected %s credibility 4848, got %d", router, c)
		}
	}

	unselected := 0
	for _, row := range node.Routers() {
		if !node.IsSelected(row.ID) {
			unselected++
			if row.Credibility != 4800 {
				t.Errorf("Expected unselected %s to stay at 4800, got %d", row.ID, row.Credibility)
			}
		}
	}
	if unselected != 37 {
		t.Errorf("Expected 37 unselected routers, got %d", unselected)
	}
}

func TestSplitSubmissionRewardsMajorityPenalizesMinority(t *testing.T) {
	node := newTestNode()
	ids := activateRouters(t, node, 13, 4800)
	node.SetThreshold(Threshold{CredibilityWeightThreshold: 1000, MinSelectedThreshold: 3500, TrustworthyThreshold: 3500})

	honest := testMessage("src", 1)
	forged := testMessage("src", 1)
	forged.Data = []byte(`{"items":[{"name":"greeting","type":"string","value":"forged"}]}`)

	var result AggregationResult
	for i, router := range ids {
		msg := honest
		if i >= 9 {
			msg = forged
		}
		var err error
		result, err = node.ReceiveMessage(context.Background(), router, msg)
		if err != nil {
			t.Fatalf("Submission %d failed: %v", i, err)
		}
	}

	if !result.Finalized || result.Winner != honest.Hash() {
		t.Fatalf("Expected honest message to win, got %+v", result)
	}

	for i, router := range ids {
		c, _ := node.RouterCredibility(router)
		if i < 9 && c != 4848 {
			t.Errorf("Expected majority router %s at 4848, got %d", router, c)
		}
		if i >= 9 && c != 4704 {
			t.Errorf("Expected minority router %s at 4704, got %d", router, c)
		}
	}

	entry, err := node.ReceivedMessage("src", 1)
	if err != nil {
		t.Fatalf("Expected received entry, got %v", err)
	}
	if !entry.Finalized {
		t.Error("Expected entry to be marked finalized")
	}
	if len(node.PendingMessages("src")) != 0 {
		t.Errorf("Expected no pending keys after finalization, got %v", node.PendingMessages("src"))
	}
}

func TestExceptionRoundEvictsEntryForResubmission(t *testing.T) {
	node := newTestNode()
	ids := activateRouters(t, node, 2, 4000)
	node.SetThreshold(Threshold{CredibilityWeightThreshold: 6000, MinSelectedThreshold: 3500, TrustworthyThreshold: 3500})

	first := testMessage("src", 1)
	second := testMessage("src", 1)
	second.Signer = "mallory"

	node.ReceiveMessage(context.Background(), ids[0], first)
	result, err := node.ReceiveMessage(context.Background(), ids[1], second)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !result.Evaluated || result.Finalized {
		t.Fatalf("Expected an evaluated round without winner, got %+v", result)
	}
	for _, router := range ids {
		// 4000 - 100*4000/10000*(10000-5000)/10000
		if c, _ := node.RouterCredibility(router); c != 3980 {
			t.Errorf("Expected %s at 3980 after exception, got %d", router, c)
		}
	}

	if _, err := node.ReceivedMessage("src", 1); err == nil {
		t.Error("Expected exception round to evict the entry")
	}
	rounds := node.AbandonedRounds("src")
	if len(rounds) != 1 || rounds[0].ID != 1 || len(rounds[0].Exceptions) != 2 {
		t.Errorf("Expected one abandoned round for id 1, got %+v", rounds)
	}
	pending := node.PendingMessages("src")
	if len(pending) != 1 || pending[0].ID != 1 {
		t.Errorf("Expected key to remain pending, got %v", pending)
	}

	// Both routers may submit again
	node.ReceiveMessage(context.Background(), ids[0], first)
	result, err = node.ReceiveMessage(context.Background(), ids[1], first)
	if err != nil {
		t.Fatalf("Expected resubmission to be accepted, got %v", err)
	}
	if !result.Finalized {
		t.Error("Expected unanimous resubmission to finalize")
	}
}

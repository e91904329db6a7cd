package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadState(t *testing.T) {
	dataDir := t.TempDir()

	node := newTestNode()
	ids := activateRouters(t, node, 2, 4000)

	// src:1 stays pending with one of two submissions
	if _, err := node.ReceiveMessage(context.Background(), ids[0], testMessage("src", 1)); err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}
	// src:2 finalizes
	finalizeWith(t, node, ids, testMessage("src", 2))

	node.SetSQoS("vault", SQoS{Type: SQoSChallenge, Value: "10m"})
	sentID, _ := node.SendMessage("greeting", OutboundMessage{ToChain: "src", Contract: "remote", Session: Session{Type: SessionRequest}})

	if err := node.SaveState(dataDir); err != nil {
		t.Fatalf("Failed to save state: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, stateFilename+".tmp")); !os.IsNotExist(err) {
		t.Error("Expected temp file to be renamed away")
	}

	restored := newTestNode()
	if err := restored.LoadState(dataDir); err != nil {
		t.Fatalf("Failed to load state: %v", err)
	}

	for _, id := range ids {
		want, _ := node.RouterCredibility(id)
		got, ok := restored.RouterCredibility(id)
		if !ok || got != want {
			t.Errorf("Expected %s credibility %d, got %d", id, want, got)
		}
	}
	if len(restored.CurrentRouters()) != 2 {
		t.Errorf("Expected 2 active routers, got %v", restored.CurrentRouters())
	}
	if restored.Evaluation() != node.Evaluation() {
		t.Errorf("Expected evaluation to round trip, got %+v", restored.Evaluation())
	}
	if restored.ReceivedCount("src") != 2 {
		t.Errorf("Expected received count 2, got %d", restored.ReceivedCount("src"))
	}
	pending := restored.PendingMessages("src")
	if len(pending) != 1 || pending[0].ID != 1 {
		t.Errorf("Expected src:1 pending, got %v", pending)
	}
	if _, ok := restored.ExecutableMessage("src", 2); !ok {
		t.Error("Expected src:2 to be executable")
	}
	if policy, ok := restored.SQoS("vault"); !ok || policy.Value != "10m" {
		t.Errorf("Expected vault policy, got %+v", policy)
	}
	if restored.SentCount("src") != 1 || !restored.PendingCallback("src", sentID) {
		t.Error("Expected outbound table and callback to round trip")
	}

	// The restored node carries on where the saved one stopped
	result, err := restored.ReceiveMessage(context.Background(), ids[1], testMessage("src", 1))
	if err != nil || !result.Finalized {
		t.Errorf("Expected src:1 to finalize after restore, got %+v, %v", result, err)
	}
	if next, _ := restored.SendMessage("greeting", OutboundMessage{ToChain: "src", Contract: "remote"}); next != sentID+1 {
		t.Errorf("Expected next sent id %d, got %d", sentID+1, next)
	}
}

func finalizeWith(t *testing.T, node *RelayNode, routers []RouterID, msg Message) {
	t.Helper()
	var result AggregationResult
	var err error
	for _, router := range routers {
		result, err = node.ReceiveMessage(context.Background(), router, msg)
		if err != nil {
			t.Fatalf("Failed to submit %s from %s: %v", msg.Key(), router, err)
		}
	}
	if !result.Finalized {
		t.Fatalf("Expected %s to finalize, got %+v", msg.Key(), result)
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	node := newTestNode()
	if err := node.LoadState(t.TempDir()); err != nil {
		t.Errorf("Expected no error for missing state, got %v", err)
	}
}

func TestLoadStateRejectsBadSnapshots(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", "{"},
		{"unknown version", `{"version": 99}`},
		{"duplicate routers", `{"version": 1, "evaluation": {"threshold": {}, "credibilitySelectionRatio": {}, "evaluationCoefficient": {"range": 1}}, "routers": [{"id": "a", "credibility": 1}, {"id": "a", "credibility": 2}]}`},
		{"invalid sqos", `{"version": 1, "evaluation": {"threshold": {}, "credibilitySelectionRatio": {}, "evaluationCoefficient": {"range": 1}}, "sqos": {"vault": {"type": "THRESHOLD", "value": "lots"}}}`},
		{"dangling executable", `{"version": 1, "evaluation": {"threshold": {}, "credibilitySelectionRatio": {}, "evaluationCoefficient": {"range": 1}}, "executable": [{"key": {"chain": "src", "id": 1}, "hash": "0000000000000000000000000000000000000000000000000000000000000000"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, stateFilename), []byte(tt.data), 0644); err != nil {
				t.Fatalf("Failed to write state: %v", err)
			}
			node := newTestNode()
			if err := node.LoadState(dir); err == nil {
				t.Error("Expected load error")
			}
		})
	}
}

func TestClearStateFile(t *testing.T) {
	dir := t.TempDir()
	node := newTestNode()
	node.RegisterRouter("r1")

	if err := node.SaveState(dir); err != nil {
		t.Fatalf("Failed to save state: %v", err)
	}
	if err := ClearStateFile(dir); err != nil {
		t.Fatalf("Failed to clear state: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, stateFilename)); !os.IsNotExist(err) {
		t.Error("Expected state file to be removed")
	}
	if err := ClearStateFile(dir); err != nil {
		t.Errorf("Expected clearing a missing file to succeed, got %v", err)
	}
}

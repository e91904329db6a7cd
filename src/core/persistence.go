package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/btree"
)

const stateFilename = "relay_state.json"

// stateSnapshotVersion is bumped whenever the snapshot layout changes
const stateSnapshotVersion = 1

type receivedRecord struct {
	Key   ChainKey     `json:"key"`
	Entry PendingEntry `json:"entry"`
}

type executableRecord struct {
	Key  ChainKey `json:"key"`
	Hash Hash32   `json:"hash"`
}

type commitmentRecord struct {
	Key         ChainKey          `json:"key"`
	Commitments HiddenCommitments `json:"commitments"`
}

type challengeRecord struct {
	Key   ChainKey       `json:"key"`
	State ChallengeState `json:"state"`
}

// stateSnapshot is the on-disk form of the full engine state
type stateSnapshot struct {
	Version         int                            `json:"version"`
	SavedAt         int64                          `json:"savedAt"`
	ChainName       string                         `json:"chainName"`
	Evaluation      Evaluation                     `json:"evaluation"`
	Routers         []RouterCredibility            `json:"routers"`
	CurrentRouters  []RouterID                     `json:"currentRouters"`
	StageStartedAt  int64                          `json:"stageStartedAt"`
	LatestMessageID map[string]uint64              `json:"latestMessageId"`
	Watermarks      map[string]map[RouterID]uint64 `json:"watermarks"`
	Received        []receivedRecord               `json:"received"`
	PendingKeys     []ChainKey                     `json:"pendingKeys"`
	Abandoned       map[string][]AbandonedRound    `json:"abandoned"`
	Executable      []executableRecord             `json:"executable"`
	SQoS            map[string]SQoS                `json:"sqos"`
	Commitments     []commitmentRecord             `json:"commitments"`
	Challenges      []challengeRecord              `json:"challenges"`
	SentMessages    []SentMessage                  `json:"sentMessages"`
	LatestSentID    map[string]uint64              `json:"latestSentId"`
	Callbacks       []ChainKey                     `json:"callbacks"`
}

func sortKeys(keys []ChainKey) {
	sort.Slice(keys, func(i, j int) bool { return lessChainKey(keys[i], keys[j]) })
}

// snapshot copies the engine state. Caller must hold node.mu.
func (node *RelayNode) snapshot() stateSnapshot {
	snap := stateSnapshot{
		Version:         stateSnapshotVersion,
		SavedAt:         time.Now().UnixMilli(),
		ChainName:       node.ChainName,
		Evaluation:      node.evaluation,
		Routers:         node.ledger.Routers(),
		CurrentRouters:  append([]RouterID{}, node.currentRouters...),
		StageStartedAt:  node.stageStartedAt,
		LatestMessageID: node.latestMessageID,
		Watermarks:      node.finalReceivedID,
		Abandoned:       node.abandoned,
		SQoS:            node.sqosTable,
		LatestSentID:    node.latestSentID,
	}

	receivedKeys := make([]ChainKey, 0, len(node.received))
	for key := range node.received {
		receivedKeys = append(receivedKeys, key)
	}
	sortKeys(receivedKeys)
	for _, key := range receivedKeys {
		snap.Received = append(snap.Received, receivedRecord{Key: key, Entry: node.received[key].clone()})
	}

	node.pendingKeys.Ascend(func(key ChainKey) bool {
		snap.PendingKeys = append(snap.PendingKeys, key)
		return true
	})

	for _, key := range node.executableKeys {
		snap.Executable = append(snap.Executable, executableRecord{Key: key, Hash: node.executable[key]})
	}

	for key, hidden := range node.commitments {
		snap.Commitments = append(snap.Commitments, commitmentRecord{Key: key, Commitments: *hidden})
	}
	sort.Slice(snap.Commitments, func(i, j int) bool {
		return lessChainKey(snap.Commitments[i].Key, snap.Commitments[j].Key)
	})

	for key, state := range node.challenges {
		snap.Challenges = append(snap.Challenges, challengeRecord{Key: key, State: *state})
	}
	sort.Slice(snap.Challenges, func(i, j int) bool {
		return lessChainKey(snap.Challenges[i].Key, snap.Challenges[j].Key)
	})

	sentKeys := make([]ChainKey, 0, len(node.sentMessages))
	for key := range node.sentMessages {
		sentKeys = append(sentKeys, key)
	}
	sortKeys(sentKeys)
	for _, key := range sentKeys {
		snap.SentMessages = append(snap.SentMessages, node.sentMessages[key])
	}

	for key := range node.callbacks {
		snap.Callbacks = append(snap.Callbacks, key)
	}
	sortKeys(snap.Callbacks)

	return snap
}

// restore replaces the engine state with snap. Caller must hold node.mu.
func (node *RelayNode) restore(snap stateSnapshot) error {
	if snap.Version != stateSnapshotVersion {
		return fmt.Errorf("unsupported state snapshot version %d", snap.Version)
	}
	if err := snap.Evaluation.Validate(); err != nil {
		return fmt.Errorf("invalid persisted evaluation: %w", err)
	}

	for contract, policy := range snap.SQoS {
		if err := ValidateSQoS(policy); err != nil {
			return fmt.Errorf("invalid persisted sqos for contract %s: %w", contract, err)
		}
	}

	ledger := NewCredibilityLedger()
	if err := ledger.Restore(snap.Routers); err != nil {
		return fmt.Errorf("invalid persisted ledger: %w", err)
	}

	received := make(map[ChainKey]*PendingEntry, len(snap.Received))
	for _, rec := range snap.Received {
		entry := rec.Entry
		received[rec.Key] = &entry
	}

	executable := make(map[ChainKey]Hash32, len(snap.Executable))
	executableKeys := make([]ChainKey, 0, len(snap.Executable))
	for _, rec := range snap.Executable {
		entry, ok := received[rec.Key]
		if !ok || entry.group(rec.Hash) == nil {
			return fmt.Errorf("executable record %s has no matching received message", rec.Key)
		}
		executable[rec.Key] = rec.Hash
		executableKeys = append(executableKeys, rec.Key)
	}

	pendingKeys := btree.NewG[ChainKey](16, lessChainKey)
	for _, key := range snap.PendingKeys {
		pendingKeys.ReplaceOrInsert(key)
	}

	commitments := make(map[ChainKey]*HiddenCommitments, len(snap.Commitments))
	for _, rec := range snap.Commitments {
		hidden := rec.Commitments
		commitments[rec.Key] = &hidden
	}

	challenges := make(map[ChainKey]*ChallengeState, len(snap.Challenges))
	for _, rec := range snap.Challenges {
		state := rec.State
		challenges[rec.Key] = &state
	}

	sentMessages := make(map[ChainKey]SentMessage, len(snap.SentMessages))
	for _, sent := range snap.SentMessages {
		sentMessages[ChainKey{Chain: sent.ToChain, ID: sent.ID}] = sent
	}

	callbacks := make(map[ChainKey]bool, len(snap.Callbacks))
	for _, key := range snap.Callbacks {
		callbacks[key] = true
	}

	node.evaluation = snap.Evaluation
	node.ledger = ledger
	node.currentRouters = append([]RouterID{}, snap.CurrentRouters...)
	node.stageStartedAt = snap.StageStartedAt
	node.latestMessageID = orEmpty(snap.LatestMessageID)
	node.finalReceivedID = orEmptyWatermarks(snap.Watermarks)
	node.received = received
	node.pendingKeys = pendingKeys
	node.abandoned = orEmptyAbandoned(snap.Abandoned)
	node.executable = executable
	node.executableKeys = executableKeys
	node.sqosTable = orEmptySQoS(snap.SQoS)
	node.commitments = commitments
	node.challenges = challenges
	node.sentMessages = sentMessages
	node.latestSentID = orEmpty(snap.LatestSentID)
	node.callbacks = callbacks

	registeredRoutersGauge.Set(float64(ledger.Len()))
	activeRoutersGauge.Set(float64(len(node.currentRouters)))
	UpdatePendingEntriesGauge(pendingKeys.Len())
	UpdateExecutableMessagesGauge(len(executableKeys))
	return nil
}

func orEmpty(m map[string]uint64) map[string]uint64 {
	if m == nil {
		return make(map[string]uint64)
	}
	return m
}

func orEmptyWatermarks(m map[string]map[RouterID]uint64) map[string]map[RouterID]uint64 {
	if m == nil {
		return make(map[string]map[RouterID]uint64)
	}
	return m
}

func orEmptyAbandoned(m map[string][]AbandonedRound) map[string][]AbandonedRound {
	if m == nil {
		return make(map[string][]AbandonedRound)
	}
	return m
}

func orEmptySQoS(m map[string]SQoS) map[string]SQoS {
	if m == nil {
		return make(map[string]SQoS)
	}
	return m
}

// SaveState writes the engine state to a JSON file in dataDir
func (node *RelayNode) SaveState(dataDir string) error {
	node.mu.Lock()
	data, err := json.MarshalIndent(node.snapshot(), "", "  ")
	node.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, stateFilename)
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	logger.Info("Saved relay state", "file", filePath, "bytes", len(data))
	return nil
}

// LoadState restores the engine state from dataDir. A missing file is not an error.
func (node *RelayNode) LoadState(dataDir string) error {
	filePath := filepath.Join(dataDir, stateFilename)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	if err := node.restore(snap); err != nil {
		return err
	}

	logger.Info("Loaded relay state",
		"file", filePath,
		"routers", node.ledger.Len(),
		"received", len(node.received),
		"executable", len(node.executableKeys))
	return nil
}

// ClearStateFile removes the persisted state
func ClearStateFile(dataDir string) error {
	filePath := filepath.Join(dataDir, stateFilename)

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}

	return nil
}

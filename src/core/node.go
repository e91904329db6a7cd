package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/btree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Package-level logger
var logger *slog.Logger

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

func init() {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
}

const tracerName = "github.com/quidnug/relaytrust"

// RelayNode is the destination-chain coordinator: it owns the credibility ledger,
// the received-message table, the executable index and the SQoS tables.
// Every exported operation holds mu for its whole duration, so calls are serialized.
type RelayNode struct {
	ChainName string

	mu sync.Mutex

	evaluation     Evaluation
	ledger         *CredibilityLedger
	currentRouters []RouterID
	stageStartedAt int64

	// Ingestion state
	latestMessageID map[string]uint64
	finalReceivedID map[string]map[RouterID]uint64
	received        map[ChainKey]*PendingEntry
	pendingKeys     *btree.BTreeG[ChainKey]
	abandoned       map[string][]AbandonedRound

	// Executable index
	executable     map[ChainKey]Hash32
	executableKeys []ChainKey

	// SQoS state
	sqosTable   map[string]SQoS
	commitments map[ChainKey]*HiddenCommitments
	challenges  map[ChainKey]*ChallengeState

	// Outbound state
	sentMessages map[ChainKey]SentMessage
	latestSentID map[string]uint64
	callbacks    map[ChainKey]bool

	routerKey []byte

	random     RandomSource
	clock      func() time.Time
	dispatcher Dispatcher
	codec      PayloadCodec
	tracer     trace.Tracer
}

// NodeOption customizes a RelayNode
type NodeOption func(*RelayNode)

// WithRandomSource replaces the selection randomness
func WithRandomSource(src RandomSource) NodeOption {
	return func(n *RelayNode) { n.random = src }
}

// WithClock replaces the time source
func WithClock(clock func() time.Time) NodeOption {
	return func(n *RelayNode) { n.clock = clock }
}

// WithDispatcher sets the target-contract call boundary
func WithDispatcher(d Dispatcher) NodeOption {
	return func(n *RelayNode) { n.dispatcher = d }
}

// WithRouterKey sets the key router secrets are derived from. Without it a
// random key is generated and secrets change on restart.
func WithRouterKey(key []byte) NodeOption {
	return func(n *RelayNode) { n.routerKey = key }
}

// WithPayloadCodec sets the payload decoder
func WithPayloadCodec(c PayloadCodec) NodeOption {
	return func(n *RelayNode) { n.codec = c }
}

func lessChainKey(a, b ChainKey) bool {
	if a.Chain != b.Chain {
		return a.Chain < b.Chain
	}
	return a.ID < b.ID
}

// NewRelayNode creates a coordinator for chainName with the given evaluation parameters
func NewRelayNode(chainName string, evaluation Evaluation, opts ...NodeOption) (*RelayNode, error) {
	if err := evaluation.Validate(); err != nil {
		return nil, fmt.Errorf("invalid evaluation config: %w", err)
	}

	node := &RelayNode{
		ChainName:       chainName,
		evaluation:      evaluation,
		ledger:          NewCredibilityLedger(),
		currentRouters:  []RouterID{},
		latestMessageID: make(map[string]uint64),
		finalReceivedID: make(map[string]map[RouterID]uint64),
		received:        make(map[ChainKey]*PendingEntry),
		pendingKeys:     btree.NewG[ChainKey](16, lessChainKey),
		abandoned:       make(map[string][]AbandonedRound),
		executable:      make(map[ChainKey]Hash32),
		executableKeys:  []ChainKey{},
		sqosTable:       make(map[string]SQoS),
		commitments:     make(map[ChainKey]*HiddenCommitments),
		challenges:      make(map[ChainKey]*ChallengeState),
		sentMessages:    make(map[ChainKey]SentMessage),
		latestSentID:    make(map[string]uint64),
		callbacks:       make(map[ChainKey]bool),
		random:          HashRandom{},
		clock:           time.Now,
		codec:           JSONPayloadCodec{},
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(node)
	}
	if len(node.routerKey) == 0 {
		node.routerKey = make([]byte, 32)
		if _, err := rand.Read(node.routerKey); err != nil {
			return nil, fmt.Errorf("failed to generate router key: %w", err)
		}
	}

	logger.Info("Initialized relay node", "chain", chainName, "selectedNumber", evaluation.SelectedNumber)
	return node, nil
}

func (node *RelayNode) now() int64 {
	return node.clock().UnixMilli()
}

func (node *RelayNode) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return node.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func keyAttributes(router RouterID, key ChainKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("relay.router", string(router)),
		attribute.String("relay.chain", key.Chain),
		attribute.Int64("relay.id", int64(key.ID)),
	}
}

func main() {
	cfg := LoadConfig()

	initLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	opts := []NodeOption{WithDispatcher(NewHTTPDispatcher(cfg.DispatchTargets, httpClient))}
	if cfg.RouterAuthSecret != "" {
		opts = append(opts, WithRouterKey([]byte(cfg.RouterAuthSecret)))
	} else {
		logger.Warn("ROUTER_AUTH_SECRET not set, router secrets will change on restart")
	}
	relayNode, err := NewRelayNode(cfg.ChainName, cfg.Evaluation, opts...)
	if err != nil {
		logger.Error("Failed to initialize relay node", "error", err)
		os.Exit(1)
	}

	if err := relayNode.LoadState(cfg.DataDir); err != nil {
		logger.Error("Failed to load persisted state", "error", err)
		os.Exit(1)
	}
	if err := relayNode.Bootstrap(cfg); err != nil {
		logger.Error("Failed to apply bootstrap configuration", "error", err)
		os.Exit(1)
	}

	scheduler, err := NewSelectionScheduler(relayNode, cfg.SelectionSchedule)
	if err != nil {
		logger.Error("Failed to configure selection schedule", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	server := relayNode.NewServer(cfg)
	go func() {
		logger.Info("Starting relay node server", "port", cfg.Port, "chain", cfg.ChainName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down relay node")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	if err := relayNode.SaveState(cfg.DataDir); err != nil {
		logger.Error("Failed to persist state", "error", err)
	}
}

// Bootstrap registers the configured routers and contract policies.
// Routers already present in the ledger keep their credibility.
func (node *RelayNode) Bootstrap(cfg *Config) error {
	if len(cfg.Routers) > 0 {
		if _, err := node.RegisterRouters(cfg.Routers, node.Evaluation().InitialCredibilityValue); err != nil {
			return err
		}
	}
	for contract, policy := range cfg.SQoS {
		if err := node.SetSQoS(contract, policy); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRouter adds a router at the initial credibility value
func (node *RelayNode) RegisterRouter(id RouterID) error {
	node.mu.Lock()
	defer node.mu.Unlock()

	if err := node.ledger.Register(id, node.evaluation.InitialCredibilityValue); err != nil {
		return err
	}
	registeredRoutersGauge.Set(float64(node.ledger.Len()))
	logger.Info("Registered router", "router", id, "credibility", node.evaluation.InitialCredibilityValue)
	return nil
}

// RegisterRouters adds several routers at the given credibility, skipping registered ones
func (node *RelayNode) RegisterRouters(ids []RouterID, credibility uint32) (int, error) {
	if credibility > Precision {
		return 0, fmt.Errorf("%w: credibility %d", ErrCreditBeyondUpLimit, credibility)
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	added := 0
	for _, id := range ids {
		if _, exists := node.ledger.Lookup(id); exists {
			continue
		}
		if err := node.ledger.Register(id, credibility); err != nil {
			return added, err
		}
		added++
	}
	registeredRoutersGauge.Set(float64(node.ledger.Len()))
	logger.Info("Registered routers", "added", added, "credibility", credibility)
	return added, nil
}

// UnregisterRouter removes a router from the ledger and the active relay set
func (node *RelayNode) UnregisterRouter(id RouterID) error {
	node.mu.Lock()
	defer node.mu.Unlock()

	if err := node.ledger.Unregister(id); err != nil {
		return err
	}
	for i, r := range node.currentRouters {
		if r == id {
			node.currentRouters = append(node.currentRouters[:i], node.currentRouters[i+1:]...)
			break
		}
	}
	registeredRoutersGauge.Set(float64(node.ledger.Len()))
	activeRoutersGauge.Set(float64(len(node.currentRouters)))
	logger.Info("Unregistered router", "router", id)
	return nil
}

// UnregisterAllRouters clears the ledger and the active relay set
func (node *RelayNode) UnregisterAllRouters() {
	node.mu.Lock()
	defer node.mu.Unlock()

	node.ledger.Clear()
	node.currentRouters = []RouterID{}
	registeredRoutersGauge.Set(0)
	activeRoutersGauge.Set(0)
	logger.Info("Unregistered all routers")
}

// Routers returns every registered router with its credibility
func (node *RelayNode) Routers() []RouterCredibility {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.ledger.Routers()
}

// RouterCredibility returns the credibility of a router and whether it is registered
func (node *RelayNode) RouterCredibility(id RouterID) (uint32, bool) {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.ledger.Lookup(id)
}

// SetRouterCredibility overwrites a router's credibility
func (node *RelayNode) SetRouterCredibility(id RouterID, credibility uint32) error {
	if credibility > Precision {
		return fmt.Errorf("%w: credibility %d", ErrCreditBeyondUpLimit, credibility)
	}

	node.mu.Lock()
	defer node.mu.Unlock()

	if !node.ledger.Set(id, credibility) {
		return fmt.Errorf("%w: %s", ErrRouterNotExist, id)
	}
	return nil
}

// Evaluation returns the current evaluation parameters
func (node *RelayNode) Evaluation() Evaluation {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.evaluation
}

// SetInitialCredibility sets the credibility assigned to newly registered routers
func (node *RelayNode) SetInitialCredibility(value uint32) error {
	if err := ValidateInitialCredibility(value); err != nil {
		return err
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	node.evaluation.InitialCredibilityValue = value
	return nil
}

// SetSelectedNumber sets the size of the active relay set
func (node *RelayNode) SetSelectedNumber(number uint8) {
	node.mu.Lock()
	defer node.mu.Unlock()
	node.evaluation.SelectedNumber = number
}

// SetThreshold replaces the credibility thresholds
func (node *RelayNode) SetThreshold(threshold Threshold) error {
	if err := ValidateThreshold(threshold); err != nil {
		return err
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	node.evaluation.Threshold = threshold
	return nil
}

// SetSelectionRatio replaces the credibility selection ratio bounds
func (node *RelayNode) SetSelectionRatio(ratio SelectionRatio) error {
	if err := ValidateSelectionRatio(ratio); err != nil {
		return err
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	node.evaluation.SelectionRatio = ratio
	return nil
}

// SetCoefficient replaces the evaluation coefficients
func (node *RelayNode) SetCoefficient(coefficient Coefficient) error {
	if err := ValidateCoefficient(coefficient); err != nil {
		return err
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	node.evaluation.Coefficient = coefficient
	return nil
}

// SelectRouters runs a selection round and installs the result as the active relay set
func (node *RelayNode) SelectRouters(ctx context.Context) []RouterID {
	_, span := node.startSpan(ctx, "RelayNode.SelectRouters")
	defer span.End()

	node.mu.Lock()
	defer node.mu.Unlock()

	start := time.Now()
	now := node.clock()
	selected := SelectRouters(node.ledger.Routers(), node.evaluation, node.random, now)
	selectionDuration.Observe(time.Since(start).Seconds())

	node.currentRouters = selected
	node.stageStartedAt = now.UnixMilli()
	selectionRoundsTotal.Inc()
	activeRoutersGauge.Set(float64(len(selected)))
	span.SetAttributes(attribute.Int("relay.selected", len(selected)))

	logger.Info("Selected routers for new stage",
		"selected", len(selected),
		"registered", node.ledger.Len(),
		"selectedNumber", node.evaluation.SelectedNumber)

	result := make([]RouterID, len(selected))
	copy(result, selected)
	return result
}

// CurrentRouters returns the active relay set
func (node *RelayNode) CurrentRouters() []RouterID {
	node.mu.Lock()
	defer node.mu.Unlock()
	result := make([]RouterID, len(node.currentRouters))
	copy(result, node.currentRouters)
	return result
}

// IsSelected reports whether the router is in the active relay set
func (node *RelayNode) IsSelected(router RouterID) bool {
	node.mu.Lock()
	defer node.mu.Unlock()
	return node.isSelected(router)
}

func (node *RelayNode) isSelected(router RouterID) bool {
	for _, r := range node.currentRouters {
		if r == router {
			return true
		}
	}
	return false
}

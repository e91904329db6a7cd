package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts the package logger to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// SelectionScheduler rotates the active relay set on a cron schedule.
// Specs take an optional leading seconds field.
type SelectionScheduler struct {
	cron *cron.Cron
	spec string
}

// NewSelectionScheduler schedules selection rounds on node. An empty spec
// schedules nothing; rounds are then triggered only through the admin API.
func NewSelectionScheduler(node *RelayNode, spec string) (*SelectionScheduler, error) {
	clog := cronLogger{logger: logger}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		cron.WithLogger(clog),
	)

	if spec != "" {
		_, err := c.AddFunc(spec, func() {
			selected := node.SelectRouters(context.Background())
			logger.Info("Scheduled stage rotation", "selected", len(selected))
		})
		if err != nil {
			return nil, fmt.Errorf("invalid selection schedule %q: %w", spec, err)
		}
	}

	return &SelectionScheduler{cron: c, spec: spec}, nil
}

// Start begins running scheduled rounds in the background
func (s *SelectionScheduler) Start() {
	s.cron.Start()
	if s.spec != "" {
		logger.Info("Selection scheduler started", "schedule", s.spec)
	}
}

// Stop halts the scheduler; the returned context is done once a running round completes
func (s *SelectionScheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Scheduled reports whether a rotation schedule is configured
func (s *SelectionScheduler) Scheduled() bool {
	return len(s.cron.Entries()) > 0
}

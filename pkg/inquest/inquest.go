// Package inquest provides an investigation orchestration core: a
// hierarchical memory tree for findings, a dependency-aware work queue, and
// a convergence controller that decides when a run is done.
package inquest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/inquest-ai/inquest/pkg/convergence"
	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/metrics"
	"github.com/inquest-ai/inquest/pkg/orchestrator"
	"github.com/inquest-ai/inquest/pkg/store"
	"github.com/inquest-ai/inquest/pkg/taskqueue"
	"github.com/inquest-ai/inquest/pkg/trace"
)

// Config holds configuration for an investigation session.
type Config struct {
	// DBPath is the SQLite file backing the run (default: "inquest.db").
	// Use ":memory:" for ephemeral sessions.
	DBPath string

	// RunID identifies the run; a fresh UUID is generated when empty.
	RunID string

	// Convergence carries the stopping thresholds; zero fields take
	// defaults.
	Convergence convergence.Config

	// MetricsEnabled switches on the Prometheus collector.
	MetricsEnabled bool

	// TracePath, when set, enables JSONL trace export to that file
	// (effective only in builds with the tracing tag).
	TracePath string
}

// Session is an open investigation run. All state is reachable through the
// explicit handle; the package keeps no globals.
type Session struct {
	Tree       *memtree.Tree
	Queue      *taskqueue.Queue
	Controller *convergence.Controller
	Metrics    metrics.Collector
	Trace      trace.Exporter

	store *store.Store
	runID string
}

// New opens (or resumes) a session. Prior tree and queue state found in the
// database is restored before anything else runs.
func New(cfg Config) (*Session, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = "inquest.db"
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	st, err := store.Open(cfg.DBPath, cfg.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ctx := context.Background()

	tree := memtree.NewTree(st)
	treeSnap, err := st.LoadTree(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load tree state: %w", err)
	}
	tree.Restore(treeSnap)

	queue := taskqueue.NewQueue(st)
	queueSnap, err := st.LoadQueue(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load queue state: %w", err)
	}
	queue.Restore(queueSnap)

	var collector metrics.Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
	} else {
		collector = metrics.NewNoopCollector()
	}

	var exporter trace.Exporter
	if cfg.TracePath != "" {
		exporter, err = trace.NewFileExporter(cfg.TracePath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open trace exporter: %w", err)
		}
	}

	controller := convergence.NewController(cfg.Convergence, tree, queue, collector)

	return &Session{
		Tree:       tree,
		Queue:      queue,
		Controller: controller,
		Metrics:    collector,
		Trace:      exporter,
		store:      st,
		runID:      cfg.RunID,
	}, nil
}

// RunID returns the session's run identifier.
func (s *Session) RunID() string {
	return s.runID
}

// PlaceFinding commits a finding into the memory tree and returns the new
// node's ID.
func (s *Session) PlaceFinding(ctx context.Context, f memtree.Finding) (string, error) {
	return s.Tree.Place(ctx, f)
}

// EnqueueWork adds a work item, optionally dependent on afterID.
func (s *Session) EnqueueWork(ctx context.Context, item *taskqueue.Item, afterID string) (string, error) {
	return s.Queue.Add(ctx, item, afterID)
}

// NextWork pulls the next eligible work item, or nil.
func (s *Session) NextWork() *taskqueue.Item {
	return s.Queue.Next()
}

// Evaluate runs one convergence evaluation with the given guidance.
func (s *Session) Evaluate(ctx context.Context, g *convergence.Guidance) convergence.Decision {
	return s.Controller.Evaluate(ctx, g)
}

// Run drives the full orchestration loop with the given collaborators. The
// background evaluator runs for the duration of the loop.
func (s *Session) Run(ctx context.Context, executor orchestrator.Executor, planner orchestrator.Planner) error {
	loop, err := orchestrator.NewLoop(orchestrator.Options{
		Tree:       s.Tree,
		Queue:      s.Queue,
		Controller: s.Controller,
		Executor:   executor,
		Planner:    planner,
		Metrics:    s.Metrics,
		Trace:      s.Trace,
	})
	if err != nil {
		return err
	}

	s.Controller.Start(ctx)
	defer s.Controller.Stop()

	return loop.Run(ctx)
}

// Statistics returns the current tree and queue statistics.
func (s *Session) Statistics() (memtree.Stats, taskqueue.Stats) {
	return s.Tree.Statistics(), s.Queue.Statistics()
}

// Close flushes the trace exporter and closes the store.
func (s *Session) Close() error {
	if s.Trace != nil {
		if err := s.Trace.Close(); err != nil {
			s.store.Close()
			return fmt.Errorf("failed to close trace exporter: %w", err)
		}
	}
	return s.store.Close()
}

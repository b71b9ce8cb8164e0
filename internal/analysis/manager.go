// Package analysis runs simulated analysis jobs: files are marked analyzing
// when a job starts and, after a fixed delay, marked complete with random
// result metrics.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/docpipe/backend/internal/ids"
	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/metrics"
	"github.com/docpipe/backend/internal/models"
)

var (
	ErrNoFilesProvided = errors.New("no files provided for analysis")
	ErrJobNotFound     = errors.New("analysis job not found")
	ErrShuttingDown    = errors.New("analysis manager is shutting down")
)

// Defaults for Config.
const (
	DefaultCompletionDelay   = 10 * time.Second
	DefaultEstimatedDuration = 15 * time.Minute
)

// completion writes get their own deadline, detached from the request that
// started the job
const completionTimeout = 30 * time.Second

// FileUpdater is the slice of the file registry a job touches.
type FileUpdater interface {
	MarkAnalyzing(ctx context.Context, id string, params models.ExtractionParameters) (*models.FileRecord, bool, error)
	MarkComplete(ctx context.Context, id string, results models.AnalysisResults) (*models.FileRecord, bool, error)
}

// Notifier receives job and file changes as they happen.
type Notifier interface {
	JobUpdated(job *models.AnalysisJob)
	FileUpdated(rec *models.FileRecord)
}

// Config holds job timing. EstimatedDuration is what callers are told;
// CompletionDelay is how long the job actually takes.
type Config struct {
	CompletionDelay   time.Duration
	EstimatedDuration time.Duration
}

// Manager starts jobs and owns their pending completion timers.
type Manager struct {
	kv    kv.Store
	files FileUpdater
	cfg   Config

	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier Notifier
	now      func() time.Time
	ids      *ids.Generator
	results  func() models.AnalysisResults

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithClock replaces time.Now for timestamps and ids.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.ids = ids.NewGenerator(now)
	}
}

// WithResults replaces the random result generator.
func WithResults(fn func() models.AnalysisResults) Option {
	return func(m *Manager) { m.results = fn }
}

// NewManager creates a job manager. Zero durations in cfg take the defaults.
func NewManager(store kv.Store, files FileUpdater, cfg Config, opts ...Option) *Manager {
	if cfg.CompletionDelay <= 0 {
		cfg.CompletionDelay = DefaultCompletionDelay
	}
	if cfg.EstimatedDuration <= 0 {
		cfg.EstimatedDuration = DefaultEstimatedDuration
	}

	m := &Manager{
		kv:      store,
		files:   files,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		ids:     ids.NewGenerator(nil),
		results: RandomResults,
		pending: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RandomResults draws topics in [5,14], entities in [20,69] and confidence
// in [0.85,0.95).
func RandomResults() models.AnalysisResults {
	return models.AnalysisResults{
		Topics:     rand.IntN(10) + 5,
		Entities:   rand.IntN(50) + 20,
		Confidence: scaleConfidence(rand.Float64()),
	}
}

// scaleConfidence maps u in [0,1) onto [0.85,0.95). Float rounding can land
// on the upper bound, so that case is pulled back below it.
func scaleConfidence(u float64) float64 {
	c := 0.85 + u*0.1
	if c >= 0.95 {
		c = math.Nextafter(0.95, 0)
	}
	return c
}

// Start marks every existing file in fileIDs as analyzing, stores a running
// job and schedules its completion. Ids that match no file are skipped but
// stay listed on the job.
func (m *Manager) Start(ctx context.Context, fileIDs []string, params models.ExtractionParameters) (*models.AnalysisJob, error) {
	if len(fileIDs) == 0 {
		return nil, ErrNoFilesProvided
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	for _, id := range fileIDs {
		rec, found, err := m.files.MarkAnalyzing(ctx, id, params)
		if err != nil {
			return nil, fmt.Errorf("marking file %s analyzing: %w", id, err)
		}
		if !found {
			m.logger.Debug("skipping unknown file", "fileId", id)
			continue
		}
		m.notifyFile(rec)
	}

	now := m.now().UTC()
	job := &models.AnalysisJob{
		ID:                  m.ids.Next(),
		FileIDs:             append([]string(nil), fileIDs...),
		Configuration:       params,
		Status:              models.JobStatusRunning,
		StartedAt:           now,
		EstimatedCompletion: now.Add(m.cfg.EstimatedDuration),
	}
	if err := kv.SetJSON(ctx, m.kv, models.JobKey(job.ID), job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}

	if err := m.schedule(job.ID); err != nil {
		return nil, err
	}

	m.metrics.JobStarted()
	m.notifyJob(job)
	m.logger.Info("analysis started", "jobId", job.ID, "files", len(fileIDs), "delay", m.cfg.CompletionDelay)
	return job, nil
}

// GetStatus loads a job record.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	err := kv.GetJSON(ctx, m.kv, models.JobKey(jobID), &job)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return &job, nil
}

// Pending returns how many jobs are waiting for completion.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Shutdown stops every pending completion and waits for ones already
// running. Stopped jobs stay running in the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	stopped := 0
	for id, timer := range m.pending {
		if timer.Stop() {
			m.wg.Done()
			m.metrics.JobAbandoned()
			stopped++
		}
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if stopped > 0 {
		m.logger.Info("cancelled pending analysis jobs", "count", stopped)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) schedule(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrShuttingDown
	}

	m.wg.Add(1)
	m.pending[jobID] = time.AfterFunc(m.cfg.CompletionDelay, func() {
		defer m.wg.Done()

		m.mu.Lock()
		delete(m.pending, jobID)
		m.mu.Unlock()

		m.complete(jobID)
	})
	return nil
}

// complete runs once per job. Failures are logged and not retried.
func (m *Manager) complete(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	job, err := m.GetStatus(ctx, jobID)
	if err != nil {
		m.logger.Error("loading job for completion", "jobId", jobID, "error", err)
		m.metrics.JobAbandoned()
		return
	}

	for _, id := range job.FileIDs {
		rec, found, err := m.files.MarkComplete(ctx, id, m.results())
		if err != nil {
			m.logger.Error("completing file", "jobId", jobID, "fileId", id, "error", err)
			continue
		}
		if found {
			m.notifyFile(rec)
		}
	}

	completed := m.now().UTC()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &completed
	if err := kv.SetJSON(ctx, m.kv, models.JobKey(jobID), job); err != nil {
		m.logger.Error("saving completed job", "jobId", jobID, "error", err)
		m.metrics.JobAbandoned()
		return
	}

	m.metrics.JobCompleted()
	m.notifyJob(job)
	m.logger.Info("analysis completed", "jobId", jobID, "files", len(job.FileIDs))
}

func (m *Manager) notifyJob(job *models.AnalysisJob) {
	if m.notifier != nil {
		m.notifier.JobUpdated(job)
	}
}

func (m *Manager) notifyFile(rec *models.FileRecord) {
	if m.notifier != nil {
		m.notifier.FileUpdated(rec)
	}
}

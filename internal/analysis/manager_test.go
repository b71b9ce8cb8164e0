package analysis

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/backend/internal/files"
	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/metrics"
	"github.com/docpipe/backend/internal/models"
	"github.com/docpipe/backend/internal/testutil"
)

const bucket = "pipeline-files"

type recordingNotifier struct {
	mu    sync.Mutex
	jobs  []models.AnalysisJob
	files []models.FileRecord
}

func (n *recordingNotifier) JobUpdated(job *models.AnalysisJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, *job)
}

func (n *recordingNotifier) FileUpdated(rec *models.FileRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.files = append(n.files, *rec)
}

func (n *recordingNotifier) jobStatuses() []models.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.JobStatus
	for _, j := range n.jobs {
		out = append(out, j.Status)
	}
	return out
}

type fixture struct {
	store    kv.Store
	files    *files.Registry
	manager  *Manager
	metrics  *metrics.Metrics
	notifier *recordingNotifier
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		store:    kv.NewMemoryStore(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		notifier: &recordingNotifier{},
	}
	f.files = files.NewRegistry(f.store, testutil.NewMockObjectStore(bucket), bucket)
	f.manager = NewManager(f.store, f.files, Config{CompletionDelay: delay},
		WithMetrics(f.metrics),
		WithNotifier(f.notifier),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
	})
	return f
}

func (f *fixture) upload(t *testing.T, name string) string {
	t.Helper()
	view, err := f.files.Upload(context.Background(), files.UploadInput{
		Name:         name,
		DeclaredType: "text/plain",
		Size:         int64(len(name)),
		Body:         strings.NewReader(name),
	})
	require.NoError(t, err)
	return view.ID
}

func TestManager_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("empty ids", func(t *testing.T) {
		f := newFixture(t, time.Hour)

		_, err := f.manager.Start(ctx, nil, models.DefaultExtractionParameters())

		assert.ErrorIs(t, err, ErrNoFilesProvided)
		jobs, err := f.store.GetByPrefix(ctx, models.JobKeyPrefix)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		assert.Equal(t, 0, f.manager.Pending())
	})

	t.Run("marks files analyzing and stores a running job", func(t *testing.T) {
		f := newFixture(t, time.Hour)
		a := f.upload(t, "a.txt")
		b := f.upload(t, "b.txt")
		params := models.DefaultExtractionParameters()
		params.TopicCount = 25

		job, err := f.manager.Start(ctx, []string{a, "missing", b}, params)
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, models.JobStatusRunning, job.Status)
		assert.Equal(t, []string{a, "missing", b}, job.FileIDs)
		assert.Equal(t, DefaultEstimatedDuration, job.EstimatedCompletion.Sub(job.StartedAt))
		assert.Nil(t, job.CompletedAt)
		assert.Equal(t, 1, f.manager.Pending())

		for _, id := range []string{a, b} {
			rec, err := f.files.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, models.FileStatusAnalyzing, rec.Status)
			assert.NotNil(t, rec.AnalysisStarted)
			require.NotNil(t, rec.Configuration)
			assert.Equal(t, 25, rec.Configuration.TopicCount)
		}

		stored, err := f.manager.GetStatus(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, stored.Status)

		assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.JobsStarted))
		assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.JobsRunning))
	})

	t.Run("kv failure", func(t *testing.T) {
		store := testutil.NewFailingKV()
		registry := files.NewRegistry(store, testutil.NewMockObjectStore(bucket), bucket)
		m := NewManager(store, registry, Config{})
		store.Fail("get", true)

		_, err := m.Start(ctx, []string{"1"}, models.ExtractionParameters{})
		assert.ErrorIs(t, err, kv.ErrBackend)
		assert.Equal(t, 0, m.Pending())
	})
}

func TestManager_Completion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 20*time.Millisecond)
	a := f.upload(t, "a.txt")
	b := f.upload(t, "b.txt")
	gone := f.upload(t, "gone.txt")

	job, err := f.manager.Start(ctx, []string{a, b, gone, "never-existed"}, models.DefaultExtractionParameters())
	require.NoError(t, err)
	require.NoError(t, f.files.Delete(ctx, gone))

	require.Eventually(t, func() bool {
		got, err := f.manager.GetStatus(ctx, job.ID)
		return err == nil && got.Status == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	done, err := f.manager.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(done.StartedAt))

	for _, id := range []string{a, b} {
		rec, err := f.files.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.FileStatusComplete, rec.Status)
		require.NotNil(t, rec.AnalysisCompleted)
		require.NotNil(t, rec.AnalysisResults)
		assert.GreaterOrEqual(t, rec.AnalysisResults.Topics, 5)
		assert.LessOrEqual(t, rec.AnalysisResults.Topics, 14)
		assert.GreaterOrEqual(t, rec.AnalysisResults.Entities, 20)
		assert.LessOrEqual(t, rec.AnalysisResults.Entities, 69)
		assert.GreaterOrEqual(t, rec.AnalysisResults.Confidence, 0.85)
		assert.Less(t, rec.AnalysisResults.Confidence, 0.95)
	}

	// deleted files are not resurrected
	_, err = f.files.Get(ctx, gone)
	assert.ErrorIs(t, err, files.ErrNotFound)

	assert.Equal(t, 0, f.manager.Pending())
	assert.Equal(t, []models.JobStatus{models.JobStatusRunning, models.JobStatusCompleted}, f.notifier.jobStatuses())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.JobsCompleted))
	assert.Equal(t, 0.0, promtest.ToFloat64(f.metrics.JobsRunning))
}

func TestManager_CompletionUsesResultGenerator(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	registry := files.NewRegistry(store, testutil.NewMockObjectStore(bucket), bucket)
	want := models.AnalysisResults{Topics: 11, Entities: 42, Confidence: 0.9}
	m := NewManager(store, registry, Config{CompletionDelay: 10 * time.Millisecond},
		WithResults(func() models.AnalysisResults { return want }))
	defer m.Shutdown(ctx)

	view, err := registry.Upload(ctx, files.UploadInput{Name: "a.txt", DeclaredType: "text/plain", Size: 1, Body: strings.NewReader("a")})
	require.NoError(t, err)

	_, err = m.Start(ctx, []string{view.ID}, models.ExtractionParameters{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := registry.Get(ctx, view.ID)
		return err == nil && rec.Status == models.FileStatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := registry.Get(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, &want, rec.AnalysisResults)
}

func TestManager_GetStatus(t *testing.T) {
	f := newFixture(t, time.Hour)
	_, err := f.manager.GetStatus(context.Background(), "1234")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_Shutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)
	a := f.upload(t, "a.txt")

	job, err := f.manager.Start(ctx, []string{a}, models.DefaultExtractionParameters())
	require.NoError(t, err)
	require.Equal(t, 1, f.manager.Pending())

	require.NoError(t, f.manager.Shutdown(ctx))

	assert.Equal(t, 0, f.manager.Pending())
	stored, err := f.manager.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)

	rec, err := f.files.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusAnalyzing, rec.Status)
	assert.Equal(t, 0.0, promtest.ToFloat64(f.metrics.JobsRunning))

	_, err = f.manager.Start(ctx, []string{a}, models.DefaultExtractionParameters())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestManager_ShutdownWaitsForRunningCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Millisecond)
	a := f.upload(t, "a.txt")

	job, err := f.manager.Start(ctx, []string{a}, models.DefaultExtractionParameters())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.manager.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, f.manager.Shutdown(ctx))

	stored, err := f.manager.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
}

func TestRandomResults(t *testing.T) {
	for i := 0; i < 500; i++ {
		r := RandomResults()
		require.True(t, r.Topics >= 5 && r.Topics <= 14, "topics %d", r.Topics)
		require.True(t, r.Entities >= 20 && r.Entities <= 69, "entities %d", r.Entities)
		require.True(t, r.Confidence >= 0.85 && r.Confidence < 0.95, "confidence %f", r.Confidence)
	}
}

func TestScaleConfidence(t *testing.T) {
	assert.Equal(t, 0.85, scaleConfidence(0))
	assert.InDelta(t, 0.90, scaleConfidence(0.5), 1e-12)

	top := scaleConfidence(math.Nextafter(1, 0))
	assert.Less(t, top, 0.95)
	assert.GreaterOrEqual(t, top, 0.85)
}

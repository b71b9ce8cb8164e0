// Package files owns the lifecycle of uploaded document records: creation on
// upload, listing with download URLs, reprocessing, deletion, and the narrow
// status updates the analysis manager performs.
package files

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/docpipe/backend/internal/ids"
	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/metrics"
	"github.com/docpipe/backend/internal/models"
	"github.com/docpipe/backend/internal/storage"
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrUnsupportedType = errors.New("invalid file type. Only PDF, DOCX, and TXT files are allowed")
	ErrUploadFailed    = errors.New("failed to upload file")
)

// AllowedTypes are the MIME types accepted on upload.
var AllowedTypes = []string{
	"text/plain",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// SignedURLTTL is the lifetime of download URLs handed to clients.
const SignedURLTTL = time.Hour

// bytes read for content sniffing
const sniffLen = 3072

// Registry stores file records in the KV store under file:<id> and their
// bytes in the object store bucket.
type Registry struct {
	kv      kv.Store
	objects storage.ObjectStore
	bucket  string

	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	ids         *ids.Generator
	signWorkers int

	// held across each read-modify-write so a delete cannot be undone by a
	// concurrent status update
	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now for timestamps and ids.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
		r.ids = ids.NewGenerator(now)
	}
}

// WithSignWorkers bounds how many signed URLs List requests at once.
func WithSignWorkers(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.signWorkers = n
		}
	}
}

// NewRegistry creates a registry over the given stores.
func NewRegistry(store kv.Store, objects storage.ObjectStore, bucket string, opts ...Option) *Registry {
	r := &Registry{
		kv:          store,
		objects:     objects,
		bucket:      bucket,
		logger:      slog.Default(),
		now:         time.Now,
		ids:         ids.NewGenerator(nil),
		signWorkers: 8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bucket returns the object store bucket holding file bytes.
func (r *Registry) Bucket() string {
	return r.bucket
}

// UploadInput describes one uploaded document.
type UploadInput struct {
	Name         string
	DeclaredType string
	Size         int64
	Body         io.Reader
}

// Upload validates the type, stores the bytes and records a queued file.
// The returned view carries a signed URL when one could be issued.
func (r *Registry) Upload(ctx context.Context, in UploadInput) (*models.FileView, error) {
	body := in.Body
	mimeType := normaliseType(in.DeclaredType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(body, head)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			r.metrics.Upload(metrics.UploadFailed)
			return nil, fmt.Errorf("%w: reading upload: %w", ErrUploadFailed, err)
		}
		head = head[:n]
		mimeType = sniffType(head)
		body = io.MultiReader(bytes.NewReader(head), body)
	}

	if !allowed(mimeType) {
		r.metrics.Upload(metrics.UploadRejected)
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedType, mimeType)
	}

	ts := r.ids.NextMillis()
	key := storage.ObjectKey(ts, in.Name)
	counter := &countingReader{r: body}

	if err := r.objects.Upload(ctx, r.bucket, key, counter, in.Size, mimeType); err != nil {
		r.metrics.Upload(metrics.UploadFailed)
		r.logger.Error("storing upload", "name", in.Name, "key", key, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	size := in.Size
	if size <= 0 {
		size = counter.n
	}

	rec := models.FileRecord{
		ID:           strconv.FormatInt(ts, 10),
		Name:         in.Name,
		OriginalName: in.Name,
		Size:         size,
		MimeType:     mimeType,
		StoragePath:  key,
		UploadDate:   time.UnixMilli(ts).UTC(),
		Status:       models.FileStatusQueued,
	}
	if err := r.put(ctx, &rec); err != nil {
		r.metrics.Upload(metrics.UploadFailed)
		if rmErr := r.objects.Remove(ctx, r.bucket, key); rmErr != nil {
			r.logger.Warn("removing orphaned object", "key", key, "error", rmErr)
		}
		return nil, err
	}

	r.metrics.Upload(metrics.UploadOK)
	r.logger.Info("file uploaded", "id", rec.ID, "name", rec.Name, "size", rec.Size, "type", rec.MimeType)

	view := r.View(ctx, &rec)
	return &view, nil
}

// List returns every file record, newest upload first, truncated to limit
// when limit > 0. Each view gets a fresh signed URL; a record whose URL
// cannot be issued is returned without one.
func (r *Registry) List(ctx context.Context, limit int) ([]models.FileView, error) {
	records, err := r.records(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].UploadDate.Equal(records[j].UploadDate) {
			return records[i].UploadDate.After(records[j].UploadDate)
		}
		return records[i].ID > records[j].ID
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	views := make([]models.FileView, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.signWorkers)
	for i := range records {
		g.Go(func() error {
			views[i] = r.View(gctx, &records[i])
			return nil
		})
	}
	_ = g.Wait()

	return views, nil
}

// View wraps rec with a signed URL, leaving it empty when signing fails.
func (r *Registry) View(ctx context.Context, rec *models.FileRecord) models.FileView {
	view := models.FileView{FileRecord: *rec}
	url, err := r.objects.SignedURL(ctx, r.bucket, rec.StoragePath, SignedURLTTL)
	if err != nil {
		r.metrics.SignedURLFailed()
		r.logger.Warn("issuing signed url", "id", rec.ID, "path", rec.StoragePath, "error", err)
		return view
	}
	view.SignedURL = url
	return view
}

// Any reports whether at least one file record exists.
func (r *Registry) Any(ctx context.Context) (bool, error) {
	entries, err := r.kv.GetByPrefix(ctx, models.FileKeyPrefix)
	if err != nil {
		return false, fmt.Errorf("listing files: %w", err)
	}
	return len(entries) > 0, nil
}

// Get loads one record.
func (r *Registry) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := kv.GetJSON(ctx, r.kv, models.FileKey(id), &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading file %s: %w", id, err)
	}
	return &rec, nil
}

// Delete removes the stored object and then the record. A failure to remove
// the object is logged and the record is deleted anyway.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := r.objects.Remove(ctx, r.bucket, rec.StoragePath); err != nil {
		r.logger.Warn("removing stored object", "id", id, "path", rec.StoragePath, "error", err)
	}

	if err := r.kv.Del(ctx, models.FileKey(id)); err != nil {
		return fmt.Errorf("deleting file %s: %w", id, err)
	}

	r.metrics.FileDeleted()
	r.logger.Info("file deleted", "id", id)
	return nil
}

// Reprocess puts a file back in the queue and clears every analysis field.
func (r *Registry) Reprocess(ctx context.Context, id string) (*models.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	rec.Status = models.FileStatusQueued
	rec.AnalysisResults = nil
	rec.AnalysisStarted = nil
	rec.AnalysisCompleted = nil
	rec.Error = ""
	rec.ReprocessedAt = &now

	if err := r.put(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Info("file queued for reprocessing", "id", id)
	return rec, nil
}

// MarkAnalyzing moves a file into analysis with the given parameters.
// It reports false when the file does not exist.
func (r *Registry) MarkAnalyzing(ctx context.Context, id string, params models.ExtractionParameters) (*models.FileRecord, bool, error) {
	return r.update(ctx, id, func(rec *models.FileRecord) {
		now := r.now().UTC()
		rec.Status = models.FileStatusAnalyzing
		rec.AnalysisStarted = &now
		rec.AnalysisResults = nil
		rec.Error = ""
		p := params
		rec.Configuration = &p
	})
}

// MarkComplete records analysis results. It reports false when the file
// does not exist.
func (r *Registry) MarkComplete(ctx context.Context, id string, results models.AnalysisResults) (*models.FileRecord, bool, error) {
	return r.update(ctx, id, func(rec *models.FileRecord) {
		now := r.now().UTC()
		rec.Status = models.FileStatusComplete
		rec.AnalysisCompleted = &now
		res := results
		rec.AnalysisResults = &res
		rec.Error = ""
	})
}

// Restore writes a fully formed record as is.
func (r *Registry) Restore(ctx context.Context, rec *models.FileRecord) error {
	if rec.ID == "" {
		return errors.New("restoring file: empty id")
	}
	return r.put(ctx, rec)
}

func (r *Registry) update(ctx context.Context, id string, mutate func(*models.FileRecord)) (*models.FileRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	mutate(rec)
	if err := r.put(ctx, rec); err != nil {
		return nil, true, err
	}
	return rec, true, nil
}

func (r *Registry) put(ctx context.Context, rec *models.FileRecord) error {
	if err := kv.SetJSON(ctx, r.kv, models.FileKey(rec.ID), rec); err != nil {
		return fmt.Errorf("saving file %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Registry) records(ctx context.Context) ([]models.FileRecord, error) {
	entries, err := r.kv.GetByPrefix(ctx, models.FileKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	records := make([]models.FileRecord, 0, len(entries))
	for _, e := range entries {
		var rec models.FileRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			r.logger.Warn("skipping unreadable file record", "key", e.Key, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func normaliseType(declared string) string {
	if declared == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return declared
	}
	return mt
}

func sniffType(head []byte) string {
	detected := mimetype.Detect(head)
	for _, t := range AllowedTypes {
		if detected.Is(t) {
			return t
		}
	}
	mt, _, _ := mime.ParseMediaType(detected.String())
	return mt
}

func allowed(mimeType string) bool {
	for _, t := range AllowedTypes {
		if t == mimeType {
			return true
		}
	}
	return false
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

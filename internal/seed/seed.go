// Package seed writes demonstration file records into an empty store.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docpipe/backend/internal/models"
)

//go:embed sample_files.yaml
var sampleFilesYAML []byte

// Registry is what seeding needs from the file registry.
type Registry interface {
	Any(ctx context.Context) (bool, error)
	Restore(ctx context.Context, rec *models.FileRecord) error
}

type sampleFile struct {
	ID             string                  `yaml:"id"`
	Name           string                  `yaml:"name"`
	Size           int64                   `yaml:"size"`
	MimeType       string                  `yaml:"mimeType"`
	StoragePath    string                  `yaml:"storagePath"`
	UploadedAgo    time.Duration           `yaml:"uploadedAgo"`
	Status         models.FileStatus       `yaml:"status"`
	StartedAgo     time.Duration           `yaml:"startedAgo"`
	CompletedAfter time.Duration           `yaml:"completedAfter"`
	Results        *models.AnalysisResults `yaml:"results"`
	Error          string                  `yaml:"error"`
}

// SampleFiles returns the embedded records with times relative to now.
func SampleFiles(now time.Time) ([]models.FileRecord, error) {
	var doc struct {
		Files []sampleFile `yaml:"files"`
	}
	if err := yaml.Unmarshal(sampleFilesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parsing sample files: %w", err)
	}

	now = now.UTC()
	records := make([]models.FileRecord, 0, len(doc.Files))
	for _, s := range doc.Files {
		uploaded := now.Add(-s.UploadedAgo)
		rec := models.FileRecord{
			ID:              s.ID,
			Name:            s.Name,
			OriginalName:    s.Name,
			Size:            s.Size,
			MimeType:        s.MimeType,
			StoragePath:     s.StoragePath,
			UploadDate:      uploaded,
			Status:          s.Status,
			AnalysisResults: s.Results,
			Error:           s.Error,
		}
		if s.StartedAgo > 0 {
			started := now.Add(-s.StartedAgo)
			rec.AnalysisStarted = &started
		}
		if s.CompletedAfter > 0 {
			completed := uploaded.Add(s.CompletedAfter)
			rec.AnalysisCompleted = &completed
		}
		records = append(records, rec)
	}
	return records, nil
}

// Run writes the sample records unless at least one file already
// exists. It returns how many records were written.
func Run(ctx context.Context, registry Registry, logger *slog.Logger, now time.Time) (int, error) {
	exists, err := registry.Any(ctx)
	if err != nil {
		return 0, err
	}
	if exists {
		logger.Info("sample data already exists, skipping initialization")
		return 0, nil
	}

	records, err := SampleFiles(now)
	if err != nil {
		return 0, err
	}
	for i := range records {
		if err := registry.Restore(ctx, &records[i]); err != nil {
			return i, fmt.Errorf("writing sample file %s: %w", records[i].ID, err)
		}
	}

	logger.Info("initialized sample files", "count", len(records))
	return len(records), nil
}

// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"os"

	"github.com/labstack/echo/v4"

	"github.com/docpipe/backend/internal/files"
	"github.com/docpipe/backend/internal/models"
)

// FileHandler handles upload and file record operations
type FileHandler interface {
	HandleUploadFile(c echo.Context) error
	HandleListFiles(c echo.Context) error
	HandleGetFile(c echo.Context) error
	HandleDeleteFile(c echo.Context) error
	HandleReprocessFile(c echo.Context) error
}

// ConfigurationHandler handles saved extraction parameter sets
type ConfigurationHandler interface {
	HandleSaveConfiguration(c echo.Context) error
	HandleListConfigurations(c echo.Context) error
}

// AnalysisHandler handles analysis job operations
type AnalysisHandler interface {
	HandleStartAnalysis(c echo.Context) error
	HandleAnalysisStatus(c echo.Context) error
}

// ObjectHandler serves objects from the local object store
type ObjectHandler interface {
	HandleGetObject(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// FileService is the file registry as seen by the handlers.
// This allows mocking in tests
type FileService interface {
	Upload(ctx context.Context, in files.UploadInput) (*models.FileView, error)
	List(ctx context.Context, limit int) ([]models.FileView, error)
	Get(ctx context.Context, id string) (*models.FileRecord, error)
	View(ctx context.Context, rec *models.FileRecord) models.FileView
	Delete(ctx context.Context, id string) error
	Reprocess(ctx context.Context, id string) (*models.FileRecord, error)
}

// ConfigurationService stores and lists configurations
type ConfigurationService interface {
	Save(ctx context.Context, params models.ExtractionParameters, name string) (*models.ConfigurationRecord, error)
	List(ctx context.Context) ([]models.ConfigurationRecord, error)
}

// AnalysisService starts jobs and reports their state
type AnalysisService interface {
	Start(ctx context.Context, fileIDs []string, params models.ExtractionParameters) (*models.AnalysisJob, error)
	GetStatus(ctx context.Context, jobID string) (*models.AnalysisJob, error)
}

// ObjectServer verifies download tokens and opens stored objects.
// storage.LocalStore implements it.
type ObjectServer interface {
	Verify(bucket, key, token string) error
	Open(bucket, key string) (*os.File, error)
}

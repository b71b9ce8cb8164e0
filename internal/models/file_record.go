// Package models contains domain types for the document pipeline.
package models

import "time"

// FileStatus is the analysis lifecycle state of an uploaded file.
type FileStatus string

const (
	FileStatusQueued    FileStatus = "queued"
	FileStatusAnalyzing FileStatus = "analyzing"
	FileStatusComplete  FileStatus = "complete"
	FileStatusError     FileStatus = "error"
)

// FileKeyPrefix is the KV prefix under which file records live.
const FileKeyPrefix = "file:"

// FileKey returns the KV key for a file id.
func FileKey(id string) string {
	return FileKeyPrefix + id
}

// AnalysisResults holds the metrics produced by a completed analysis.
type AnalysisResults struct {
	Topics     int     `json:"topics" yaml:"topics" msgpack:"topics"`
	Entities   int     `json:"entities" yaml:"entities" msgpack:"entities"`
	Confidence float64 `json:"confidence" yaml:"confidence" msgpack:"confidence"`
}

// FileRecord is the metadata stored for every uploaded document.
// AnalysisResults is non-nil only while Status is complete, and Error is set
// only while Status is error.
type FileRecord struct {
	ID                string                `json:"id" msgpack:"id"`
	Name              string                `json:"name" msgpack:"name"`
	OriginalName      string                `json:"originalName" msgpack:"originalName"`
	Size              int64                 `json:"size" msgpack:"size"`
	MimeType          string                `json:"mimeType" msgpack:"mimeType"`
	StoragePath       string                `json:"storagePath" msgpack:"storagePath"`
	UploadDate        time.Time             `json:"uploadDate" msgpack:"uploadDate"`
	Status            FileStatus            `json:"status" msgpack:"status"`
	AnalysisResults   *AnalysisResults      `json:"analysisResults" msgpack:"analysisResults"`
	AnalysisStarted   *time.Time            `json:"analysisStarted,omitempty" msgpack:"analysisStarted,omitempty"`
	AnalysisCompleted *time.Time            `json:"analysisCompleted,omitempty" msgpack:"analysisCompleted,omitempty"`
	Error             string                `json:"error,omitempty" msgpack:"error,omitempty"`
	Configuration     *ExtractionParameters `json:"configuration,omitempty" msgpack:"configuration,omitempty"`
	ReprocessedAt     *time.Time            `json:"reprocessedAt,omitempty" msgpack:"reprocessedAt,omitempty"`
}

// FileView is a FileRecord as returned to clients, with a short-lived
// download URL when one could be issued.
type FileView struct {
	FileRecord
	SignedURL string `json:"signedUrl,omitempty" msgpack:"signedUrl,omitempty"`
}

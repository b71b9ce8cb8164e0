// handlers_upload.go - File upload and file record handlers
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/docpipe/backend/internal/files"
	"github.com/docpipe/backend/internal/models"
)

// MIMEApplicationMsgpack is the content type of msgpack list responses
const MIMEApplicationMsgpack = "application/msgpack"

// FileHandlerImpl implements the FileHandler interface
type FileHandlerImpl struct {
	files FileService
}

// NewFileHandler creates a new file handler instance
func NewFileHandler(svc FileService) FileHandler {
	return &FileHandlerImpl{files: svc}
}

// HandleUploadFile accepts a multipart upload in the "file" field
func (h *FileHandlerImpl) HandleUploadFile(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("No file provided", err)
	}

	src, err := fh.Open()
	if err != nil {
		return NewBadRequestError("failed to open uploaded file", err)
	}
	defer src.Close()

	view, err := h.files.Upload(c.Request().Context(), files.UploadInput{
		Name:         fh.Filename,
		DeclaredType: fh.Header.Get(echo.HeaderContentType),
		Size:         fh.Size,
		Body:         src,
	})
	if err != nil {
		return MapError(err, "Internal server error during file upload")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"file":    view,
	})
}

type fileListResponse struct {
	Files []models.FileView `json:"files" msgpack:"files"`
}

// HandleListFiles returns file records newest first. A missing or invalid
// limit returns every record.
func (h *FileHandlerImpl) HandleListFiles(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	views, err := h.files.List(c.Request().Context(), limit)
	if err != nil {
		return MapError(err, "Failed to fetch files")
	}

	resp := fileListResponse{Files: views}
	if wantsMsgpack(c) {
		data, err := msgpack.Marshal(&resp)
		if err != nil {
			return NewInternalError("failed to encode files", err)
		}
		return c.Blob(http.StatusOK, MIMEApplicationMsgpack, data)
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleGetFile returns one file record with a fresh download URL
func (h *FileHandlerImpl) HandleGetFile(c echo.Context) error {
	ctx := c.Request().Context()
	rec, err := h.files.Get(ctx, c.Param("fileId"))
	if err != nil {
		return MapError(err, "Failed to fetch file")
	}

	view := h.files.View(ctx, rec)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"file": view,
	})
}

// HandleDeleteFile removes a file record and its stored bytes
func (h *FileHandlerImpl) HandleDeleteFile(c echo.Context) error {
	if err := h.files.Delete(c.Request().Context(), c.Param("fileId")); err != nil {
		return MapError(err, "Failed to delete file")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// HandleReprocessFile puts a file back in the queue
func (h *FileHandlerImpl) HandleReprocessFile(c echo.Context) error {
	rec, err := h.files.Reprocess(c.Request().Context(), c.Param("fileId"))
	if err != nil {
		return MapError(err, "Failed to reprocess file")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "File queued for reprocessing",
		"file":    rec,
	})
}

func wantsMsgpack(c echo.Context) bool {
	for _, part := range strings.Split(c.Request().Header.Get(echo.HeaderAccept), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mt, MIMEApplicationMsgpack) || strings.EqualFold(mt, "application/x-msgpack") {
			return true
		}
	}
	return false
}

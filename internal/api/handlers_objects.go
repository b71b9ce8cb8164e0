// handlers_objects.go - Signed download handler for the local object store
package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/docpipe/backend/internal/storage"
)

// ObjectHandlerImpl implements the ObjectHandler interface
type ObjectHandlerImpl struct {
	objects ObjectServer
}

// NewObjectHandler creates a new object download handler
func NewObjectHandler(objects ObjectServer) ObjectHandler {
	return &ObjectHandlerImpl{objects: objects}
}

// HandleGetObject streams an object when the token query parameter signs
// its bucket and key
func (h *ObjectHandlerImpl) HandleGetObject(c echo.Context) error {
	bucket, err := url.PathUnescape(c.Param("bucket"))
	if err != nil {
		return NewBadRequestError("invalid bucket", err)
	}
	key, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return NewBadRequestError("invalid object key", err)
	}

	if err := h.objects.Verify(bucket, key, c.QueryParam("token")); err != nil {
		return &APIError{
			Status:  http.StatusForbidden,
			Code:    "FORBIDDEN",
			Message: "invalid or expired download link",
			Details: err.Error(),
		}
	}

	f, err := h.objects.Open(bucket, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return NewNotFoundError("Object not found")
	}
	if err != nil {
		return NewInternalError("failed to open object", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return NewInternalError("failed to stat object", err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, "inline")
	http.ServeContent(c.Response(), c.Request(), key, info.ModTime(), f)
	return nil
}

// Package web provides the embedded single page frontend.
package web

import (
	"bytes"
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

//go:embed dist/*
var staticFiles embed.FS

// placeholder in index.html replaced with the API prefix
const apiBasePlaceholder = "%API_BASE%"

// GetFileSystem returns the embedded filesystem with the dist folder as root.
func GetFileSystem() (fs.FS, error) {
	return fs.Sub(staticFiles, "dist")
}

// RegisterStaticRoutes registers the frontend routes with Echo. Requests
// under apiBase never fall back to index.html, so unknown API paths still
// get a JSON 404. The API routes should be registered before calling this
// function.
func RegisterStaticRoutes(e *echo.Echo, apiBase string) error {
	staticFS, err := GetFileSystem()
	if err != nil {
		return err
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return err
	}
	index = bytes.ReplaceAll(index, []byte(apiBasePlaceholder), []byte(apiBase))

	// Create a file server from the embedded filesystem
	fileServer := http.FileServer(http.FS(staticFS))

	e.GET("/*", func(c echo.Context) error {
		requestPath := path.Clean(c.Request().URL.Path)
		if apiBase != "" && (requestPath == apiBase || strings.HasPrefix(requestPath, apiBase+"/")) {
			return echo.ErrNotFound
		}

		name := strings.TrimPrefix(requestPath, "/")
		if name == "" || name == "index.html" {
			return c.HTMLBlob(http.StatusOK, index)
		}

		stat, err := fs.Stat(staticFS, name)
		if err != nil || stat.IsDir() {
			// SPA fallback
			return c.HTMLBlob(http.StatusOK, index)
		}

		// It's a file, serve it directly
		fileServer.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	return nil
}

// HasEmbeddedFiles returns true if the frontend has been built and embedded.
func HasEmbeddedFiles() bool {
	_, err := fs.Stat(staticFiles, "dist/index.html")
	return err == nil
}

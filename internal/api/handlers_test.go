package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/docpipe/backend/internal/analysis"
	"github.com/docpipe/backend/internal/configs"
	"github.com/docpipe/backend/internal/files"
	"github.com/docpipe/backend/internal/models"
	"github.com/docpipe/backend/internal/testutil"
)

const testBucket = "pipeline-files"

type apiFixture struct {
	e       *echo.Echo
	kv      *testutil.FailingKV
	objects *testutil.MockObjectStore
	files   *files.Registry
	manager *analysis.Manager
	hub     *Hub
}

type fixtureConfig struct {
	delay     time.Duration
	authToken string
	objects   ObjectServer
}

func newAPIFixture(t *testing.T, cfg fixtureConfig) *apiFixture {
	t.Helper()
	if cfg.delay == 0 {
		cfg.delay = time.Hour
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &apiFixture{
		kv:      testutil.NewFailingKV(),
		objects: testutil.NewMockObjectStore(testBucket),
		hub:     NewHub(logger, 0),
	}
	f.files = files.NewRegistry(f.kv, f.objects, testBucket, files.WithLogger(logger))
	f.manager = analysis.NewManager(f.kv, f.files, analysis.Config{CompletionDelay: cfg.delay},
		analysis.WithLogger(logger),
		analysis.WithNotifier(f.hub),
	)
	t.Cleanup(func() {
		_ = f.manager.Shutdown(context.Background())
		f.hub.Close()
	})

	f.e = echo.New()
	SetupMiddleware(f.e, MiddlewareConfig{
		Logger:         logger,
		RequestLogging: true,
		BodyLimit:      "1M",
		EnableCORS:     true,
	})

	var auth echo.MiddlewareFunc
	if cfg.authToken != "" {
		auth = NewAuthMiddleware(cfg.authToken)
	}
	handlers := NewHandlers(&Dependencies{
		Files:   f.files,
		Configs: configs.NewRegistry(f.kv, configs.WithLogger(logger)),
		Jobs:    f.manager,
		Objects: cfg.objects,
		Hub:     f.hub,
		Store:   f.kv,
		Version: "test",
	})
	RegisterRoutes(f.e, handlers, "/api", auth)
	return f
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) get(path string) *httptest.ResponseRecorder {
	return f.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (f *apiFixture) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return f.do(req)
}

func (f *apiFixture) upload(t *testing.T, name, contentType, content string) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := multipartFile(t, "file", name, contentType, content)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set(echo.HeaderContentType, formType)
	return f.do(req)
}

// uploadID uploads a file and returns its id
func (f *apiFixture) uploadID(t *testing.T, name string) string {
	t.Helper()
	rec := f.upload(t, name, "text/plain", "hello "+name)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		File models.FileView `json:"file"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.File.ID
}

func multipartFile(t *testing.T, field, name, contentType, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUploadFile(t *testing.T) {
	t.Run("valid upload is queued", func(t *testing.T) {
		f := newAPIFixture(t, fixtureConfig{})
		rec := f.upload(t, "report.txt", "text/plain", "quarterly numbers")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		file := body["file"].(map[string]any)
		assert.Equal(t, "report.txt", file["name"])
		assert.Equal(t, "report.txt", file["originalName"])
		assert.Equal(t, "text/plain", file["mimeType"])
		assert.Equal(t, "queued", file["status"])
		assert.Contains(t, file, "analysisResults")
		assert.Nil(t, file["analysisResults"])
		assert.Contains(t, file["signedUrl"], "https://objects.test/"+testBucket+"/")
		assert.Equal(t, 1, f.objects.ObjectCount(testBucket))
	})

	t.Run("missing file field", func(t *testing.T) {
		f := newAPIFixture(t, fixtureConfig{})
		body, formType := multipartFile(t, "attachment", "report.txt", "text/plain", "x")
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set(echo.HeaderContentType, formType)
		rec := f.do(req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeBody(t, rec)
		assert.Equal(t, "No file provided", resp["error"])
		assert.Equal(t, "BAD_REQUEST", resp["code"])
	})

	t.Run("disallowed type is rejected before storage", func(t *testing.T) {
		f := newAPIFixture(t, fixtureConfig{})
		rec := f.upload(t, "photo.png", "image/png", "\x89PNG")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeBody(t, rec)["code"])
		assert.Equal(t, 0, f.objects.Calls("Upload"))
	})

	t.Run("metadata store failure hides details", func(t *testing.T) {
		f := newAPIFixture(t, fixtureConfig{})
		f.kv.Fail("set", true)
		rec := f.upload(t, "report.txt", "text/plain", "content")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decodeBody(t, rec)
		assert.Equal(t, "UPSTREAM_ERROR", resp["code"])
		assert.NotContains(t, resp, "details")
		assert.Equal(t, 0, f.objects.ObjectCount(testBucket))
	})
}

func TestListFiles(t *testing.T) {
	f := newAPIFixture(t, fixtureConfig{})
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		f.uploadID(t, name)
	}

	names := func(rec *httptest.ResponseRecorder) []string {
		var resp struct {
			Files []models.FileView `json:"files"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		var out []string
		for _, v := range resp.Files {
			out = append(out, v.Name)
		}
		return out
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"no limit", "", []string{"c.txt", "b.txt", "a.txt"}},
		{"limit", "?limit=2", []string{"c.txt", "b.txt"}},
		{"invalid limit", "?limit=abc", []string{"c.txt", "b.txt", "a.txt"}},
		{"zero limit", "?limit=0", []string{"c.txt", "b.txt", "a.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get("/api/files" + tt.query)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, names(rec))
		})
	}

	t.Run("one failing signed URL keeps the listing", func(t *testing.T) {
		rec := f.get("/api/files")
		var resp struct {
			Files []models.FileView `json:"files"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		f.objects.FailSignFor(resp.Files[0].StoragePath)

		rec = f.get("/api/files")
		require.Equal(t, http.StatusOK, rec.Code)
		// signedUrl is omitempty, so reusing resp would keep the old URL
		var second struct {
			Files []models.FileView `json:"files"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
		require.Len(t, second.Files, 3)
		assert.Empty(t, second.Files[0].SignedURL)
		assert.NotEmpty(t, second.Files[1].SignedURL)
	})

	t.Run("msgpack", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/files?limit=1", nil)
		req.Header.Set(echo.HeaderAccept, "application/msgpack")
		rec := f.do(req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, MIMEApplicationMsgpack, rec.Header().Get(echo.HeaderContentType))

		var resp struct {
			Files []struct {
				ID     string `msgpack:"id"`
				Name   string `msgpack:"name"`
				Status string `msgpack:"status"`
			} `msgpack:"files"`
		}
		require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Files, 1)
		assert.Equal(t, "c.txt", resp.Files[0].Name)
		assert.Equal(t, "queued", resp.Files[0].Status)
	})

	t.Run("store failure", func(t *testing.T) {
		f.kv.Fail("scan", true)
		defer f.kv.Fail("scan", false)
		rec := f.get("/api/files")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		resp := decodeBody(t, rec)
		assert.Equal(t, "UPSTREAM_ERROR", resp["code"])
		assert.Equal(t, "Failed to fetch files", resp["error"])
	})
}

func TestGetFile(t *testing.T) {
	f := newAPIFixture(t, fixtureConfig{})
	id := f.uploadID(t, "notes.txt")

	rec := f.get("/api/files/" + id)
	require.Equal(t, http.StatusOK, rec.Code)
	file := decodeBody(t, rec)["file"].(map[string]any)
	assert.Equal(t, id, file["id"])
	assert.NotEmpty(t, file["signedUrl"])

	rec = f.get("/api/files/404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "File not found", resp["error"])
	assert.Equal(t, "NOT_FOUND", resp["code"])
}

func TestDeleteFile(t *testing.T) {
	del := func(f *apiFixture, id string) *httptest.ResponseRecorder {
		return f.do(httptest.NewRequest(http.MethodDelete, "/api/files/"+id, nil))
	}

	t.Run("removes record and object", func(t *testing.T) {
		f := newAPIFixture(t, fixtureConfig{})
		id := f.uploadID(t, "old.txt")

		rec := del(f, id)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["success"])
		assert.Equal(t, 0, f.objects.ObjectCount(testBucket))
		assert.Equal(t, http.StatusNotFound, f.get("/api/files/"+id).Code)
	})

	t.Run("unknown id makes no storage call", func(t *testing.T) {
		f := newAPIFixture(t, fixtureConfig{})
		rec := del(f, "missing")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, 0, f.objects.Calls("Remove"))
	})

	t.Run("storage removal failure still succeeds", func(t *testing.T) {
		f := newAPIFixture(t, fixtureConfig{})
		id := f.uploadID(t, "stuck.txt")
		f.objects.FailRemove = true

		rec := del(f, id)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, http.StatusNotFound, f.get("/api/files/"+id).Code)
	})
}

func TestReprocessFile(t *testing.T) {
	f := newAPIFixture(t, fixtureConfig{})
	id := f.uploadID(t, "done.txt")
	_, found, err := f.files.MarkComplete(context.Background(), id, models.AnalysisResults{Topics: 7, Entities: 30, Confidence: 0.9})
	require.NoError(t, err)
	require.True(t, found)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/files/"+id+"/reprocess", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "File queued for reprocessing", body["message"])
	file := body["file"].(map[string]any)
	assert.Equal(t, "queued", file["status"])
	assert.Nil(t, file["analysisResults"])
	assert.NotContains(t, file, "analysisCompleted")
	assert.NotContains(t, file, "analysisStarted")
	assert.Contains(t, file, "reprocessedAt")

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/files/nope/reprocess", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, fixtureConfig{})
	rec := f.get("/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test","kv":"ok"}`, rec.Body.String())

	t.Run("kv unreachable", func(t *testing.T) {
		f.kv.Fail("get", true)
		defer f.kv.Fail("get", false)

		rec := f.get("/api/health")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"degraded","version":"test","kv":"unreachable"}`, rec.Body.String())
	})
}

// local_test.go - Tests for the filesystem object store
package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testBucket = "pipeline-files"

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "http://localhost:8089/api/", []byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.CreateBucket(context.Background(), testBucket); err != nil {
		t.Fatalf("Failed to create bucket: %v", err)
	}
	return store
}

// tokenFromURL pulls the bucket, key and token back out of a signed URL.
func tokenFromURL(t *testing.T, raw string) (string, string, string) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("Failed to parse signed URL: %v", err)
	}
	key := path.Base(u.Path)
	bucket := path.Base(path.Dir(u.Path))
	return bucket, key, u.Query().Get("token")
}

func TestNewLocalStore(t *testing.T) {
	t.Run("creates storage directory", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "objects")

		_, err := NewLocalStore(root, "", []byte("s"))
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if _, err := os.Stat(root); os.IsNotExist(err) {
			t.Error("Expected storage directory to be created")
		}
	})

	t.Run("requires a secret", func(t *testing.T) {
		if _, err := NewLocalStore(t.TempDir(), "", nil); err == nil {
			t.Error("Expected error without a signing secret")
		}
	})
}

func TestLocalStore_Buckets(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	created, err := EnsureBucket(ctx, store, testBucket)
	if err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	if created {
		t.Error("Expected existing bucket not to be created again")
	}

	created, err = EnsureBucket(ctx, store, "another")
	if err != nil {
		t.Fatalf("EnsureBucket failed: %v", err)
	}
	if !created {
		t.Error("Expected missing bucket to be created")
	}

	buckets, err := store.ListBuckets(ctx)
	if err != nil {
		t.Fatalf("ListBuckets failed: %v", err)
	}
	if len(buckets) != 2 || buckets[0] != "another" || buckets[1] != testBucket {
		t.Errorf("Unexpected buckets: %v", buckets)
	}

	if err := store.CreateBucket(ctx, "../escape"); err == nil {
		t.Error("Expected invalid bucket name to be rejected")
	}
}

func TestLocalStore_Upload(t *testing.T) {
	ctx := context.Background()

	t.Run("writes object", func(t *testing.T) {
		store := createTestStore(t)
		content := "Hello, World!"

		if err := store.Upload(ctx, testBucket, "1-test.txt", strings.NewReader(content), int64(len(content)), "text/plain"); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}

		data, err := os.ReadFile(filepath.Join(store.root, testBucket, "1-test.txt"))
		if err != nil {
			t.Fatalf("Failed to read object: %v", err)
		}
		if string(data) != content {
			t.Errorf("Expected %q, got %q", content, data)
		}
	})

	t.Run("missing bucket", func(t *testing.T) {
		store := createTestStore(t)

		err := store.Upload(ctx, "nope", "1-test.txt", strings.NewReader("x"), 1, "text/plain")
		if !errors.Is(err, ErrBucketNotFound) {
			t.Errorf("Expected ErrBucketNotFound, got %v", err)
		}
	})

	t.Run("rejects traversal", func(t *testing.T) {
		store := createTestStore(t)

		for _, key := range []string{"../x", "a/b", "..", ""} {
			if err := store.Upload(ctx, testBucket, key, strings.NewReader("x"), 1, ""); err == nil {
				t.Errorf("Expected key %q to be rejected", key)
			}
		}
	})

	t.Run("failed read removes partial object", func(t *testing.T) {
		store := createTestStore(t)
		body := io.MultiReader(strings.NewReader("partial"), &failingReader{})

		if err := store.Upload(ctx, testBucket, "1-broken.txt", body, -1, ""); err == nil {
			t.Fatal("Expected upload error")
		}
		if _, err := os.Stat(filepath.Join(store.root, testBucket, "1-broken.txt")); !os.IsNotExist(err) {
			t.Error("Expected partial object to be removed")
		}
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestLocalStore_Remove(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	if err := store.Upload(ctx, testBucket, "1-a.txt", bytes.NewReader([]byte("a")), 1, ""); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := store.Remove(ctx, testBucket, "1-a.txt"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := store.Open(testBucket, "1-a.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Expected ErrObjectNotFound after remove, got %v", err)
	}
	if err := store.Remove(ctx, testBucket, "1-a.txt"); err != nil {
		t.Errorf("Expected removing a missing object to succeed, got %v", err)
	}
}

func TestLocalStore_SignedURL(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		store := createTestStore(t)
		if err := store.Upload(ctx, testBucket, "1-report.pdf", strings.NewReader("%PDF"), 4, "application/pdf"); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}

		signed, err := store.SignedURL(ctx, testBucket, "1-report.pdf", time.Hour)
		if err != nil {
			t.Fatalf("SignedURL failed: %v", err)
		}
		if !strings.HasPrefix(signed, "http://localhost:8089/api/objects/pipeline-files/1-report.pdf?token=") {
			t.Errorf("Unexpected URL: %s", signed)
		}

		bucket, key, token := tokenFromURL(t, signed)
		if err := store.Verify(bucket, key, token); err != nil {
			t.Fatalf("Verify failed: %v", err)
		}

		f, err := store.Open(bucket, key)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "%PDF" {
			t.Errorf("Unexpected content %q", data)
		}
	})

	t.Run("token bound to object", func(t *testing.T) {
		store := createTestStore(t)
		signed, err := store.SignedURL(ctx, testBucket, "1-a.txt", time.Hour)
		if err != nil {
			t.Fatalf("SignedURL failed: %v", err)
		}
		_, _, token := tokenFromURL(t, signed)

		if err := store.Verify(testBucket, "1-b.txt", token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken for another key, got %v", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		store := createTestStore(t)
		signed, err := store.SignedURL(ctx, testBucket, "1-a.txt", -time.Minute)
		if err != nil {
			t.Fatalf("SignedURL failed: %v", err)
		}
		_, _, token := tokenFromURL(t, signed)

		if err := store.Verify(testBucket, "1-a.txt", token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		store := createTestStore(t)
		other, _ := NewLocalStore(t.TempDir(), "", []byte("other-secret"))

		signed, _ := other.SignedURL(ctx, testBucket, "1-a.txt", time.Hour)
		_, _, token := tokenFromURL(t, signed)

		if err := store.Verify(testBucket, "1-a.txt", token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken for foreign token, got %v", err)
		}
	})
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "report.pdf", "1700000000000-report.pdf"},
		{"spaces kept", "Q3 notes (final).docx", "1700000000000-Q3 notes (final).docx"},
		{"separators replaced", "../../etc/passwd", "1700000000000-_.._etc_passwd"},
		{"empty", "", "1700000000000-file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObjectKey(1700000000000, tt.in); got != tt.want {
				t.Errorf("ObjectKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

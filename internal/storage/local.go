package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalStore implements ObjectStore on the local filesystem, one directory
// per bucket. Signed URLs point at the server's own /objects route and carry
// an HS256 token naming the object and its expiry.
type LocalStore struct {
	mu      sync.RWMutex
	root    string
	baseURL string
	secret  []byte
}

// objectClaims ties a token to one object.
type objectClaims struct {
	Bucket string `json:"bkt"`
	jwt.RegisteredClaims
}

// NewLocalStore creates a new LocalStore rooted at root. baseURL is the
// public prefix the /objects route is served under.
func NewLocalStore(root, baseURL string, secret []byte) (*LocalStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("local storage needs a signing secret")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
	}, nil
}

// ListBuckets returns the bucket directories in name order.
func (s *LocalStore) ListBuckets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading storage directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CreateBucket creates the bucket directory. Creating an existing bucket is
// not an error.
func (s *LocalStore) CreateBucket(_ context.Context, name string) error {
	dir, err := s.bucketDir(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating bucket directory: %w", err)
	}
	return nil
}

// Upload writes body to bucket/key. A partial write leaves nothing behind.
func (s *LocalStore) Upload(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		os.Remove(path)
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

// Remove deletes bucket/key. Removing a missing object is not an error.
func (s *LocalStore) Remove(_ context.Context, bucket, key string) error {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

// SignedURL returns a download URL for bucket/key valid for ttl.
func (s *LocalStore) SignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if _, err := s.objectPath(bucket, key); err != nil {
		return "", err
	}

	now := time.Now()
	claims := objectClaims{
		Bucket: bucket,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing download token: %w", err)
	}

	return fmt.Sprintf("%s/objects/%s/%s?token=%s",
		s.baseURL, url.PathEscape(bucket), url.PathEscape(key), url.QueryEscape(token)), nil
}

// Verify checks that token grants access to bucket/key and has not expired.
func (s *LocalStore) Verify(bucket, key, token string) error {
	var claims objectClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Bucket != bucket || claims.Subject != key {
		return fmt.Errorf("%w: token is for a different object", ErrInvalidToken)
	}
	return nil
}

// Open returns the object's file. The caller closes it.
func (s *LocalStore) Open(bucket, key string) (*os.File, error) {
	path, err := s.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("opening object: %w", err)
	}
	return f, nil
}

func (s *LocalStore) bucketDir(bucket string) (string, error) {
	if bucket == "" || bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	return filepath.Join(s.root, bucket), nil
}

func (s *LocalStore) objectPath(bucket, key string) (string, error) {
	dir, err := s.bucketDir(bucket)
	if err != nil {
		return "", err
	}
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(dir, key), nil
}

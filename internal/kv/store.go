// Package kv is a small key-value layer holding JSON documents under string
// keys, with prefix scans. Records of every kind share one keyspace and are
// told apart by their key prefix.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrBackend wraps failures reported by the underlying database.
var ErrBackend = errors.New("kv backend error")

// Entry is one key and its raw JSON value.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the KV contract shared by every backend. Implementations are safe
// for concurrent use. GetByPrefix returns entries sorted by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	GetByPrefix(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendDuckDB   = "duckdb"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the database file for the duckdb backend.
	Path string
	// DSN is the connection string for the postgres backend.
	DSN string
}

// Open creates the store named by opts.Backend. An empty backend means memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendDuckDB:
		return NewDuckDBStore(opts.Path)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown kv backend %q", opts.Backend)
	}
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// healthKey is never written; reading it only proves the backend answers.
const healthKey = "health:probe"

// Ping checks that the backend answers a read.
func Ping(ctx context.Context, s Store) error {
	_, err := s.Get(ctx, healthKey)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

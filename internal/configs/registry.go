// Package configs stores named extraction parameter snapshots.
package configs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docpipe/backend/internal/ids"
	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/models"
)

// Registry saves configurations under config:<ts>. Saved records are never
// modified.
type Registry struct {
	kv     kv.Store
	logger *slog.Logger
	now    func() time.Time
	ids    *ids.Generator
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now for savedAt and ids.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
		r.ids = ids.NewGenerator(now)
	}
}

// NewRegistry creates a configuration registry.
func NewRegistry(store kv.Store, opts ...Option) *Registry {
	r := &Registry{
		kv:     store,
		logger: slog.Default(),
		now:    time.Now,
		ids:    ids.NewGenerator(nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save stores params as a new configuration. A blank name becomes
// models.DefaultConfigurationName.
func (r *Registry) Save(ctx context.Context, params models.ExtractionParameters, name string) (*models.ConfigurationRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultConfigurationName
	}

	rec := &models.ConfigurationRecord{
		ID:         models.ConfigKeyPrefix + r.ids.Next(),
		Name:       name,
		SavedAt:    r.now().UTC(),
		Parameters: params,
	}

	// the id already carries the prefix, so it is the key
	if err := kv.SetJSON(ctx, r.kv, rec.ID, rec); err != nil {
		return nil, fmt.Errorf("saving configuration: %w", err)
	}

	r.logger.Info("configuration saved", "id", rec.ID, "name", rec.Name)
	return rec, nil
}

// List returns every saved configuration, newest first.
func (r *Registry) List(ctx context.Context) ([]models.ConfigurationRecord, error) {
	entries, err := r.kv.GetByPrefix(ctx, models.ConfigKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}

	records := make([]models.ConfigurationRecord, 0, len(entries))
	for _, e := range entries {
		var rec models.ConfigurationRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			r.logger.Warn("skipping unreadable configuration", "key", e.Key, "error", err)
			continue
		}
		if rec.ID == "" {
			rec.ID = e.Key
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].SavedAt.Equal(records[j].SavedAt) {
			return records[i].SavedAt.After(records[j].SavedAt)
		}
		return idAfter(records[i].ID, records[j].ID)
	})
	return records, nil
}

// idAfter compares ids of the same prefix numerically, longer ids being
// larger timestamps.
func idAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

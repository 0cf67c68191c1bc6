// Package badgerstore persists layer content in BadgerDB.
//
// Each layer is one key, "layer/<identifier>", whose value is a JSON record
// holding the storage metadata and the layer serialized with the format
// package. The store implements state.Store[layer.Data] and can back a
// layer.Registry through state.NewLoader.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/goliatone/go-scene/format"
	"github.com/goliatone/go-scene/layer"
	"github.com/goliatone/go-scene/pkg/state"
)

const keyPrefix = "layer/"

// Config holds configuration for a Store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's own log output and GC events.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns a durable configuration rooted at dir.
//
// Description:
//
//	Returns a Config with:
//	- SyncWrites enabled for durability
//	- 5-minute GC interval
//	- 50% discard ratio threshold
func DefaultConfig(dir string) Config {
	return Config{
		Path:           dir,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Store is a BadgerDB-backed state.Store[layer.Data].
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

var _ state.Store[layer.Data] = (*Store)(nil)

type record struct {
	Meta     state.Meta `json:"meta"`
	Document []byte     `json:"document"`
}

// Open opens the database described by cfg.
//
// Description:
//
//	Opens a BadgerDB database at the configured path, or in memory if
//	InMemory is true, and starts the GC loop when GCInterval is positive
//	on a persistent database.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if path is missing or the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badgerstore: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				s.logger.Debug("badger value log GC completed")
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func storageKey(ref state.Ref) ([]byte, error) {
	id, err := ref.Identifier()
	if err != nil {
		return nil, err
	}
	return []byte(keyPrefix + id), nil
}

// Load returns the stored content of ref.
func (s *Store) Load(ctx context.Context, ref state.Ref) (layer.Data, state.Meta, bool, error) {
	key, err := storageKey(ref)
	if err != nil {
		return layer.Data{}, state.Meta{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return layer.Data{}, state.Meta{}, false, err
	}

	var rec record
	found := false
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return layer.Data{}, state.Meta{}, false, fmt.Errorf("%w: badgerstore: %v", layer.ErrIO, err)
	}
	if !found {
		return layer.Data{}, state.Meta{}, false, nil
	}
	data, err := format.UnmarshalSource(string(key), rec.Document)
	if err != nil {
		return layer.Data{}, state.Meta{}, false, err
	}
	return data, rec.Meta, true, nil
}

// Save stores data for ref and returns the stored metadata with a fresh ETag.
func (s *Store) Save(ctx context.Context, ref state.Ref, data layer.Data, meta state.Meta) (state.Meta, error) {
	key, err := storageKey(ref)
	if err != nil {
		return state.Meta{}, err
	}
	if err := ctx.Err(); err != nil {
		return state.Meta{}, err
	}
	doc, err := format.Marshal(data)
	if err != nil {
		return state.Meta{}, err
	}

	saved := meta
	saved.ETag = uuid.NewString()
	if saved.SnapshotID == "" {
		saved.SnapshotID = saved.ETag
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(record{Meta: saved, Document: doc})
	if err != nil {
		return state.Meta{}, fmt.Errorf("badgerstore: encode record: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return state.Meta{}, fmt.Errorf("%w: badgerstore: %v", layer.ErrIO, err)
	}
	s.logger.Debug("layer stored", "layer", strings.TrimPrefix(string(key), keyPrefix), "bytes", len(doc))
	return saved, nil
}

// Delete removes ref. Deleting a missing layer is not an error.
func (s *Store) Delete(ctx context.Context, ref state.Ref) error {
	key, err := storageKey(ref)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("%w: badgerstore: %v", layer.ErrIO, err)
	}
	return nil
}

// Identifiers lists the stored layer identifiers in key order.
func (s *Store) Identifiers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: badgerstore: %v", layer.ErrIO, err)
	}
	return out, nil
}

package hostfn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/capability"
	werrors "github.com/wippyai/wasm-actors/errors"
)

// StorageConfig configures the key-value store behind the storage host functions.
type StorageConfig struct {
	// Path of the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// MaxValue bounds a stored value. Zero means 1 MiB.
	MaxValue int
	Logger   *zap.Logger
}

// InMemoryStorageConfig returns a config for tests and ephemeral runtimes.
func InMemoryStorageConfig() StorageConfig {
	return StorageConfig{InMemory: true}
}

// Storage is a badger-backed key-value store with one keyspace per component.
// Resources are "ns:key" strings; a component never sees another's keys.
type Storage struct {
	db       *badger.DB
	maxValue int
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }

// OpenStorage opens the database described by cfg.
func OpenStorage(cfg StorageConfig) (*Storage, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, werrors.InvalidInput(werrors.PhaseHost, "storage path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{s: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, werrors.Wrap(werrors.PhaseHost, werrors.KindIO, err, "open storage")
	}
	maxValue := cfg.MaxValue
	if maxValue <= 0 {
		maxValue = 1 << 20
	}
	return &Storage{db: db, maxValue: maxValue}, nil
}

// Close flushes and closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func splitResource(resource string) (ns, key string, err error) {
	ns, key, ok := strings.Cut(resource, ":")
	if !ok || ns == "" || key == "" {
		return "", "", werrors.InvalidInput(werrors.PhaseHost,
			fmt.Sprintf("storage resource %q must be ns:key", resource))
	}
	return ns, key, nil
}

// dbKey places resource inside the keyspace of id.
func dbKey(id wasmactors.ComponentID, resource string) []byte {
	k := make([]byte, 0, len(id)+1+len(resource))
	k = append(k, id...)
	k = append(k, 0)
	return append(k, resource...)
}

func caller(ctx context.Context) wasmactors.ComponentID {
	id, _ := capability.ComponentFrom(ctx)
	return id
}

func (s *Storage) txn(ctx context.Context, update bool, fn func(*badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if update {
		return s.db.Update(fn)
	}
	return s.db.View(fn)
}

// Get returns the value stored under resource.
func (s *Storage) Get(ctx context.Context, resource string) ([]byte, error) {
	if _, _, err := splitResource(resource); err != nil {
		return nil, err
	}
	if err := capability.Require(ctx, capability.StorageScope, resource, capability.PermRead); err != nil {
		return nil, err
	}

	var out []byte
	err := s.txn(ctx, false, func(txn *badger.Txn) error {
		item, err := txn.Get(dbKey(caller(ctx), resource))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, werrors.New(werrors.PhaseHost, werrors.KindIO).Resource(resource).Cause(ErrNotFound).Build()
	}
	if err != nil {
		return nil, ioError(resource, err)
	}
	return out, nil
}

// Set stores value under resource.
func (s *Storage) Set(ctx context.Context, resource string, value []byte) error {
	if _, _, err := splitResource(resource); err != nil {
		return err
	}
	if len(value) > s.maxValue {
		return werrors.New(werrors.PhaseHost, werrors.KindResourceExhausted).
			Resource(resource).Detail("value is %d bytes, limit %d", len(value), s.maxValue).Build()
	}
	if err := capability.Require(ctx, capability.StorageScope, resource, capability.PermWrite); err != nil {
		return err
	}
	err := s.txn(ctx, true, func(txn *badger.Txn) error {
		return txn.Set(dbKey(caller(ctx), resource), bytes.Clone(value))
	})
	if err != nil {
		return ioError(resource, err)
	}
	return nil
}

// Delete removes resource. Deleting a missing key succeeds.
func (s *Storage) Delete(ctx context.Context, resource string) error {
	if _, _, err := splitResource(resource); err != nil {
		return err
	}
	if err := capability.Require(ctx, capability.StorageScope, resource, capability.PermDelete); err != nil {
		return err
	}
	err := s.txn(ctx, true, func(txn *badger.Txn) error {
		return txn.Delete(dbKey(caller(ctx), resource))
	})
	if err != nil {
		return ioError(resource, err)
	}
	return nil
}

// List returns the sorted resources stored in namespace ns.
// The permission is checked on "ns:*".
func (s *Storage) List(ctx context.Context, ns string) ([]string, error) {
	if ns == "" || strings.ContainsAny(ns, "*?") {
		return nil, werrors.InvalidInput(werrors.PhaseHost, fmt.Sprintf("invalid storage namespace %q", ns))
	}
	if err := capability.Require(ctx, capability.StorageScope, ns+":*", capability.PermList); err != nil {
		return nil, err
	}

	id := caller(ctx)
	prefix := dbKey(id, ns+":")
	strip := len(id) + 1

	var out []string
	err := s.txn(ctx, false, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, string(it.Item().Key()[strip:]))
		}
		return nil
	})
	if err != nil {
		return nil, ioError(ns, err)
	}
	return out, nil
}

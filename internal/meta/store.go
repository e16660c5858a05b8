package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store persists io class configurations and core bindings per cache so a
// restarted daemon comes back with the same classes and cores.
type Store interface {
	SaveClasses(ctx context.Context, cache string, specs []ioclass.ClassSpec) error
	LoadClasses(ctx context.Context, cache string) (*ClassRecord, error)
	SaveCore(ctx context.Context, cache string, core CoreBinding) error
	DeleteCore(ctx context.Context, cache string, coreID uint16) error
	ListCores(ctx context.Context, cache string) ([]CoreBinding, error)
	ListCaches(ctx context.Context) ([]string, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB metadata store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func (s *BoltStore) ensureCacheBuckets(tx *bbolt.Tx, cache string) (*bbolt.Bucket, error) {
	caches, err := tx.CreateBucketIfNotExists(bucketCaches)
	if err != nil {
		return nil, err
	}
	cb, err := caches.CreateBucketIfNotExists(cacheBucketName(cache))
	if err != nil {
		return nil, err
	}
	for _, name := range [][]byte{subBucketIOClass, subBucketCores} {
		if _, err := cb.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return cb, nil
}

func (s *BoltStore) getCacheBucket(tx *bbolt.Tx, cache string) *bbolt.Bucket {
	caches := tx.Bucket(bucketCaches)
	if caches == nil {
		return nil
	}
	return caches.Bucket(cacheBucketName(cache))
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *BoltStore) SaveClasses(_ context.Context, cache string, specs []ioclass.ClassSpec) error {
	rec := ClassRecord{Cache: cache, Specs: specs, LoadedAt: time.Now()}
	data, err := encode(&rec)
	if err != nil {
		return fmt.Errorf("encoding io classes: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		cb, err := s.ensureCacheBuckets(tx, cache)
		if err != nil {
			return err
		}
		return cb.Bucket(subBucketIOClass).Put(keyCurrentIOClass, data)
	})
}

// LoadClasses returns the persisted config of cache, or nil if none was saved.
func (s *BoltStore) LoadClasses(_ context.Context, cache string) (*ClassRecord, error) {
	var rec *ClassRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cb := s.getCacheBucket(tx, cache)
		if cb == nil {
			return nil
		}
		raw := cb.Bucket(subBucketIOClass).Get(keyCurrentIOClass)
		if raw == nil {
			return nil
		}
		rec = &ClassRecord{}
		return decode(raw, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("loading io classes of cache %q: %w", cache, err)
	}
	return rec, nil
}

func (s *BoltStore) SaveCore(_ context.Context, cache string, core CoreBinding) error {
	if core.AttachedAt.IsZero() {
		core.AttachedAt = time.Now()
	}
	data, err := encode(&core)
	if err != nil {
		return fmt.Errorf("encoding core binding: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		cb, err := s.ensureCacheBuckets(tx, cache)
		if err != nil {
			return err
		}
		return cb.Bucket(subBucketCores).Put(coreKey(core.ID), data)
	})
}

func (s *BoltStore) DeleteCore(_ context.Context, cache string, coreID uint16) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cb := s.getCacheBucket(tx, cache)
		if cb == nil {
			return nil
		}
		return cb.Bucket(subBucketCores).Delete(coreKey(coreID))
	})
}

// ListCores returns the bindings of cache ordered by core id.
func (s *BoltStore) ListCores(_ context.Context, cache string) ([]CoreBinding, error) {
	var cores []CoreBinding
	err := s.db.View(func(tx *bbolt.Tx) error {
		cb := s.getCacheBucket(tx, cache)
		if cb == nil {
			return nil
		}
		return cb.Bucket(subBucketCores).ForEach(func(k, v []byte) error {
			var b CoreBinding
			if err := decode(v, &b); err != nil {
				return err
			}
			cores = append(cores, b)
			return nil
		})
	})
	return cores, err
}

func (s *BoltStore) ListCaches(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		if caches == nil {
			return nil
		}
		return caches.ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

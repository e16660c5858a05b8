package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	if err := s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return nil
		}
		var err error
		version, err = decodeSchemaVersion(v)
		return err
	}); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 adds the cores sub-bucket to every existing cache bucket.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if caches := tx.Bucket(bucketCaches); caches != nil {
			var names [][]byte
			if err := caches.ForEach(func(k, v []byte) error {
				if v == nil {
					names = append(names, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, name := range names {
				if _, err := caches.Bucket(name).CreateBucketIfNotExists(subBucketCores); err != nil {
					return err
				}
			}
		}

		// Update schema version
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}

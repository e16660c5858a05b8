package meta

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/cas-ioclass/internal/ioclass"
)

// Bucket names in BoltDB.
var (
	bucketSystem      = []byte("system")
	bucketCaches      = []byte("caches")
	keySchemaVersion  = []byte("schema_version")
	subBucketIOClass  = []byte("ioclass")
	keyCurrentIOClass = []byte("current")

	// Schema v2: core bindings
	subBucketCores = []byte("cores")
)

const currentSchemaVersion = 2

// ErrCorrupt is returned when stored metadata cannot be decoded.
var ErrCorrupt = errors.New("corrupt metadata")

// ClassRecord is the last io class configuration loaded into a cache.
type ClassRecord struct {
	Cache    string
	Specs    []ioclass.ClassSpec
	LoadedAt time.Time
}

// CoreBinding ties a core id to the device path it was attached with.
type CoreBinding struct {
	ID         uint16
	Path       string
	AttachedAt time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func decodeSchemaVersion(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("schema version is %d bytes: %w", len(b), ErrCorrupt)
	}
	v := bytesToUint64(b)
	if v == 0 || v > currentSchemaVersion {
		return 0, fmt.Errorf("unsupported schema version %d: %w", v, ErrCorrupt)
	}
	return v, nil
}

func coreKey(id uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, id)
	return b
}

func cacheBucketName(cache string) []byte {
	return []byte(cache)
}

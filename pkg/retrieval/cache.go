// Package retrieval holds the embedding cache and the hybrid retriever
// that fuses keyword, semantic and temporal scores over the turn log.
package retrieval

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	"gryag/pkg/logging"

	"go.uber.org/zap"
)

var cacheBucket = []byte("embeddings")

// CacheStats are the telemetry counters of the embedding cache.
type CacheStats struct {
	Hits   uint64
	Misses uint64
	Stores uint64
}

// EmbeddingCache is a content-addressed (sha256 of text) LRU with a
// durable bbolt backing. Writes go through to disk; the in-memory layer
// only bounds hot-path lookups.
type EmbeddingCache struct {
	mem  *lru.Cache[[32]byte, []float32]
	db   *bolt.DB
	hits, misses, stores atomic.Uint64
}

// OpenCache opens (creating if needed) the durable cache at path with the
// given in-memory ceiling.
func OpenCache(path string, entries int) (*EmbeddingCache, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("embed cache: create dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("embed cache: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("embed cache: init bucket: %w", err)
	}

	mem, err := lru.New[[32]byte, []float32](entries)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &EmbeddingCache{mem: mem, db: db}, nil
}

// Close releases the durable backing.
func (c *EmbeddingCache) Close() error { return c.db.Close() }

// Get returns the cached vector for text, or nil on miss.
func (c *EmbeddingCache) Get(text string) []float32 {
	key := sha256.Sum256([]byte(text))
	if vec, ok := c.mem.Get(key); ok {
		c.hits.Add(1)
		return vec
	}
	var vec []float32
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cacheBucket).Get(key[:])
		if raw == nil {
			return nil
		}
		vec = decodeVector(raw)
		return nil
	})
	if err != nil {
		logging.Warn("embed cache read failed", zap.Error(err))
	}
	if vec == nil {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	c.mem.Add(key, vec)
	return vec
}

// Put stores a vector for text, writing through to the durable layer.
func (c *EmbeddingCache) Put(text string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	key := sha256.Sum256([]byte(text))
	c.mem.Add(key, vec)
	c.stores.Add(1)
	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put(key[:], encodeVector(vec))
	}); err != nil {
		logging.Warn("embed cache write failed", zap.Error(err))
	}
}

// Stats returns a snapshot of the telemetry counters.
func (c *EmbeddingCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stores: c.stores.Load(),
	}
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func decodeVector(raw []byte) []float32 {
	if len(raw)%4 != 0 {
		return nil
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

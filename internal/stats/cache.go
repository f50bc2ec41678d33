package stats

import (
	"bytes"
	"encoding/hex"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/zeebo/blake3"
)

// Blob is one published snapshot: its JSON, the raw-deflate body served to
// clients and a content digest usable as an ETag.
type Blob struct {
	Raw        []byte
	Compressed []byte
	ETag       string
	Updated    time.Time
}

// Cache holds the latest published blob. Readers never see a partially
// built blob; each Store replaces it wholesale.
type Cache struct {
	mu   sync.RWMutex
	blob *Blob
}

// emptyObject is served before the first successful cycle
var emptyObject = []byte("{}")

// NewCache creates a cache holding the empty object
func NewCache() *Cache {
	c := &Cache{}
	blob, err := newBlob(emptyObject, time.Time{})
	if err != nil {
		// flate never fails writing to a bytes.Buffer at a valid level
		panic(err)
	}
	c.blob = blob
	return c
}

// Load returns the current blob
func (c *Cache) Load() *Blob {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blob
}

// Store compresses raw and makes it the current blob
func (c *Cache) Store(raw []byte, updated time.Time) (*Blob, error) {
	blob, err := newBlob(raw, updated)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.blob = blob
	c.mu.Unlock()
	return blob, nil
}

func newBlob(raw []byte, updated time.Time) (*Blob, error) {
	compressed, err := Deflate(raw)
	if err != nil {
		return nil, err
	}

	sum := blake3.Sum256(raw)
	return &Blob{
		Raw:        raw,
		Compressed: compressed,
		ETag:       `"` + hex.EncodeToString(sum[:16]) + `"`,
		Updated:    updated,
	}, nil
}

// Deflate compresses data as a raw deflate stream with no zlib header
func Deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

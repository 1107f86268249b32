package semantic

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

// entry is what gets persisted per capability: its content address (so a
// reload can detect metadata drift) alongside the vector itself.
type entry struct {
	CID    string
	Vector []float64
}

// Cache persists computed embedding vectors to disk, addressed by a CID
// built from a BLAKE3 multihash of the capability's metadata. Re-embedding
// is skipped whenever the stored CID still matches the capability's
// current metadata — cache invalidation is a content-address mismatch,
// not a TTL.
type Cache struct {
	path string

	mu      sync.Mutex
	entries map[string]entry // cap_id -> entry
}

// OpenCache loads an existing cache file at path, or starts an empty one
// if it doesn't exist yet.
func OpenCache(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[string]entry)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("semantic: read cache: %w", err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c.entries); err != nil {
		return nil, fmt.Errorf("semantic: decode cache: %w", err)
	}
	return c, nil
}

// Get returns the cached vector for cap, only if its metadata still
// hashes to the CID the vector was stored under.
func (c *Cache) Get(cap *meshmodel.Capability) ([]float64, bool) {
	id, err := metadataCID(cap)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cap.CapID]
	if !ok || e.CID != id.String() {
		return nil, false
	}
	return e.Vector, true
}

// Put stores vec for cap, addressed by the current metadata CID.
func (c *Cache) Put(cap *meshmodel.Capability, vec []float64) error {
	id, err := metadataCID(cap)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[cap.CapID] = entry{CID: id.String(), Vector: vec}
	c.mu.Unlock()
	return nil
}

// Save persists the cache to disk atomically (temp file + rename), the
// same pattern internal/reputation and internal/token use for their
// on-disk state.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c.entries); err != nil {
		return fmt.Errorf("semantic: encode cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("semantic: create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".embeddings-*.tmp")
	if err != nil {
		return fmt.Errorf("semantic: create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("semantic: write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("semantic: close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("semantic: rename cache file: %w", err)
	}
	return nil
}

// metadataCID builds a CIDv1 (raw codec) from the BLAKE3 multihash of a
// capability's identity-relevant metadata: changing the label,
// description, tools, or topics must change the CID, since those
// are exactly what capabilityText embeds.
func metadataCID(cap *meshmodel.Capability) (cid.Cid, error) {
	digest, err := mh.Sum([]byte(capabilityText(cap)), mh.BLAKE3, 32)
	if err != nil {
		return cid.Undef, fmt.Errorf("semantic: hash metadata: %w", err)
	}
	return cid.NewCidV1(cid.Raw, digest), nil
}

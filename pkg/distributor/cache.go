package distributor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
)

const indexFile = "index.json"

// indexEntry records one verified (name, version).
type indexEntry struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Checksum          string    `json:"checksum"`
	URL               string    `json:"url"`
	SignatureVerified bool      `json:"signature_verified"`
	FetchedAt         time.Time `json:"fetched_at"`
}

// cache is the content-addressed artifact store:
//
//	<root>/sha256/<hex>   verified artifacts
//	<root>/tmp/           in-flight downloads
//	<root>/index.json     name@version -> entry
type cache struct {
	root string

	mu    sync.Mutex
	index map[string]indexEntry
}

func openCache(root string) (*cache, error) {
	for _, dir := range []string{filepath.Join(root, "sha256"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cacheError("create", err)
		}
	}

	c := &cache{root: root, index: make(map[string]indexEntry)}
	data, err := os.ReadFile(filepath.Join(root, indexFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, cacheError("read index", err)
	}
	if err := json.Unmarshal(data, &c.index); err != nil {
		return nil, cacheError("decode index", err)
	}
	return c, nil
}

func indexKey(name, version string) string {
	return name + "@" + version
}

func (c *cache) path(checksum string) string {
	return filepath.Join(c.root, "sha256", checksum)
}

func (c *cache) lookup(name, version string) (indexEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[indexKey(name, version)]
	return e, ok
}

// verify rehashes a cached artifact.
func (c *cache) verify(checksum string) bool {
	f, err := os.Open(c.path(checksum))
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == checksum
}

func (c *cache) tempFile() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "download-*")
	if err != nil {
		return nil, cacheError("create temp file", err)
	}
	return f, nil
}

// store moves a verified download into place and records it. A previous
// entry for the same (name, version) is replaced.
func (c *cache) store(tmp string, entry indexEntry) error {
	if err := os.Rename(tmp, c.path(entry.Checksum)); err != nil {
		return cacheError("store artifact", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.index[indexKey(entry.Name, entry.Version)] = entry
	return c.persistLocked()
}

func (c *cache) persistLocked() error {
	data, err := json.MarshalIndent(c.index, "", "  ")
	if err != nil {
		return cacheError("encode index", err)
	}

	f, err := os.CreateTemp(c.root, indexFile+".*")
	if err != nil {
		return cacheError("write index", err)
	}
	_, werr := f.Write(data)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(f.Name())
		return cacheError("write index", err)
	}
	if err := os.Rename(f.Name(), filepath.Join(c.root, indexFile)); err != nil {
		return cacheError("write index", err)
	}
	return nil
}

// entries returns a copy of the index.
func (c *cache) entries() []indexEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]indexEntry, 0, len(c.index))
	for _, e := range c.index {
		out = append(out, e)
	}
	return out
}

func cacheError(op string, err error) error {
	return engine.NewStorageError("artifact cache failure", err).WithOperation(op)
}

package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Persistent is the on-disk, hex-encoded-key-as-filename artifact store
// (§4.3's fourth level, "spilling from L3 when it overflows"). The
// directory-creation and per-cache-mutex shape mirrors the teacher's
// file-backed compilation cache; unlike that cache, entries here are
// raw compiled machine code blobs, not whole modules, so serialization
// is the caller's responsibility (Store/Load take []byte).
type Persistent struct {
	dirPath string
	dirOk   bool
	mu      sync.RWMutex
	log     zerolog.Logger
}

// NewPersistent returns a Persistent store rooted at dir. The directory
// is created lazily on first write, not at construction.
func NewPersistent(dir string, log zerolog.Logger) *Persistent {
	return &Persistent{dirPath: dir, log: log.With().Str("component", "persistent_cache").Logger()}
}

func keyFilename(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (p *Persistent) path(key string) string {
	return filepath.Join(p.dirPath, keyFilename(key))
}

// Load reads the bytes stored under key, returning ok=false (no error)
// if nothing is present.
func (p *Persistent) Load(key string) (data []byte, ok bool, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	f, err := os.Open(p.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	defer f.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, f); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}

// Store writes data under key, creating the backing directory on first
// use.
func (p *Persistent) Store(key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.requireDir(); err != nil {
		return err
	}
	f, err := os.Create(p.path(key))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("persistent cache write failed")
	}
	return err
}

// Delete removes the entry for key, treating a missing file as success.
func (p *Persistent) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := os.Remove(p.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (p *Persistent) requireDir() error {
	if p.dirOk {
		return nil
	}
	s, err := os.Stat(p.dirPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(p.dirPath, 0o700); err != nil {
			return fmt.Errorf("persistent cache: couldn't create dir %s: %w", p.dirPath, err)
		}
	} else if err != nil {
		return fmt.Errorf("persistent cache: couldn't stat dir %s: %w", p.dirPath, err)
	} else if !s.IsDir() {
		return fmt.Errorf("persistent cache: expected dir at %s", p.dirPath)
	}
	p.dirOk = true
	return nil
}

// Package blobs is a content-addressed byte store. Each store is bound to one
// 32-byte key, lives in its own directory, and addresses blobs by SHA-256.
package blobs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/MarcoPoloResearchLab/ministudio/internal/keys"
)

const (
	objectsDir = "objects"
	tempDir    = "tmp"
	hashLength = 64
)

var (
	// ErrNotFound indicates that the store holds no blob with the hash.
	ErrNotFound = errors.New("blobs: blob not found")
	// ErrInvalidHash indicates a hash that is not 64 lowercase hex characters.
	ErrInvalidHash = errors.New("blobs: invalid hash")
	// ErrHashMismatch indicates replicated bytes that do not match their hash.
	ErrHashMismatch = errors.New("blobs: content does not match hash")
	// ErrClosed indicates use of a closed store.
	ErrClosed = errors.New("blobs: store closed")
)

// Locator addresses a stored blob.
type Locator struct {
	Hash       string `json:"hash"`
	ByteLength int64  `json:"byteLength"`
}

// Root is a directory of blob stores keyed by their hex key.
type Root struct {
	fs  afero.Fs
	dir string
}

// NewRoot returns a root rooted at dir on fs. A nil fs means the OS filesystem.
func NewRoot(fs afero.Fs, dir string) *Root {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Root{fs: fs, dir: dir}
}

// Create makes a store under a freshly generated key.
func (r *Root) Create() (*Store, error) {
	key, err := keys.Generate()
	if err != nil {
		return nil, fmt.Errorf("blobs: generate key: %w", err)
	}
	return r.Open(key)
}

// Open returns the store for key, creating its directory when needed.
func (r *Root) Open(key []byte) (*Store, error) {
	if len(key) != keys.Size {
		return nil, keys.ErrInvalidKey
	}
	storeDir := filepath.Join(r.dir, keys.Encode(key))
	for _, dir := range []string{filepath.Join(storeDir, objectsDir), filepath.Join(storeDir, tempDir)} {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("blobs: create store dir: %w", err)
		}
	}
	keyCopy := append([]byte(nil), key...)
	return &Store{
		fs:           r.fs,
		dir:          storeDir,
		key:          keyCopy,
		discoveryKey: keys.DiscoveryKey(keyCopy),
	}, nil
}

// Store holds the blobs of one core.
type Store struct {
	fs           afero.Fs
	dir          string
	key          []byte
	discoveryKey []byte

	mu     sync.RWMutex
	closed bool
}

// ID is the hex key peers and links use to name the store.
func (s *Store) ID() string {
	return keys.Encode(s.key)
}

func (s *Store) Key() []byte {
	return append([]byte(nil), s.key...)
}

// DiscoveryKey is the rendezvous topic for replicating this store.
func (s *Store) DiscoveryKey() []byte {
	return append([]byte(nil), s.discoveryKey...)
}

// CreateWriteStream opens a writer for one new blob.
func (s *Store) CreateWriteStream() (*Writer, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	file, err := afero.TempFile(s.fs, filepath.Join(s.dir, tempDir), "blob-*")
	if err != nil {
		return nil, fmt.Errorf("blobs: create temp file: %w", err)
	}
	return newWriter(s, file), nil
}

// Write streams source fully into the store. A failed source leaves nothing
// behind.
func (s *Store) Write(ctx context.Context, source io.Reader) (Locator, error) {
	writer, err := s.CreateWriteStream()
	if err != nil {
		return Locator{}, err
	}
	if _, err := io.Copy(writer, contextReader{ctx: ctx, reader: source}); err != nil {
		writer.Abort()
		return Locator{}, fmt.Errorf("blobs: write: %w", err)
	}
	return writer.Close()
}

// Put ingests a replicated blob, rejecting bytes that do not hash to hash.
func (s *Store) Put(ctx context.Context, hash string, source io.Reader) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	if s.Has(hash) {
		return nil
	}
	writer, err := s.CreateWriteStream()
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, contextReader{ctx: ctx, reader: source}); err != nil {
		writer.Abort()
		return fmt.Errorf("blobs: put: %w", err)
	}
	if writer.Sum() != hash {
		writer.Abort()
		return fmt.Errorf("%w: %s", ErrHashMismatch, hash)
	}
	_, err = writer.Close()
	return err
}

// Has reports whether the blob is stored locally.
func (s *Store) Has(hash string) bool {
	if ValidateHash(hash) != nil || s.ensureOpen() != nil {
		return false
	}
	exists, err := afero.Exists(s.fs, s.objectPath(hash))
	return err == nil && exists
}

// Stat returns the locator of a stored blob.
func (s *Store) Stat(hash string) (Locator, error) {
	if err := ValidateHash(hash); err != nil {
		return Locator{}, err
	}
	info, err := s.fs.Stat(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return Locator{}, ErrNotFound
		}
		return Locator{}, fmt.Errorf("blobs: stat: %w", err)
	}
	return Locator{Hash: hash, ByteLength: info.Size()}, nil
}

// Open returns a seekable reader over a stored blob.
func (s *Store) Open(hash string) (afero.File, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	file, err := s.fs.Open(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobs: open: %w", err)
	}
	return file, nil
}

// OpenBlob serves replication reads.
func (s *Store) OpenBlob(hash string) (io.ReadCloser, error) {
	return s.Open(hash)
}

// Close releases the store. Writers already in flight may still commit.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.dir, objectsDir, hash[:2], hash)
}

// ValidateHash checks the canonical blob hash form.
func ValidateHash(hash string) error {
	if len(hash) != hashLength || strings.ToLower(hash) != hash {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}

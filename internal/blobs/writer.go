package blobs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"path/filepath"

	"github.com/spf13/afero"
)

var errWriterDone = errors.New("blobs: writer already finished")

// Writer accumulates one blob. Close commits it under its hash; Abort drops it.
type Writer struct {
	store  *Store
	file   afero.File
	hasher hash.Hash
	length int64
	done   bool
}

func newWriter(store *Store, file afero.File) *Writer {
	return &Writer{store: store, file: file, hasher: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errWriterDone
	}
	n, err := w.file.Write(p)
	w.hasher.Write(p[:n])
	w.length += int64(n)
	return n, err
}

// Sum is the hex SHA-256 of the bytes written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.hasher.Sum(nil))
}

// Close commits the blob and returns its locator.
func (w *Writer) Close() (Locator, error) {
	if w.done {
		return Locator{}, errWriterDone
	}
	w.done = true
	tempName := w.file.Name()
	if err := w.file.Close(); err != nil {
		_ = w.store.fs.Remove(tempName)
		return Locator{}, fmt.Errorf("blobs: close temp file: %w", err)
	}
	locator := Locator{Hash: w.Sum(), ByteLength: w.length}
	target := w.store.objectPath(locator.Hash)
	if exists, _ := afero.Exists(w.store.fs, target); exists {
		_ = w.store.fs.Remove(tempName)
		return locator, nil
	}
	if err := w.store.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		_ = w.store.fs.Remove(tempName)
		return Locator{}, fmt.Errorf("blobs: create object dir: %w", err)
	}
	if err := w.store.fs.Rename(tempName, target); err != nil {
		_ = w.store.fs.Remove(tempName)
		return Locator{}, fmt.Errorf("blobs: commit blob: %w", err)
	}
	return locator, nil
}

// Abort discards everything written.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	tempName := w.file.Name()
	_ = w.file.Close()
	_ = w.store.fs.Remove(tempName)
}

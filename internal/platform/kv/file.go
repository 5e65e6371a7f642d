package kv

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// File persists console state in a single sealed JSON file. The payload is
// encrypted with NaCl secretbox so the bearer token never lands on disk in
// the clear. The secret is stretched to the 32-byte box key with SHA-256.
type File struct {
	mu   sync.Mutex
	path string
	key  [32]byte
}

// NewFile constructs a file-backed store at path sealed with secret.
func NewFile(path, secret string) (*File, error) {
	if path == "" {
		return nil, errors.New("kv/file: path required")
	}
	if secret == "" {
		return nil, errors.New("kv/file: secret required")
	}
	f := &File{path: path, key: sha256.Sum256([]byte(secret))}
	return f, nil
}

// Get implements Store.
func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set implements Store.
func (f *File) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	return f.save(values)
}

// Delete implements Store.
func (f *File) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	delete(values, key)
	return f.save(values)
}

// Clear implements Store. One sealed write covers all keys.
func (f *File) Clear(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	for _, key := range keys {
		delete(values, key)
	}
	return f.save(values)
}

func (f *File) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("kv/file: read: %w", err)
	}
	if len(raw) < 24 {
		return nil, errors.New("kv/file: sealed payload truncated")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, &f.key)
	if !ok {
		return nil, errors.New("kv/file: seal broken, wrong secret or corrupt file")
	}
	values := make(map[string]string)
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("kv/file: decode: %w", err)
	}
	return values, nil
}

func (f *File) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("kv/file: encode: %w", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("kv/file: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &f.key)

	// Write-then-rename keeps a crashed write from destroying the old state.
	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("kv/file: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("kv/file: write: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("kv/file: rename: %w", err)
	}
	return nil
}

var _ Store = (*File)(nil)

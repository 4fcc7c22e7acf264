// Package authstore persists session credentials under an auth directory,
// optionally sealed with an age X25519 identity.
package authstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	PlainFile  = "creds.json"
	SealedFile = "creds.json.age"
)

var ErrSealedWithoutIdentity = errors.New("authstore: sealed credentials found but no identity configured")

// FileStore implements session.CredentialStore on the local filesystem.
type FileStore struct {
	identity *age.X25519Identity
	mu       sync.Mutex
}

// NewFileStore returns a plaintext store.
func NewFileStore() *FileStore {
	return &FileStore{}
}

// NewSealedStore returns a store that encrypts credentials to identity.
func NewSealedStore(identity *age.X25519Identity) *FileStore {
	return &FileStore{identity: identity}
}

// LoadOrCreateIdentity reads an AGE-SECRET-KEY-1 identity from path,
// generating and writing a new one (0600) when the file does not exist.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		identity, parseErr := age.ParseX25519Identity(strings.TrimSpace(string(raw)))
		if parseErr != nil {
			return nil, fmt.Errorf("authstore: parse identity %s: %w", path, parseErr)
		}
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("authstore: read identity %s: %w", path, err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("authstore: generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("authstore: create identity dir: %w", err)
	}
	if err := writeAtomic(path, []byte(identity.String()+"\n")); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Str("recipient", identity.Recipient().String()).Msg("generated credential identity")
	return identity, nil
}

func (s *FileStore) fileName() string {
	if s.identity != nil {
		return SealedFile
	}
	return PlainFile
}

// LoadOrCreate returns the stored credentials or empty ones for a fresh
// pairing. The directory is created when missing.
func (s *FileStore) LoadOrCreate(_ context.Context, dir string) (session.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return session.Credentials{}, fmt.Errorf("authstore: create %s: %w", dir, err)
	}
	if s.identity == nil {
		if _, err := os.Stat(filepath.Join(dir, SealedFile)); err == nil {
			return session.Credentials{}, ErrSealedWithoutIdentity
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, s.fileName()))
	if errors.Is(err, os.ErrNotExist) {
		return session.Credentials{}, nil
	}
	if err != nil {
		return session.Credentials{}, fmt.Errorf("authstore: read credentials: %w", err)
	}
	if s.identity != nil {
		if raw, err = s.open(raw); err != nil {
			return session.Credentials{}, err
		}
	}
	var creds session.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return session.Credentials{}, fmt.Errorf("authstore: decode credentials: %w", err)
	}
	return creds, nil
}

// Save writes creds atomically.
func (s *FileStore) Save(_ context.Context, dir string, creds session.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("authstore: encode credentials: %w", err)
	}
	if s.identity != nil {
		if raw, err = s.seal(raw); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("authstore: create %s: %w", dir, err)
	}
	return writeAtomic(filepath.Join(dir, s.fileName()), raw)
}

// Clear removes stored credentials, forcing a fresh pairing.
func (s *FileStore) Clear(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{PlainFile, SealedFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("authstore: remove %s: %w", name, err)
		}
	}
	return nil
}

func (s *FileStore) seal(plaintext []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := age.Encrypt(&out, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("authstore: create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("authstore: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("authstore: finalize encryption: %w", err)
	}
	return out.Bytes(), nil
}

func (s *FileStore) open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("authstore: decrypt credentials: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("authstore: read decrypted credentials: %w", err)
	}
	return plaintext, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("authstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("authstore: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("authstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("authstore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("authstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("authstore: rename %s: %w", path, err)
	}
	return nil
}

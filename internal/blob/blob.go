// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blob stores attachment bytes outside the database.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend names recorded on attachment rows.
const (
	BackendLocal = "local"
	BackendNone  = "none"
)

// Metadata describes the bytes being stored.
type Metadata struct {
	MessageID   string
	Filename    string
	ContentType string
}

// Object is what a backend returns for stored bytes.
type Object struct {
	StorageKey  string
	Backend     string
	ContentHash string
	Size        int64
}

// Storage persists attachment bytes under id.
type Storage interface {
	Store(ctx context.Context, id string, data []byte, meta Metadata) (*Object, error)
}

// ContentHash is the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LocalStorage writes attachments under a base directory, sharded by the
// first two characters of the id.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("blob: base path is empty")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create base directory: %w", err)
	}
	return &LocalStorage{basePath: abs}, nil
}

func (s *LocalStorage) Store(_ context.Context, id string, data []byte, _ Metadata) (*Object, error) {
	if len(id) < 3 || strings.ContainsAny(id, `/\.`) {
		return nil, fmt.Errorf("blob: invalid object id %q", id)
	}
	key := filepath.Join(id[:2], id)
	path := filepath.Join(s.basePath, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("blob: create directory: %w", err)
	}

	// Write to a temporary name first so readers never see partial files.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("blob: rename %s: %w", key, err)
	}

	return &Object{
		StorageKey:  filepath.ToSlash(key),
		Backend:     BackendLocal,
		ContentHash: ContentHash(data),
		Size:        int64(len(data)),
	}, nil
}

// Open reads back a stored object.
func (s *LocalStorage) Open(key string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("blob: invalid key %q", key)
	}
	return os.ReadFile(filepath.Join(s.basePath, clean))
}

// Discard records metadata only; it is used when no backend is configured.
type Discard struct{}

func (Discard) Store(_ context.Context, _ string, data []byte, _ Metadata) (*Object, error) {
	return &Object{
		Backend:     BackendNone,
		ContentHash: ContentHash(data),
		Size:        int64(len(data)),
	}, nil
}

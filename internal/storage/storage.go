// Package storage persists report result envelopes and reads them back for
// downloads. A location string returned by Put is the only handle callers
// keep: a filesystem path for the local store, s3://bucket/key for S3 and
// mem://key for the in-process store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ignite/adreport/internal/config"
	"github.com/ignite/adreport/internal/pkg/awsutil"
)

// ErrNotFound is returned when a location has no stored object.
var ErrNotFound = errors.New("result not found")

// ResultStore writes and reads stored results.
type ResultStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
}

// New creates the result store selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig, awsCfg config.AWSConfig) (ResultStore, error) {
	switch cfg.Type {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage: s3_bucket is required for s3 storage")
		}
		ac, err := awsutil.Load(ctx, awsCfg)
		if err != nil {
			return nil, fmt.Errorf("initializing S3 storage: %w", err)
		}
		return NewS3Store(NewS3Client(ac, awsCfg.Endpoint != ""), cfg.S3Bucket, cfg.S3Prefix), nil
	case "memory":
		return NewMemoryStore(), nil
	case "local", "":
		return NewLocalStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
}

// LocalStore keeps results under a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	// write then rename so readers never observe a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *LocalStore) Get(_ context.Context, location string) ([]byte, error) {
	path := filepath.Clean(location)
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	if !s.within(path) {
		return nil, fmt.Errorf("location %s is outside the storage root", location)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LocalStore) resolve(key string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !s.within(path) {
		return "", fmt.Errorf("key %s escapes the storage root", key)
	}
	return path, nil
}

func (s *LocalStore) within(path string) bool {
	return path == s.root || strings.HasPrefix(path, s.root+string(filepath.Separator))
}

// MemoryStore keeps results in process.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

const memScheme = "mem://"

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return memScheme + key, nil
}

func (s *MemoryStore) Get(_ context.Context, location string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[strings.TrimPrefix(location, memScheme)]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Package volstore stages the volumes of one run as individual NIfTI files
// in a working directory.
//
// Files are named after the 1-based frame number: volume i lives in
// "<i+1>.nii" and its registered counterpart is produced at "<i+1>_reg.nii"
// (or wherever the registration tool actually wrote it, see AdoptRegistered).
package volstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"anchorreg/internal/models"
	"anchorreg/pkg/nifti"
)

// ErrNotRegistered is returned by GetRegistered for volumes that have no
// registered counterpart.
var ErrNotRegistered = errors.New("volume has not been registered")

// Store is a directory of per-volume files. It is safe for concurrent use;
// distinct indices may be written in parallel.
type Store struct {
	dir   string
	cache *gocache.Cache

	mu         sync.RWMutex
	registered map[int]string
}

// Option configures a Store.
type Option func(*Store)

// WithCacheTTL sets how long decoded volumes stay in memory. Zero disables
// caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl <= 0 {
			s.cache = nil
			return
		}
		s.cache = gocache.New(ttl, 2*ttl)
	}
}

// New returns a store rooted at dir. The directory must exist.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:        dir,
		cache:      gocache.New(10*time.Minute, 20*time.Minute),
		registered: make(map[int]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create makes a fresh temporary directory and returns a store rooted there.
// The caller owns the directory and must call Release.
func Create(parent, pattern string, opts ...Option) (*Store, error) {
	dir, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	return New(dir, opts...), nil
}

// Dir returns the working directory.
func (s *Store) Dir() string {
	return s.dir
}

// VolumePath is the file holding volume i.
func (s *Store) VolumePath(i int) string {
	return filepath.Join(s.dir, strconv.Itoa(i+1)+".nii")
}

// RegisteredTarget is the output path handed to the registration tool for
// volume i. Tools may append their own suffix to it.
func (s *Store) RegisteredTarget(i int) string {
	return filepath.Join(s.dir, strconv.Itoa(i+1)+"_reg.nii")
}

// Put writes volume i.
func (s *Store) Put(i int, vol *models.Volume) error {
	if i < 0 {
		return fmt.Errorf("negative volume index %d", i)
	}
	path := s.VolumePath(i)
	if err := nifti.WriteVolume(path, vol); err != nil {
		return fmt.Errorf("store volume %d: %w", i, err)
	}
	s.cacheSet(path, vol)
	return nil
}

// Get reads volume i. The returned volume may be shared with other callers
// and must not be modified.
func (s *Store) Get(i int) (*models.Volume, error) {
	return s.load(s.VolumePath(i))
}

// PutRegistered writes the registered counterpart of volume i to its
// default target.
func (s *Store) PutRegistered(i int, vol *models.Volume) error {
	path := s.RegisteredTarget(i)
	if err := nifti.WriteVolume(path, vol); err != nil {
		return fmt.Errorf("store registered volume %d: %w", i, err)
	}
	s.cacheSet(path, vol)

	s.mu.Lock()
	s.registered[i] = path
	s.mu.Unlock()
	return nil
}

// AdoptRegistered records a file written by the registration tool as the
// registered counterpart of volume i.
func (s *Store) AdoptRegistered(i int, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("adopt registered volume %d: %w", i, err)
	}
	if info.IsDir() {
		return fmt.Errorf("adopt registered volume %d: %s is a directory", i, path)
	}

	s.mu.Lock()
	s.registered[i] = path
	s.mu.Unlock()
	return nil
}

// HasRegistered reports whether volume i has a registered counterpart.
func (s *Store) HasRegistered(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registered[i]
	return ok
}

// GetRegistered reads the registered counterpart of volume i, or returns
// ErrNotRegistered.
func (s *Store) GetRegistered(i int) (*models.Volume, error) {
	s.mu.RLock()
	path, ok := s.registered[i]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("volume %d: %w", i, ErrNotRegistered)
	}
	return s.load(path)
}

// Decompose writes every frame of arr as its own volume.
func (s *Store) Decompose(arr *models.VolumeArray) error {
	for t := 0; t < arr.Frames; t++ {
		vol, err := arr.Frame(t)
		if err != nil {
			return err
		}
		if err := s.Put(t, vol); err != nil {
			return err
		}
	}
	return nil
}

// Release drops cached volumes and deletes the working directory with
// everything in it.
func (s *Store) Release() error {
	if s.cache != nil {
		s.cache.Flush()
	}
	s.mu.Lock()
	s.registered = make(map[int]string)
	s.mu.Unlock()
	return os.RemoveAll(s.dir)
}

func (s *Store) load(path string) (*models.Volume, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(path); ok {
			return v.(*models.Volume), nil
		}
	}
	vol, err := nifti.ReadVolume(path)
	if err != nil {
		return nil, err
	}
	s.cacheSet(path, vol)
	return vol, nil
}

func (s *Store) cacheSet(path string, vol *models.Volume) {
	if s.cache != nil {
		s.cache.Set(path, vol, gocache.DefaultExpiration)
	}
}

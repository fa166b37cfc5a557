package queue

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// HashContent returns the content-addressed handle of data
func HashContent(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validHash(hash string) bool {
	if len(hash) != 2*blake2b.Size256 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func sliceRange(data []byte, offset, limit int64) []byte {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(data)) {
		return []byte{}
	}
	end := int64(len(data))
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]byte(nil), data[offset:end]...)
}

// FileBlobStore keeps blobs as files under a directory, sharded by the
// first two hash characters.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates the base directory if needed
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) path(hash string) string {
	return filepath.Join(s.dir, hash[:2], hash)
}

// Put writes data atomically and returns its hash. Storing content that
// already exists refreshes its modification time.
func (s *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	hash := HashContent(data)
	path := s.path(hash)

	if _, err := os.Stat(path); err == nil {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			return "", fmt.Errorf("failed to touch blob %s: %w", hash, err)
		}
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create blob shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+hash[:8]+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

// Get returns the whole blob
func (s *FileBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	return s.GetRange(ctx, hash, 0, -1)
}

// GetRange reads part of a blob without loading the rest
func (s *FileBlobStore) GetRange(_ context.Context, hash string, offset, limit int64) ([]byte, error) {
	if !validHash(hash) {
		return nil, ErrBlobNotFound
	}

	f, err := os.Open(s.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= info.Size() {
		return []byte{}, nil
	}

	n := info.Size() - offset
	if limit >= 0 && limit < n {
		n = limit
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	return buf, nil
}

// Stat returns size and modification time of a blob
func (s *FileBlobStore) Stat(_ context.Context, hash string) (BlobInfo, error) {
	if !validHash(hash) {
		return BlobInfo{}, ErrBlobNotFound
	}
	info, err := os.Stat(s.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BlobInfo{}, ErrBlobNotFound
		}
		return BlobInfo{}, err
	}
	return BlobInfo{Hash: hash, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Delete removes a blob
func (s *FileBlobStore) Delete(_ context.Context, hash string) error {
	if !validHash(hash) {
		return ErrBlobNotFound
	}
	if err := os.Remove(s.path(hash)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrBlobNotFound
		}
		return err
	}
	return nil
}

// List walks the shard directories
func (s *FileBlobStore) List(_ context.Context) ([]BlobInfo, error) {
	var blobs []BlobInfo
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !validHash(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		blobs = append(blobs, BlobInfo{Hash: d.Name(), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	sortBlobs(blobs)
	return blobs, nil
}

func sortBlobs(blobs []BlobInfo) {
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Hash < blobs[j].Hash })
}

type memoryBlob struct {
	data    []byte
	modTime time.Time
}

// MemoryBlobStore keeps blobs in process memory
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
	now   func() time.Time
}

// NewMemoryBlobStore creates an empty in-memory blob store
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memoryBlob), now: time.Now}
}

// Put stores a copy of data
func (s *MemoryBlobStore) Put(_ context.Context, data []byte) (string, error) {
	hash := HashContent(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.blobs[hash]; ok {
		b.modTime = s.now()
		s.blobs[hash] = b
		return hash, nil
	}
	s.blobs[hash] = memoryBlob{data: append([]byte(nil), data...), modTime: s.now()}
	return hash, nil
}

// Get returns a copy of the blob
func (s *MemoryBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	return s.GetRange(ctx, hash, 0, -1)
}

// GetRange returns a copy of part of the blob
func (s *MemoryBlobStore) GetRange(_ context.Context, hash string, offset, limit int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[hash]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return sliceRange(b.data, offset, limit), nil
}

// Stat returns size and modification time of a blob
func (s *MemoryBlobStore) Stat(_ context.Context, hash string) (BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blobs[hash]
	if !ok {
		return BlobInfo{}, ErrBlobNotFound
	}
	return BlobInfo{Hash: hash, Size: int64(len(b.data)), ModTime: b.modTime}, nil
}

// Delete removes a blob
func (s *MemoryBlobStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[hash]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, hash)
	return nil
}

// List returns every blob
func (s *MemoryBlobStore) List(_ context.Context) ([]BlobInfo, error) {
	s.mu.RLock()
	blobs := make([]BlobInfo, 0, len(s.blobs))
	for hash, b := range s.blobs {
		blobs = append(blobs, BlobInfo{Hash: hash, Size: int64(len(b.data)), ModTime: b.modTime})
	}
	s.mu.RUnlock()

	sortBlobs(blobs)
	return blobs, nil
}

// ReleaseBlob deletes a blob once no message references it. Blobs written
// or touched within grace are kept, since an enqueue may store the content
// before appending the message that references it.
func ReleaseBlob(ctx context.Context, store Store, blobs BlobStore, hash string, grace time.Duration) (bool, error) {
	if hash == "" {
		return false, nil
	}
	inUse, err := store.BlobInUse(ctx, hash)
	if err != nil || inUse {
		return false, err
	}

	info, err := blobs.Stat(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return false, nil
		}
		return false, err
	}
	if time.Since(info.ModTime) < grace {
		return false, nil
	}

	if err := blobs.Delete(ctx, hash); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

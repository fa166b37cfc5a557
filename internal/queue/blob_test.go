package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blobContract(t *testing.T, newStore func(t *testing.T) BlobStore) {
	ctx := context.Background()
	content := []byte("Subject: hello\r\n\r\nbody text\r\n")

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		hash, err := s.Put(ctx, content)
		require.NoError(t, err)
		assert.Equal(t, HashContent(content), hash)
		assert.Len(t, hash, 64)

		again, err := s.Put(ctx, content)
		require.NoError(t, err)
		assert.Equal(t, hash, again)

		got, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, content, got)

		info, err := s.Stat(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), info.Size)
	})

	t.Run("Range", func(t *testing.T) {
		s := newStore(t)
		hash, err := s.Put(ctx, content)
		require.NoError(t, err)

		part, err := s.GetRange(ctx, hash, 0, 8)
		require.NoError(t, err)
		assert.Equal(t, "Subject:", string(part))

		tail, err := s.GetRange(ctx, hash, int64(len(content))-6, -1)
		require.NoError(t, err)
		assert.Equal(t, "text\r\n", string(tail))

		past, err := s.GetRange(ctx, hash, int64(len(content))+10, 4)
		require.NoError(t, err)
		assert.Empty(t, past)
	})

	t.Run("DeleteList", func(t *testing.T) {
		s := newStore(t)
		h1, err := s.Put(ctx, []byte("one"))
		require.NoError(t, err)
		h2, err := s.Put(ctx, []byte("two"))
		require.NoError(t, err)

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.Delete(ctx, h1))
		assert.ErrorIs(t, s.Delete(ctx, h1), ErrBlobNotFound)

		_, err = s.Get(ctx, h1)
		assert.ErrorIs(t, err, ErrBlobNotFound)

		list, err = s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, h2, list[0].Hash)
	})

	t.Run("UnknownHandle", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "not-a-hash")
		assert.ErrorIs(t, err, ErrBlobNotFound)
		_, err = s.Stat(ctx, HashContent([]byte("never stored")))
		assert.ErrorIs(t, err, ErrBlobNotFound)
	})
}

func TestFileBlobStore(t *testing.T) {
	blobContract(t, func(t *testing.T) BlobStore {
		s, err := NewFileBlobStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestMemoryBlobStore(t *testing.T) {
	blobContract(t, func(t *testing.T) BlobStore { return NewMemoryBlobStore() })
}

func TestFileBlobStoreSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileBlobStore(dir)
	require.NoError(t, err)

	hash, err := s.Put(context.Background(), []byte("data"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path(hash)+".partial", []byte("x"), 0600))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReleaseBlob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	blobs := NewMemoryBlobStore()
	clock := time.Now().Add(-time.Hour)
	blobs.now = func() time.Time { return clock }

	hash, err := blobs.Put(ctx, []byte("shared"))
	require.NoError(t, err)

	msg := testMessage("m1", 1, time.Now(), "a@foobar.org")
	msg.BlobHash = hash
	require.NoError(t, store.Append(ctx, msg))

	released, err := ReleaseBlob(ctx, store, blobs, hash, time.Minute)
	require.NoError(t, err)
	assert.False(t, released, "referenced blob must be kept")

	require.NoError(t, store.Delete(ctx, "m1"))

	// Touched by a concurrent enqueue
	clock = time.Now()
	_, err = blobs.Put(ctx, []byte("shared"))
	require.NoError(t, err)
	released, err = ReleaseBlob(ctx, store, blobs, hash, time.Minute)
	require.NoError(t, err)
	assert.False(t, released, "recently written blob must be kept")

	released, err = ReleaseBlob(ctx, store, blobs, hash, 0)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = ReleaseBlob(ctx, store, blobs, hash, 0)
	require.NoError(t, err)
	assert.False(t, released)
}

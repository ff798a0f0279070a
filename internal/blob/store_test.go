package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "in", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	data := []byte("pixels")
	require.NoError(t, s.Put(ctx, "in", "a.jpg", data, "image/jpeg"))
	data[0] = 'X'

	got, err := s.Get(ctx, "in", "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(got))

	_, err = s.Get(ctx, "out", "a.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMapMinIOError(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	assert.ErrorIs(t, mapMinIOError("out", "a.csv", notFound), ErrNotFound)

	noBucket := minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404}
	assert.ErrorIs(t, mapMinIOError("out", "a.csv", noBucket), ErrNotFound)

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	err := mapMinIOError("out", "a.csv", denied)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "out/a.csv")
}

func TestNewMinIOStoreRequiresEndpoint(t *testing.T) {
	_, err := NewMinIOStore(MinIOConfig{})
	assert.Error(t, err)

	s, err := NewMinIOStore(MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.NotNil(t, s.client)
}

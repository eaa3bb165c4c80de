package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "run-1/payload.html", "text/html", []byte("body"))
	require.NoError(t, err)
	require.Equal(t, "memory://run-1/payload.html", uri)

	data, ok := store.Object("run-1/payload.html")
	require.True(t, ok)
	require.Equal(t, "body", string(data))
	require.Equal(t, 1, store.Len())
}

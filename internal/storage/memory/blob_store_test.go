package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/r0000_c0000.bsq", "application/x-geotile-bsq", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://run/r0000_c0000.bsq", uri)

	payload[0] = 'C'
	got, ct, ok := store.Object("run/r0000_c0000.bsq")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, "application/x-geotile-bsq", ct)

	got[0] = 'X'
	again, _, _ := store.Object("run/r0000_c0000.bsq")
	require.Equal(t, "content", string(again))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Paths())

	_, err := store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
	_, _, ok := store.Object("missing")
	require.False(t, ok)
}

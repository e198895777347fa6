package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTileKeyRoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range []TileKey{{0, 0}, {3, 17}, {1234, 9999}} {
		got, err := ParseTileKey(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	for _, bad := range []string{"", "r1_c2", "x0000_c0000", "r0000_c0000x", "r-001_c0000"} {
		_, err := ParseTileKey(bad)
		require.Error(t, err, bad)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	transient := &TransientNetworkError{Strategy: "http", StatusCode: 503, Err: errors.New("unavailable")}
	require.True(t, IsTransient(transient))
	require.True(t, IsTransient(errors.Join(errors.New("ctx"), transient)))
	require.False(t, IsTransient(&BlockedError{Strategy: "http", StatusCode: 403}))
	require.False(t, IsTransient(&RenderTimeout{Strategy: "browser"}))
	require.ErrorIs(t, InvalidConfigf("bad %s", "x"), ErrInvalidConfig)
	require.ErrorIs(t, InvalidGeometryf("bad"), ErrInvalidGeometry)
}

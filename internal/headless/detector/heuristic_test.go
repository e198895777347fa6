package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristic_NeedsRender_EmptyBody(t *testing.T) {
	t.Parallel()

	require.True(t, NewHeuristic(0).NeedsRender(200, []byte("  \n")))
}

func TestHeuristic_NeedsRender_ShellMarker(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.NeedsRender(200, []byte(`<html><body><div id="__next"></div></body></html>`)))
}

func TestHeuristic_NeedsRender_ScriptHeavy(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	body := `<html><body><script>` + strings.Repeat("var a=1;", 50) + `</script><p>t</p></body></html>`
	require.True(t, h.NeedsRender(200, []byte(body)))
}

func TestHeuristic_NeedsRender_ContentPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(50)
	body := `<html><body><div id="app"><h1>Sentinel-2 Level-2A</h1><p>` +
		strings.Repeat("Multispectral imagery at 10 m resolution. ", 5) +
		`</p></div><script>track()</script></body></html>`
	require.False(t, h.NeedsRender(200, []byte(body)))
}

func TestHeuristic_NeedsRender_IgnoresNon200(t *testing.T) {
	t.Parallel()

	require.False(t, NewHeuristic(100).NeedsRender(404, nil))
}

func TestHeuristic_Challenge(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	reason, ok := h.Challenge([]byte(`<title>Just a moment...</title><div class="cf-browser-verification"></div>`))
	require.True(t, ok)
	require.Equal(t, "cloudflare browser check", reason)

	_, ok = h.Challenge([]byte(`<html><body>Landsat 9 OLI-2</body></html>`))
	require.False(t, ok)
}

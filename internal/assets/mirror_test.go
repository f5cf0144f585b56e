package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
)

func newTestMirror(t *testing.T, maxImages int, handler http.Handler) (*Mirror, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &common.AssetsConfig{Dir: t.TempDir(), MaxImages: maxImages}
	mirror, err := NewMirror(cfg, arbor.NewLogger(), WithClient(server.Client()))
	require.NoError(t, err, "Failed to create mirror")
	return mirror, server
}

func TestMirrorImagesNamesFiles(t *testing.T) {
	mirror, server := newTestMirror(t, 5, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpegdata"))
	}))

	local := mirror.MirrorImages(context.Background(), "987654", []string{
		server.URL + "/img/a.jpg",
		server.URL + "/img/b.png",
		server.URL + "/img/c",
	})

	require.Equal(t, []string{"987654_0.jpg", "987654_1.png", "987654_2.jpg"}, local)
	for _, name := range local {
		_, err := os.Stat(filepath.Join(mirror.dir, name))
		assert.NoError(t, err, "File %s should be written to disk", name)
	}
}

func TestMirrorImagesCapsAtMax(t *testing.T) {
	mirror, server := newTestMirror(t, 2, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpegdata"))
	}))

	urls := make([]string, 6)
	for i := range urls {
		urls[i] = server.URL + "/img.jpg"
	}

	local := mirror.MirrorImages(context.Background(), "111", urls)
	assert.Len(t, local, 2, "Download count should respect the configured cap")
}

func TestMirrorImagesSkipsExisting(t *testing.T) {
	var requests atomic.Int64
	mirror, server := newTestMirror(t, 5, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("jpegdata"))
	}))

	urls := []string{server.URL + "/a.jpg"}

	first := mirror.MirrorImages(context.Background(), "222", urls)
	second := mirror.MirrorImages(context.Background(), "222", urls)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, int64(1), requests.Load(), "Existing file should not be refetched")
}

func TestMirrorImagesSkipsFailures(t *testing.T) {
	mirror, server := newTestMirror(t, 5, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("jpegdata"))
	}))

	local := mirror.MirrorImages(context.Background(), "333", []string{
		server.URL + "/missing.jpg",
		server.URL + "/ok.jpg",
	})

	assert.Equal(t, []string{"333_1.jpg"}, local, "Only the successful download should be kept")
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://img.example.com/23/photo.JPG", ".jpg"},
		{"https://img.example.com/photo.webp?rule=$_59", ".webp"},
		{"https://img.example.com/photo", ".jpg"},
		{"https://img.example.com/photo.exe", ".jpg"},
		{"://bad", ".jpg"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, extensionFor(tt.url), "extensionFor(%q)", tt.url)
	}
}

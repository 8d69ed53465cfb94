package blobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchBlobHandle(t *testing.T) {
	reg := NewRegistry()
	url := reg.CreateObjectURL([]byte("png-bytes"), "image/png")
	f := NewFetcher(reg)

	b, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, "image/png", b.MediaType)
	require.Equal(t, []byte("png-bytes"), b.Data)

	reg.RevokeObjectURL(url)
	_, err = f.Fetch(context.Background(), url)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.ErrorIs(t, err, ErrRevoked)
}

func TestFetchDataURL(t *testing.T) {
	f := NewFetcher(nil)
	cases := []struct {
		url       string
		wantType  string
		wantBytes string
	}{
		{"data:text/plain;base64,aGVsbG8=", "text/plain", "hello"},
		{"data:image/png;base64,aGVsbG8", "image/png", "hello"},
		{"data:,hello%20world", "text/plain;charset=US-ASCII", "hello world"},
	}
	for _, tc := range cases {
		b, err := f.Fetch(context.Background(), tc.url)
		if err != nil {
			t.Fatalf("fetch %q: %v", tc.url, err)
		}
		if b.MediaType != tc.wantType || string(b.Data) != tc.wantBytes {
			t.Fatalf("fetch %q: got (%q, %q)", tc.url, b.MediaType, b.Data)
		}
	}
}

func TestFetchFileURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("file body"), 0o644))

	b, err := NewFetcher(nil).Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	require.Equal(t, "file body", string(b.Data))
	require.Contains(t, b.MediaType, "text/plain")
}

func TestFetchRejectsRemoteSources(t *testing.T) {
	_, err := NewFetcher(nil).Fetch(context.Background(), "https://example.com/a.png")
	require.True(t, errors.Is(err, ErrUnsupportedSource))
}

func TestEncodeDecodeDataURLRoundTrip(t *testing.T) {
	in := Blob{Data: []byte{0, 1, 2, 250, 251}, MediaType: "application/octet-stream"}
	out, err := DecodeDataURL(EncodeDataURL(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestCacheResolveAndRelease(t *testing.T) {
	reg := NewRegistry()
	c := NewCache(reg)

	u1 := c.Resolve("a1", "image/png", []byte("one"))
	require.Equal(t, u1, c.Resolve("a1", "image/png", []byte("ignored")))
	u2 := c.Resolve("a2", "text/plain", []byte("two"))
	require.Equal(t, 2, c.Len())
	require.Equal(t, 2, reg.Len())

	c.Release("a1")
	_, ok := reg.Lookup(u1)
	require.False(t, ok)
	_, ok = reg.Lookup(u2)
	require.True(t, ok)

	c.Release()
	require.Zero(t, c.Len())
	require.Zero(t, reg.Len())
}

func TestCachesDoNotShareHandles(t *testing.T) {
	reg := NewRegistry()
	a, b := NewCache(reg), NewCache(reg)
	ua := a.Resolve("x", "text/plain", []byte("a"))
	ub := b.Resolve("x", "text/plain", []byte("b"))
	require.NotEqual(t, ua, ub)

	a.Release()
	_, ok := reg.Lookup(ub)
	require.True(t, ok)
}

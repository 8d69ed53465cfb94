package blobs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedSource = errors.New("unsupported blob source")
	ErrRevoked           = errors.New("blob handle revoked or unknown")
)

// FetchError reports a blob source that could not be read. The snapshot that
// asked for it drops the attachment for the current cycle.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("fetch blob %s: %v", shortURL(e.URL), e.Err)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Fetcher reads the bytes behind a file-part URL: blob: handles from the
// registry, data: URLs and local file: URLs. Nothing is read over the network.
type Fetcher struct {
	registry *Registry
}

func NewFetcher(registry *Registry) *Fetcher {
	return &Fetcher{registry: registry}
}

func (f *Fetcher) Fetch(ctx context.Context, src string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, &FetchError{URL: src, Err: err}
	}
	var (
		b   Blob
		err error
	)
	switch {
	case strings.HasPrefix(src, ObjectURLScheme):
		var ok bool
		if f.registry != nil {
			b, ok = f.registry.Lookup(src)
		}
		if !ok {
			err = ErrRevoked
		}
	case strings.HasPrefix(src, "data:"):
		b, err = DecodeDataURL(src)
	case strings.HasPrefix(src, "file:"):
		b, err = readFileURL(src)
	default:
		err = ErrUnsupportedSource
	}
	if err != nil {
		return Blob{}, &FetchError{URL: src, Err: err}
	}
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	return Blob{Data: data, MediaType: b.MediaType}, nil
}

// DecodeDataURL parses an RFC 2397 data URL.
func DecodeDataURL(src string) (Blob, error) {
	rest, ok := strings.CutPrefix(src, "data:")
	if !ok {
		return Blob{}, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Blob{}, fmt.Errorf("data url has no payload separator")
	}

	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		isBase64 = true
		meta = strings.TrimSuffix(meta, ";base64")
	}
	mediaType := meta
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}

	if isBase64 {
		data, err := DecodeBase64(payload)
		if err != nil {
			return Blob{}, fmt.Errorf("decode data url payload: %w", err)
		}
		return Blob{Data: data, MediaType: mediaType}, nil
	}
	text, err := url.PathUnescape(payload)
	if err != nil {
		return Blob{}, fmt.Errorf("unescape data url payload: %w", err)
	}
	return Blob{Data: []byte(text), MediaType: mediaType}, nil
}

func EncodeDataURL(b Blob) string {
	mediaType := b.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
}

// DecodeBase64 accepts padded and unpadded standard or URL-safe base64.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func readFileURL(src string) (Blob, error) {
	u, err := url.Parse(src)
	if err != nil {
		return Blob{}, fmt.Errorf("parse file url: %w", err)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "" {
		return Blob{}, fmt.Errorf("file url has no path")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, MediaType: DetectMediaType(path, data)}, nil
}

func DetectMediaType(name string, data []byte) string {
	if ext := filepath.Ext(name); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return http.DetectContentType(data)
}

func shortURL(s string) string {
	if len(s) <= 64 {
		return s
	}
	return s[:61] + "..."
}

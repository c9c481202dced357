// Package storage keeps media blobs under stable keys
// ("tenants/{tenant}/contacts/{phone}/{kind}/{file}").
package storage

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

var ErrInvalidKey = eris.New("storage: invalid key")

// BlobStore is the media storage contract used by the ingest pipeline.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// AccessPath returns a consumer-facing reference for the key.
	AccessPath(key string) string
}

// FSStore stores blobs on an afero filesystem rooted at a base directory.
type FSStore struct {
	fs            afero.Fs
	publicBaseURL string
}

// NewFSStore roots the store at dir on the OS filesystem.
func NewFSStore(dir, publicBaseURL string) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, eris.New("storage: root dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "storage: create root %s", dir)
	}
	return NewStore(afero.NewBasePathFs(afero.NewOsFs(), dir), publicBaseURL), nil
}

// NewStore wraps any afero.Fs (afero.NewMemMapFs in tests).
func NewStore(fs afero.Fs, publicBaseURL string) *FSStore {
	return &FSStore{fs: fs, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := s.fs.MkdirAll(path.Dir(clean), 0o755); err != nil {
		return 0, eris.Wrapf(err, "storage: mkdir for %s", clean)
	}

	// write to a temp name first so readers never see a partial blob
	tmp := clean + ".part"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, eris.Wrapf(err, "storage: create %s", clean)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return 0, eris.Wrapf(err, "storage: write %s", clean)
	}
	if err := s.fs.Rename(tmp, clean); err != nil {
		_ = s.fs.Remove(tmp)
		return 0, eris.Wrapf(err, "storage: rename %s", clean)
	}
	return n, nil
}

func (s *FSStore) AccessPath(key string) string {
	if s.publicBaseURL == "" {
		return key
	}
	return s.publicBaseURL + "/" + key
}

// MediaKey builds the storage key of one message attachment.
func MediaKey(tenantID, phone, kind, messageID, ext string) string {
	return path.Join("tenants", safeSegment(tenantID), "contacts", safeSegment(phone), safeSegment(kind), safeSegment(messageID)+ext)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || !strings.Contains(clean, "/") {
		return "", ErrInvalidKey
	}
	return clean, nil
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}

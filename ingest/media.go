package ingest

import (
	"bytes"
	"context"
	"encoding/base64"
	"path"
	"strings"
	"time"

	"wainbox/models"
	"wainbox/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const MEDIA_FETCH_TIMEOUT = 15 * time.Second

var (
	ErrEmptyMedia     = eris.New("media: empty payload")
	ErrBadImage       = eris.New("media: payload is not an image")
	ErrMediaUndecoded = eris.New("media: payload is not base64")
)

// MediaRequest identifies one attachment to download and store.
type MediaRequest struct {
	TenantID  string
	Instance  string
	MessageID string
	Kind      string // models.MESSAGE_TYPE_*
	Phone     string
	// Inline payload delivered with the webhook, used instead of a round trip.
	InlineBase64 string
	DeclaredMime string
	FileName     string
}

// MediaRef is a durable reference to a stored attachment.
type MediaRef struct {
	URL      string
	Path     string
	Mime     string
	Size     int64
	FileName string
}

type MediaFetcher struct {
	store   storage.BlobStore
	timeout time.Duration
}

func NewMediaFetcher(store storage.BlobStore, timeout time.Duration) *MediaFetcher {
	if timeout <= 0 {
		timeout = MEDIA_FETCH_TIMEOUT
	}
	return &MediaFetcher{store: store, timeout: timeout}
}

// FetchAndStore downloads the attachment and writes it to blob storage.
// Callers treat any error as "media unavailable" and keep the message.
func (f *MediaFetcher) FetchAndStore(ctx context.Context, provider Provider, req MediaRequest) (*MediaRef, error) {
	encoded, declared, fileName := req.InlineBase64, req.DeclaredMime, req.FileName

	if encoded == "" {
		if provider == nil {
			return nil, ErrNoProvider
		}
		fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
		payload, err := provider.FetchMedia(fetchCtx, req.Instance, req.MessageID)
		cancel()
		if err != nil {
			return nil, eris.Wrapf(err, "media: fetch %s", req.MessageID)
		}
		encoded = payload.Base64
		if payload.Mimetype != "" {
			declared = payload.Mimetype
		}
		if payload.FileName != "" && fileName == "" {
			fileName = payload.FileName
		}
	}

	data, err := decodeMedia(encoded)
	if err != nil {
		return nil, err
	}
	if req.Kind == models.MESSAGE_TYPE_IMAGE && !looksLikeImage(data) {
		return nil, ErrBadImage
	}

	mime, ext := resolveType(data, declared, fileName)
	key := storage.MediaKey(req.TenantID, req.Phone, req.Kind, req.MessageID, ext)

	size, err := f.store.Put(ctx, key, bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(err, "media: store %s", req.MessageID)
	}

	zap.L().Debug("media: stored",
		zap.String("tenant_id", req.TenantID),
		zap.String("message_id", req.MessageID),
		zap.String("mime", mime),
		zap.Int64("size", size),
	)
	return &MediaRef{
		URL:      f.store.AccessPath(key),
		Path:     key,
		Mime:     mime,
		Size:     size,
		FileName: fileName,
	}, nil
}

// decodeMedia accepts plain base64 (padded or not) and data URIs.
func decodeMedia(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.Index(encoded, ","); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	if encoded == "" {
		return nil, ErrEmptyMedia
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(encoded)
		if err == nil {
			if len(data) == 0 {
				return nil, ErrEmptyMedia
			}
			return data, nil
		}
	}
	return nil, ErrMediaUndecoded
}

// looksLikeImage checks the JPEG, PNG, GIF and WEBP signatures.
func looksLikeImage(data []byte) bool {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return true
	case bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return true
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return true
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return true
	}
	return false
}

// resolveType prefers the sniffed type; the declared one only wins when
// sniffing is inconclusive. The extension follows the chosen type.
func resolveType(data []byte, declared, fileName string) (string, string) {
	sniffed := mimetype.Detect(data)
	declared = strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))

	mime, ext := sniffed.String(), sniffed.Extension()
	if isGeneric(sniffed) && declared != "" {
		if known := mimetype.Lookup(declared); known != nil {
			mime, ext = known.String(), known.Extension()
		} else {
			mime, ext = declared, ""
		}
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if ext == "" {
		ext = strings.ToLower(path.Ext(fileName))
	}
	if ext == "" {
		ext = ".bin"
	}
	return mime, ext
}

func isGeneric(m *mimetype.MIME) bool {
	return m.Is("application/octet-stream") || m.Is("text/plain")
}

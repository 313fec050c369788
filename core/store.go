package core

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

// SavedImage is the persisted envelope for one successfully fetched image.
// It round-trips the key, the image, and the capture time exactly.
type SavedImage struct {
	Type        RescaleType
	URL         string
	ContentType string
	Body        []byte
	TimeNanos   int64
}

// Key returns the image key the envelope was stored under.
func (s *SavedImage) Key() ImageKey {
	return ImageKey{Type: s.Type, URL: s.URL}
}

// Image returns the stored image value.
func (s *SavedImage) Image() Image {
	return Image{ContentType: s.ContentType, Body: s.Body}
}

// ImageStore persists fetched images keyed by (rescale type, source URL).
//
// Implementations must be safe for concurrent use. Two writers racing on
// the same key write the same logical content, so last-writer-wins is
// acceptable.
type ImageStore interface {
	// Load returns the stored envelope for key. It returns false on a
	// miss and on any read or decode error; it never fails.
	Load(key ImageKey) (*SavedImage, bool)
	// Store persists the image under key with the current capture time
	// and returns the written envelope. A store error means broken
	// storage, not a cache miss.
	Store(key ImageKey, img Image) (*SavedImage, error)
}

// DiskStore keeps envelopes in a content-addressed directory tree rooted
// at Root. The tree is append-only; nothing is ever evicted.
type DiskStore struct {
	Root string
	// Now stamps the capture time of stored envelopes. time.Now if nil.
	Now func() time.Time
}

// Path returns the shard directory and file path for key:
// root/<type>/<h[:3]>/<h[3:6]>/<h[6:]> where h is hex(sha256(url)).
// The type segment keeps identical URLs under different rescale types
// from colliding.
func (d *DiskStore) Path(key ImageKey) (dir, path string) {
	sum := sha256.Sum256([]byte(key.URL))
	h := hex.EncodeToString(sum[:])
	dir = filepath.Join(d.Root, string(key.Type), h[:3], h[3:6])
	return dir, filepath.Join(dir, h[6:])
}

func (d *DiskStore) Load(key ImageKey) (*SavedImage, bool) {
	_, path := d.Path(key)
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var saved SavedImage
	if err := cbor.Unmarshal(buf, &saved); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable cache file")
		return nil, false
	}
	return &saved, true
}

func (d *DiskStore) Store(key ImageKey, img Image) (*SavedImage, error) {
	dir, path := d.Path(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	saved := &SavedImage{
		Type:        key.Type,
		URL:         key.URL,
		ContentType: img.ContentType,
		Body:        img.Body,
		TimeNanos:   now().UnixNano(),
	}
	buf, err := cbor.Marshal(saved)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, err
	}
	return saved, nil
}

package core

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore keeps envelopes in a single sqlite database instead of a
// directory tree. Useful where one cache file is easier to manage than
// many small ones.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex

	now func() time.Time
}

func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS saved_images (rescale_type TEXT, url_hash TEXT, envelope BLOB, PRIMARY KEY (rescale_type, url_hash))"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func urlHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteStore) Load(key ImageKey) (*SavedImage, bool) {
	var blob []byte
	err := s.db.QueryRow("SELECT envelope FROM saved_images WHERE rescale_type = ? AND url_hash = ?",
		string(key.Type), urlHash(key.URL)).Scan(&blob)
	if err != nil {
		return nil, false
	}
	var saved SavedImage
	if err := cbor.Unmarshal(blob, &saved); err != nil {
		return nil, false
	}
	return &saved, true
}

func (s *SQLiteStore) Store(key ImageKey, img Image) (*SavedImage, error) {
	saved := &SavedImage{
		Type:        key.Type,
		URL:         key.URL,
		ContentType: img.ContentType,
		Body:        img.Body,
		TimeNanos:   s.now().UnixNano(),
	}
	blob, err := cbor.Marshal(saved)
	if err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec("INSERT OR REPLACE INTO saved_images (rescale_type, url_hash, envelope) VALUES (?, ?, ?)",
		string(key.Type), urlHash(key.URL), blob)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

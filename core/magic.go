package core

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Resolution is a successful magic lookup: the real target image URL, the
// status code named by the magic document, and how long clients may cache
// a response built from it. MaxAge is the full magic TTL only when the
// status is exactly 200; anything else is not client-cacheable.
type Resolution struct {
	URL    string
	Status int
	MaxAge time.Duration
}

// cachedMagic is the last known outcome for one magic URL. Like image
// entries it is replaced whole on every mutation. The refreshing flag
// marks an in-flight background refresh so stale hits do not pile up
// duplicate refreshes; suppression is best effort, not single-flight.
type cachedMagic struct {
	url        string
	status     int
	observed   time.Time
	refreshing bool
	err        error
	attempts   []time.Time
}

// MagicResolver caches magic-URL resolutions. Fresh entries are served
// directly; entries older than the TTL are served stale while one
// background refresh is scheduled; failures back off exactly like the
// image cache.
type MagicResolver struct {
	fetcher Fetcher
	ttl     time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]cachedMagic

	now func() time.Time
}

func NewMagicResolver(fetcher Fetcher, ttl time.Duration) *MagicResolver {
	return &MagicResolver{
		fetcher: fetcher,
		ttl:     ttl,
		log:     log.With().Str("cache", "magic").Logger(),
		entries: make(map[string]cachedMagic),
		now:     time.Now,
	}
}

// Resolve returns the target named by the magic document at rawURL.
func (m *MagicResolver) Resolve(rawURL string) (Resolution, error) {
	m.mu.Lock()
	entry, ok := m.entries[rawURL]
	var attempts []time.Time
	if ok {
		m.log.Debug().Str("url", rawURL).Msg("Retrieving from magic cache")
		if entry.err == nil {
			if m.now().Sub(entry.observed) > m.ttl && !entry.refreshing {
				entry.refreshing = true
				m.entries[rawURL] = entry
				go m.refresh(rawURL)
			}
			m.mu.Unlock()
			return m.resolution(entry), nil
		}
		m.log.Warn().Int("attempts", len(entry.attempts)).Str("url", rawURL).Msg("Failed attempts")
		if inBackoff(entry.attempts, m.now()) {
			m.mu.Unlock()
			backoffSuppressions.Inc()
			return Resolution{}, entry.err
		}
		// copied so a concurrent retry never appends into the same
		// backing array as the installed entry
		attempts = append([]time.Time(nil), entry.attempts...)
	}
	m.mu.Unlock()
	return m.resolve(rawURL, attempts)
}

// Purge drops the cached resolution for rawURL, present or not.
func (m *MagicResolver) Purge(rawURL string) {
	magicPurges.Inc()
	m.mu.Lock()
	delete(m.entries, rawURL)
	m.mu.Unlock()
	m.log.Debug().Str("url", rawURL).Msg("Purged magic entry")
}

// refresh re-resolves rawURL in the background. It is fire and forget:
// its outcome, success or failure, is only observable through the next
// cache read.
func (m *MagicResolver) refresh(rawURL string) {
	magicRefreshes.Inc()
	if _, err := m.resolve(rawURL, nil); err != nil {
		m.log.Warn().Err(err).Str("url", rawURL).Msg("Background refresh failed")
	}
}

// resolve fetches the magic document and replaces the cache entry with
// the outcome. Both foreground misses and background refreshes go through
// here, so the mutation path is the same for all writers.
func (m *MagicResolver) resolve(rawURL string, attempts []time.Time) (Resolution, error) {
	magicFetches.Inc()
	text, status, err := m.fetcher.FetchText(rawURL)
	m.log.Debug().Str("url", rawURL).Msg("Caching magic")
	if err == nil {
		var target string
		target, status, err = parseMagicBody(text, status)
		if err == nil {
			entry := cachedMagic{url: target, status: status, observed: m.now()}
			m.install(rawURL, entry)
			return m.resolution(entry), nil
		}
	}
	fetchErrors.Inc()
	m.install(rawURL, cachedMagic{err: err, attempts: append(attempts, m.now())})
	return Resolution{}, err
}

func (m *MagicResolver) install(rawURL string, entry cachedMagic) {
	m.mu.Lock()
	m.entries[rawURL] = entry
	m.mu.Unlock()
}

func (m *MagicResolver) resolution(entry cachedMagic) Resolution {
	var maxAge time.Duration
	if entry.status == http.StatusOK {
		maxAge = m.ttl
	}
	return Resolution{URL: entry.url, Status: entry.status, MaxAge: maxAge}
}

// parseMagicBody splits a magic document into the target URL and an
// optional status code. A document with no status code inherits the
// status of the magic fetch itself.
func parseMagicBody(text string, fetchStatus int) (string, int, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", 0, ErrTextReadFailed
	}
	status := fetchStatus
	if len(fields) > 1 {
		parsed, err := strconv.Atoi(fields[1])
		if err != nil {
			return "", 0, ErrTextReadFailed
		}
		status = parsed
	}
	return fields[0], status, nil
}

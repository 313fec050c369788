package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// cachedImage is the last known outcome for one key: either a fetched
// image or the error of the most recent failed attempt together with the
// timestamps of every consecutive failure since the last success.
// Entries are only ever replaced whole, never mutated in place.
type cachedImage struct {
	image    *Image
	observed time.Time
	err      error
	attempts []time.Time
}

// ImageCacheConfig configures an ImageCache.
type ImageCacheConfig struct {
	// Store persists successful fetches across restarts.
	Store ImageStore
	// Fetcher retrieves images from the rescaling upstream.
	Fetcher Fetcher
	// BaseURLs maps every rescale type to its upstream base URL.
	BaseURLs map[RescaleType]string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// ImageCache is the in-memory authoritative cache of fetch outcomes. It
// owns the retry-backoff decision and orchestrates the store fallback and
// the upstream fetch. The cache is unbounded; nothing is ever evicted.
type ImageCache struct {
	store    ImageStore
	fetcher  Fetcher
	baseURLs map[RescaleType]string
	log      zerolog.Logger

	mu     sync.Mutex
	images map[ImageKey]cachedImage

	now func() time.Time
}

func NewImageCache(config ImageCacheConfig) *ImageCache {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &ImageCache{
		store:    config.Store,
		fetcher:  config.Fetcher,
		baseURLs: config.BaseURLs,
		log:      logger.With().Str("cache", "images").Logger(),
		images:   make(map[ImageKey]cachedImage),
		now:      time.Now,
	}
}

// Get returns the image for key, serving from memory, then from the store,
// then from the rescaling upstream. Failed attempts are memoized: repeated
// requests inside the backoff window get the memoized error back without
// any new I/O. The lock is never held across a fetch or a store access, so
// two concurrent misses for one key may both fetch; both then install the
// same entry, which is harmless.
func (c *ImageCache) Get(key ImageKey) (*Image, error) {
	c.mu.Lock()
	entry, ok := c.images[key]
	c.mu.Unlock()

	var attempts []time.Time
	if ok {
		c.log.Debug().Str("type", string(key.Type)).Str("url", key.URL).Msg("Retrieving from cache")
		if entry.err == nil {
			memoryHits.Inc()
			return entry.image, nil
		}
		c.log.Warn().Int("attempts", len(entry.attempts)).Str("url", key.URL).Msg("Failed attempts")
		if inBackoff(entry.attempts, c.now()) {
			backoffSuppressions.Inc()
			return nil, entry.err
		}
		// copied so a concurrent retry never appends into the same
		// backing array as the installed entry
		attempts = append([]time.Time(nil), entry.attempts...)
	} else if saved, ok := c.store.Load(key); ok {
		c.log.Debug().Str("type", string(key.Type)).Str("url", key.URL).Msg("Retrieving from disk")
		diskHits.Inc()
		img := saved.Image()
		c.install(key, cachedImage{image: &img, observed: time.Unix(0, saved.TimeNanos)})
		return &img, nil
	}

	upstreamFetches.Inc()
	img, err := c.fetcher.FetchImage(c.baseURLs[key.Type] + "/" + key.URL)
	c.log.Debug().Str("type", string(key.Type)).Str("url", key.URL).Msg("Caching")
	if err != nil {
		fetchErrors.Inc()
		c.install(key, cachedImage{err: err, attempts: append(attempts, c.now())})
		return nil, err
	}
	saved, serr := c.store.Store(key, *img)
	if serr != nil {
		// broken storage fails the request loudly and is not memoized
		c.log.Error().Err(serr).Str("url", key.URL).Msg("Could not write to store")
		return nil, StoreError{serr}
	}
	c.install(key, cachedImage{image: img, observed: time.Unix(0, saved.TimeNanos)})
	return img, nil
}

func (c *ImageCache) install(key ImageKey, entry cachedImage) {
	c.mu.Lock()
	c.images[key] = entry
	c.mu.Unlock()
}

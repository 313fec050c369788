package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	memoryHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "images_served_from_memory",
		Help: "Number of image requests served from the in-memory cache.",
	})
	diskHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "images_served_from_disk",
		Help: "Number of image requests served from the image store.",
	})
	upstreamFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upstream_image_fetches",
		Help: "Number of image fetches sent to the rescaling upstream.",
	})
	fetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "upstream_fetch_errors",
		Help: "Total upstream fetch failures, images and magic urls combined.",
	})
	backoffSuppressions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backoff_suppressed_requests",
		Help: "Number of requests answered with a memoized error inside the backoff window.",
	})
	magicFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "magic_url_fetches",
		Help: "Number of magic url documents fetched.",
	})
	magicRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "magic_background_refreshes",
		Help: "Number of stale magic entries refreshed in the background.",
	})
	magicPurges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "magic_purges",
		Help: "Number of purge requests handled.",
	})
)

func init() {
	prometheus.MustRegister(memoryHits)
	prometheus.MustRegister(diskHits)
	prometheus.MustRegister(upstreamFetches)
	prometheus.MustRegister(fetchErrors)
	prometheus.MustRegister(backoffSuppressions)
	prometheus.MustRegister(magicFetches)
	prometheus.MustRegister(magicRefreshes)
	prometheus.MustRegister(magicPurges)
}

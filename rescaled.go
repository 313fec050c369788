// Package rescaled implements a caching reverse proxy for rescaled
// images. Requests name a rescale type and a source URL; the proxy
// fetches the rescaled variant from the configured upstream, caches it in
// memory and in the image store, and serves identical requests from
// cache. For typical use of creating and running the proxy, see
// cmd/rescaled.
package rescaled

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/imagecdn/rescaled/core"
)

const (
	// magicToken prefixes requests whose tail is an indirection URL to
	// resolve before fetching the image.
	magicToken = "magic"
	// purgeToken short-circuits the request and drops the magic cache
	// entry for the tail URL.
	purgeToken = "purge"
)

// DefaultImageMaxAge is how long clients may cache an ordinary resolved
// image (30 days).
const DefaultImageMaxAge = 2592000 * time.Second

type Config struct {
	// Images caches and fetches rescaled images.
	Images *core.ImageCache
	// Magic resolves indirection URLs.
	Magic *core.MagicResolver
	// ImageMaxAge overrides the client cache duration for ordinary
	// images. DefaultImageMaxAge if zero.
	ImageMaxAge time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy dispatches incoming image requests: it parses the path into a
// rescale type and source URL, runs magic resolution and the data-URI
// shortcut where they apply, and maps cache outcomes to HTTP responses.
//
// Note that a Proxy should not be run behind a plain http.ServeMux, since
// the ServeMux cleans paths and would collapse the double slash inside
// the embedded source URL.
type Proxy struct {
	images      *core.ImageCache
	magic       *core.MagicResolver
	imageMaxAge time.Duration
	log         zerolog.Logger
}

func New(config Config) *Proxy {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	maxAge := config.ImageMaxAge
	if maxAge == 0 {
		maxAge = DefaultImageMaxAge
	}
	return &Proxy{
		images:      config.Images,
		magic:       config.Magic,
		imageMaxAge: maxAge,
		log:         logger,
	}
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	token, url, ok := splitProxyPath(r)
	if !ok {
		p.sendError(w, r, core.ErrInvalidRescaleType)
		return
	}

	// under the magic marker the next segment is the real token and the
	// tail is the magic url
	isMagic := token == magicToken
	if isMagic {
		token, url, ok = strings.Cut(url, "/")
		if !ok {
			p.sendError(w, r, core.ErrInvalidRescaleType)
			return
		}
	}

	if token == purgeToken {
		p.magic.Purge(url)
		p.log.Debug().Str("url", url).Msg("Purge acknowledged")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "purged")
		return
	}

	rescaleType, ok := core.ParseRescaleType(token)
	if !ok {
		p.sendError(w, r, core.ErrInvalidRescaleType)
		return
	}

	maxAge := p.imageMaxAge
	if isMagic {
		resolution, err := p.magic.Resolve(url)
		if err != nil {
			p.sendError(w, r, err)
			return
		}
		url = resolution.URL
		maxAge = resolution.MaxAge
	}

	var img *core.Image
	var err error
	if core.IsDataURL(url) {
		img, err = core.ParseDataURL(url)
	} else {
		img, err = p.images.Get(core.ImageKey{Type: rescaleType, URL: url})
	}
	if err != nil {
		p.sendError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public,max-age=%d", int(maxAge.Seconds())))
	bytesWritten, err := w.Write(img.Body)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not write response body to client")
	}
	p.log.Debug().
		Str("type", string(rescaleType)).
		Str("url", url).
		Bool("magic", isMagic).
		Int("bytes", bytesWritten).
		Msg("Sending response to client")
}

// splitProxyPath splits the request path into the leading token and the
// remainder, with the query string re-appended to the remainder. The
// escaped path is used so percent-encoding inside the source URL survives
// all the way to the upstream fetch.
func splitProxyPath(r *http.Request) (token, rest string, ok bool) {
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	token, rest, ok = strings.Cut(path, "/")
	if !ok || token == "" {
		return "", "", false
	}
	if r.URL.RawQuery != "" {
		rest += "?" + r.URL.RawQuery
	}
	return token, rest, true
}

// sendError maps the error taxonomy onto generic HTTP failures: malformed
// requests are the caller's fault, broken storage is ours, everything
// else is the upstream's.
func (p *Proxy) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	var storeErr core.StoreError
	switch {
	case core.IsInputError(err):
		status = http.StatusBadRequest
	case errors.As(err, &storeErr):
		status = http.StatusInternalServerError
	}
	p.log.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	http.Error(w, "image fetch failed", status)
}

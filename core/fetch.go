package core

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Fetcher performs one outbound retrieval per call and classifies the
// outcome. It has no cache and no retries of its own; all resilience is
// layered on top of it.
type Fetcher interface {
	// FetchImage retrieves the image at url.
	FetchImage(url string) (*Image, error)
	// FetchText retrieves the plain-text document at url, returning the
	// body and the response status code.
	FetchText(url string) (string, int, error)
}

// HTTPFetcher fetches over HTTP with a fixed Referer header on every
// outbound request.
type HTTPFetcher struct {
	// Client used for outbound requests. http.DefaultClient if nil.
	Client *http.Client
	// Referer header value to send upstream.
	Referer string
}

func (f *HTTPFetcher) get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, ErrRequestFailed
	}
	req.Header.Set("Referer", f.Referer)
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, ErrRequestFailed
	}
	return res, nil
}

// FetchImage retrieves the image at url. The upstream must answer with a
// success status and a content type.
func (f *HTTPFetcher) FetchImage(url string) (*Image, error) {
	log.Info().Str("url", url).Msg("Fetching image")
	res, err := f.get(url)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, StatusError{res.StatusCode}
	}
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		return nil, ErrUnsupportedContentType
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, ErrBodyReadFailed
	}
	return &Image{ContentType: contentType, Body: body}, nil
}

// FetchText retrieves the plain-text document at url. The upstream must
// answer with a success status and a text/plain content type.
func (f *HTTPFetcher) FetchText(url string) (string, int, error) {
	log.Info().Str("url", url).Msg("Fetching magic url")
	res, err := f.get(url)
	if err != nil {
		return "", 0, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", 0, StatusError{res.StatusCode}
	}
	if !strings.HasPrefix(res.Header.Get("Content-Type"), "text/plain") {
		return "", 0, ErrUnsupportedContentType
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", 0, ErrTextReadFailed
	}
	return string(body), res.StatusCode, nil
}

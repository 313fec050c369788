package rescaled

import (
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/imagecdn/rescaled/core"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

type testProxy struct {
	*Proxy
	cacheRoot  string
	imageHits  *int
	magicHits  *int
	imageURL   string
	magicURL   string
	imageServe func(w http.ResponseWriter, r *http.Request)
}

func startTestProxy(t *testing.T) *testProxy {
	t.Helper()

	var imageHits, magicHits int
	tp := &testProxy{imageHits: &imageHits, magicHits: &magicHits}

	imageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		imageHits++
		if tp.imageServe != nil {
			tp.imageServe(w, r)
			return
		}
		if r.URL.Path != "/pic.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png bytes"))
	}))
	t.Cleanup(imageServer.Close)

	magicServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		magicHits++
		w.Header().Set("Content-Type", "text/plain")
		switch r.URL.Path {
		case "/doc.txt":
			w.Write([]byte("pic.jpg"))
		case "/gone.txt":
			w.Write([]byte("pic.jpg 404"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(magicServer.Close)

	tp.cacheRoot = t.TempDir()
	fetcher := &core.HTTPFetcher{Referer: "https://rescaled.test"}
	images := core.NewImageCache(core.ImageCacheConfig{
		Store:   &core.DiskStore{Root: tp.cacheRoot},
		Fetcher: fetcher,
		BaseURLs: map[core.RescaleType]string{
			core.Thumbnail: imageServer.URL,
			core.Large:     imageServer.URL,
		},
	})
	magic := core.NewMagicResolver(fetcher, 300*time.Second)

	tp.Proxy = New(Config{Images: images, Magic: magic})
	tp.imageURL = imageServer.URL
	tp.magicURL = magicServer.URL
	return tp
}

func (tp *testProxy) get(path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	tp.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
	return rr
}

func TestProxyImage(t *testing.T) {
	tp := startTestProxy(t)

	rr := tp.get("/thumbnail/pic.jpg")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if rr.Body.String() != "png bytes" || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected response %q %q", rr.Body.String(), rr.Header().Get("Content-Type"))
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "public,max-age=2592000" {
		t.Fatalf("cache control %q", cc)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing cors header")
	}

	// second request is a cache hit
	tp.get("/thumbnail/pic.jpg")
	if *tp.imageHits != 1 {
		t.Fatalf("upstream hit %d times, expected 1", *tp.imageHits)
	}
}

func TestProxyMagic(t *testing.T) {
	tp := startTestProxy(t)

	rr := tp.get("/magic/thumbnail/" + tp.magicURL + "/doc.txt")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "png bytes" {
		t.Fatalf("body %q", rr.Body.String())
	}
	// freshly valid resolution advertises the short magic ttl
	if cc := rr.Header().Get("Cache-Control"); cc != "public,max-age=300" {
		t.Fatalf("cache control %q", cc)
	}

	// non-200 resolutions are not client cacheable
	rr = tp.get("/magic/large/" + tp.magicURL + "/gone.txt")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "public,max-age=0" {
		t.Fatalf("cache control %q", cc)
	}

	// both documents resolved exactly once
	if *tp.magicHits != 2 {
		t.Fatalf("magic upstream hit %d times, expected 2", *tp.magicHits)
	}
	tp.get("/magic/thumbnail/" + tp.magicURL + "/doc.txt")
	if *tp.magicHits != 2 {
		t.Fatalf("magic upstream hit %d times after cache hit, expected 2", *tp.magicHits)
	}
}

func TestProxyPurge(t *testing.T) {
	tp := startTestProxy(t)
	doc := tp.magicURL + "/doc.txt"

	tp.get("/magic/thumbnail/" + doc)
	if *tp.magicHits != 1 {
		t.Fatalf("magic upstream hit %d times", *tp.magicHits)
	}

	rr := tp.get("/magic/purge/" + doc)
	if rr.Code != http.StatusOK || rr.Body.String() != "purged" {
		t.Fatalf("purge response %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Cache-Control") != "" {
		t.Fatal("purge ack must not be client cacheable")
	}

	// purged: the next magic request resolves again
	tp.get("/magic/thumbnail/" + doc)
	if *tp.magicHits != 2 {
		t.Fatalf("magic upstream hit %d times after purge, expected 2", *tp.magicHits)
	}

	// purging an absent entry is still acknowledged, with or without the
	// magic marker
	rr = tp.get("/purge/" + tp.magicURL + "/never-seen.txt")
	if rr.Code != http.StatusOK || rr.Body.String() != "purged" {
		t.Fatalf("purge response %d %q", rr.Code, rr.Body.String())
	}
}

func TestProxyDataURI(t *testing.T) {
	tp := startTestProxy(t)

	// "data" base64 encoded
	rr := tp.get("/thumbnail/data:image/png;base64,ZGF0YQ==")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "image/png" || rr.Body.String() != "data" {
		t.Fatalf("unexpected response %q %q", rr.Header().Get("Content-Type"), rr.Body.String())
	}

	// bypasses the upstream and the store entirely
	if *tp.imageHits != 0 {
		t.Fatalf("upstream hit %d times for a data uri", *tp.imageHits)
	}
	files := 0
	filepath.WalkDir(tp.cacheRoot, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files++
		}
		return nil
	})
	if files != 0 {
		t.Fatalf("%d files stored for a data uri", files)
	}

	rr = tp.get("/thumbnail/data:image/png;base64")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed data uri: status %d", rr.Code)
	}
}

func TestProxyErrors(t *testing.T) {
	tp := startTestProxy(t)

	// unknown rescale type
	if rr := tp.get("/original/pic.jpg"); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: status %d", rr.Code)
	}
	// magic marker with no second segment
	if rr := tp.get("/magic/just-a-token"); rr.Code != http.StatusBadRequest {
		t.Fatalf("short magic path: status %d", rr.Code)
	}
	// bare token with no url at all
	if rr := tp.get("/thumbnail"); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing url: status %d", rr.Code)
	}
	// upstream failure maps to a gateway error
	if rr := tp.get("/thumbnail/missing.jpg"); rr.Code != http.StatusBadGateway {
		t.Fatalf("upstream 404: status %d", rr.Code)
	}
}

func TestSplitProxyPath(t *testing.T) {
	req := httptest.NewRequest("GET", "/thumbnail/https://example.com/pic.jpg?size=big", nil)
	token, rest, ok := splitProxyPath(req)
	if !ok || token != "thumbnail" {
		t.Fatalf("token %q ok %v", token, ok)
	}
	// the query string belongs to the source url
	if rest != "https://example.com/pic.jpg?size=big" {
		t.Fatalf("rest %q", rest)
	}

	if _, _, ok := splitProxyPath(httptest.NewRequest("GET", "/loneword", nil)); ok {
		t.Fatal("single segment must not parse")
	}
}

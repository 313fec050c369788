package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/imagecdn/rescaled"
	"github.com/imagecdn/rescaled/core"
)

// config is resolved in three layers: yaml file, then environment, then
// flags, each overriding the previous one.
type config struct {
	Port         int      `env:"PORT" yaml:"port"`
	Referer      string   `env:"REFERER" yaml:"referer"`
	ThumbnailURL string   `env:"IMAGE_RESCALE_URL_Thumbnail" yaml:"thumbnailUrl"`
	LargeURL     string   `env:"IMAGE_RESCALE_URL_Large" yaml:"largeUrl"`
	CacheDir     string   `env:"CACHE_DIR" yaml:"cacheDir"`
	MagicTTL     duration `env:"MAGIC_TTL" yaml:"magicTtl"`
	Provider     string   `env:"CACHE_PROVIDER" yaml:"provider"`
}

// duration accepts "5m" style values from both yaml and the environment.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

var (
	configFilenameFlag string
	portFlag           int
	providerFlag       string
	cacheDirFlag       string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Image store provider: disk or sqlite (overrides config)")
	flag.StringVar(&cacheDirFlag, "cache-dir", "", "Cache root directory (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := loadConfig()

	store := newStore(cfg)
	fetcher := &core.HTTPFetcher{
		Client:  &http.Client{},
		Referer: cfg.Referer,
	}
	images := core.NewImageCache(core.ImageCacheConfig{
		Store:   store,
		Fetcher: fetcher,
		BaseURLs: map[core.RescaleType]string{
			core.Thumbnail: cfg.ThumbnailURL,
			core.Large:     cfg.LargeURL,
		},
	})
	magic := core.NewMagicResolver(fetcher, time.Duration(cfg.MagicTTL))

	proxy := rescaled.New(rescaled.Config{
		Images: images,
		Magic:  magic,
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/*", hlog.NewHandler(log.Logger)(proxy))

	log.Info().Int("port", cfg.Port).Str("provider", cfg.Provider).Msg("Starting rescale proxy")
	if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.Port), r); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

func loadConfig() config {
	cfg := config{
		Port:     3030,
		CacheDir: "cache",
		MagicTTL: duration(5 * time.Minute),
		Provider: "disk",
	}

	if configFilenameFlag != "" {
		buf, err := os.ReadFile(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			log.Fatal().Err(err).Msg("Could not parse config file")
		}
	}

	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("Could not parse environment")
	}

	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if providerFlag != "" {
		cfg.Provider = providerFlag
	}
	if cacheDirFlag != "" {
		cfg.CacheDir = cacheDirFlag
	}

	// absence of any per-type base url is a deployment error, not
	// something to discover on the first request
	if cfg.ThumbnailURL == "" || cfg.LargeURL == "" {
		log.Fatal().Msg("IMAGE_RESCALE_URL_Thumbnail and IMAGE_RESCALE_URL_Large are required")
	}
	if cfg.Referer == "" {
		log.Fatal().Msg("REFERER is required")
	}

	return cfg
}

func newStore(cfg config) core.ImageStore {
	switch cfg.Provider {
	case "disk":
		return &core.DiskStore{Root: cfg.CacheDir}
	case "sqlite":
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("Could not create cache directory")
		}
		store, err := core.NewSQLiteStore(filepath.Join(cfg.CacheDir, "images.db"))
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open sqlite store")
		}
		return store
	default:
		log.Fatal().Msgf("Unsupported store provider: %s", cfg.Provider)
		return nil
	}
}

// Package server exposes reader conversions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	yaml "gopkg.in/yaml.v3"

	"readerview/reader"
)

const defaultIndexHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>readerview</title></head><body>
<h1>readerview</h1>
<form action="/convert" method="get">
URL: <input name="url" size="60"><br>
Suppress: <select name="suppress">
<option value="none">none</option>
<option value="all">all</option>
<option value="all-except-scripts">all except scripts</option>
<option value="images-only">images only</option>
</select><br>
Trigger: <select name="trigger"><option value="end">document end</option><option value="start">document start</option></select><br>
<button type="submit">Convert</button>
</form>
</body></html>`

const (
	defaultAddr           = ":8080"
	defaultSitesDir       = "config/sites"
	defaultCacheTTL       = 10 * time.Minute
	defaultCacheSize      = 256
	defaultConvertTimeout = 90 * time.Second
	defaultMaxBodyBytes   = 8 << 20
)

// Converter is the part of reader.Converter the server needs.
type Converter interface {
	Convert(ctx context.Context, req reader.Request) (string, error)
}

// Config describes server wiring and runtime behaviour.
type Config struct {
	Addr           string        `yaml:"addr"`
	SitesDir       string        `yaml:"sitesDir"`
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	CacheSize      int           `yaml:"cacheSize"`
	ConvertTimeout time.Duration `yaml:"convertTimeout"`
	MaxBodyBytes   int64         `yaml:"maxBodyBytes"`
	// Defaults apply to every conversion before per-site files and query parameters.
	Defaults SiteConfig `yaml:"defaults"`

	// Assets, Chrome, Headful, UserAgent, ExtraCSS and Stages configure the converter the
	// CLI builds for the server.
	Assets    string         `yaml:"assets"`
	Chrome    string         `yaml:"chrome"`
	Headful   bool           `yaml:"headful"`
	UserAgent string         `yaml:"userAgent"`
	ExtraCSS  []string       `yaml:"extraCSS"`
	Stages    *reader.Stages `yaml:"stages"`

	IndexHTML string           `yaml:"-"`
	Logger    *zerolog.Logger  `yaml:"-"`
	Clock     func() time.Time `yaml:"-"`
}

// DefaultConfig populates configuration from READERVIEW_* environment variables.
func DefaultConfig() Config {
	cfg := Config{
		Addr:           envOr("READERVIEW_ADDR", defaultAddr),
		SitesDir:       envOr("READERVIEW_SITES_DIR", defaultSitesDir),
		CacheTTL:       defaultCacheTTL,
		CacheSize:      defaultCacheSize,
		ConvertTimeout: defaultConvertTimeout,
		MaxBodyBytes:   defaultMaxBodyBytes,
		Assets:         strings.TrimSpace(os.Getenv("READERVIEW_ASSETS")),
		Chrome:         strings.TrimSpace(os.Getenv("READERVIEW_CHROME")),
		UserAgent:      strings.TrimSpace(os.Getenv("READERVIEW_USER_AGENT")),
		IndexHTML:      defaultIndexHTML,
		Clock:          time.Now,
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Addr = ":" + port
	}
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv("READERVIEW_CACHE_TTL"))); err == nil {
		cfg.CacheTTL = d
	}
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv("READERVIEW_CONVERT_TIMEOUT"))); err == nil && d > 0 {
		cfg.ConvertTimeout = d
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("READERVIEW_CACHE_SIZE"))); err == nil {
		cfg.CacheSize = n
	}
	cfg.Defaults.Suppress = strings.TrimSpace(os.Getenv("READERVIEW_SUPPRESS"))
	cfg.Defaults.Trigger = strings.TrimSpace(os.Getenv("READERVIEW_TRIGGER"))
	return cfg
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys absent from the file keep
// their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := cfg.Defaults.apply(reader.Request{}); err != nil {
		return fmt.Errorf("config %s: defaults: %w", path, err)
	}
	return nil
}

// ReaderConfig is the part of cfg that reader.New consumes.
func (cfg Config) ReaderConfig() reader.Config {
	rc := reader.Config{
		Assets:   reader.DirAssets(cfg.Assets),
		Fetcher:  &reader.Fetcher{UserAgent: cfg.UserAgent},
		Logger:   cfg.Logger,
		ExtraCSS: cfg.ExtraCSS,
	}
	if cfg.Stages != nil {
		rc.Stages = *cfg.Stages
	}
	return rc
}

// Server exposes the HTTP handlers.
type Server struct {
	cfg     Config
	conv    Converter
	mux     *http.ServeMux
	handler http.Handler
	logger  zerolog.Logger
	cache   *pageCache
	sites   *siteConfigStore
	flights singleflight.Group
}

// New wires a server around conv.
func New(cfg Config, conv Converter) *Server {
	if cfg.IndexHTML == "" {
		cfg.IndexHTML = defaultIndexHTML
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ConvertTimeout <= 0 {
		cfg.ConvertTimeout = defaultConvertTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Server{
		cfg:    cfg,
		conv:   conv,
		mux:    http.NewServeMux(),
		logger: logger,
		cache:  newPageCache(cfg.Clock, cfg.CacheTTL, cfg.CacheSize),
		sites:  newSiteConfigStore(cfg.SitesDir),
	}
	s.registerRoutes()
	s.handler = withLogging(s.logger, s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/convert", s.handleConvert)
	s.mux.HandleFunc("/ping", s.handlePing)
}

// HTTPServer wraps the handler with conservative timeouts. WriteTimeout leaves room for a
// full conversion.
func (s *Server) HTTPServer() *http.Server {
	errLog := s.logger.With().Str("component", "http").Logger()
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.cfg.ConvertTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          newStdLogger(errLog),
	}
}

// ListenAndServe runs until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := s.HTTPServer()
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", srv.Addr).Msg("listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"readerview/reader"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.IndexHTML)))
	io.WriteString(w, s.cfg.IndexHTML)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "pong\n")
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req reader.Request
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		target, err := normalizeTarget(r.URL.Query().Get("url"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.URL = target
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			http.Error(w, "request body: "+err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			http.Error(w, "empty html body", http.StatusBadRequest)
			return
		}
		req.HTML = string(body)
		if base := r.URL.Query().Get("base"); base != "" {
			target, err := normalizeTarget(base)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req.BaseURL = target
		}
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, site, err := s.requestOptions(r, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log := zerolog.Ctx(r.Context())

	cacheable := req.URL != "" && (site == nil || !site.NoCache) && s.cache.enabled()
	key := cacheKey(req)
	if cacheable {
		if html, ok := s.cache.Get(key); ok {
			log.Debug().Str("url", req.URL).Msg("cache hit")
			s.writeHTML(w, r, html, "hit")
			return
		}
	}

	var html string
	if req.URL != "" {
		// identical URL conversions share one engine run; it outlives any single client
		v, err, shared := s.flights.Do(key, func() (any, error) {
			return s.convert(context.WithoutCancel(r.Context()), req)
		})
		if err != nil {
			s.writeError(w, log, err)
			return
		}
		html = v.(string)
		if shared {
			log.Debug().Str("url", req.URL).Msg("joined running conversion")
		}
		if cacheable {
			s.cache.Store(key, html)
		}
	} else {
		html, err = s.convert(r.Context(), req)
		if err != nil {
			s.writeError(w, log, err)
			return
		}
	}
	s.writeHTML(w, r, html, "miss")
}

func (s *Server) convert(ctx context.Context, req reader.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConvertTimeout)
	defer cancel()
	return s.conv.Convert(ctx, req)
}

// requestOptions layers config defaults, the per-site file and query parameters, in that order.
func (s *Server) requestOptions(r *http.Request, req reader.Request) (reader.Request, *SiteConfig, error) {
	req, err := s.cfg.Defaults.apply(req)
	if err != nil {
		return req, nil, fmt.Errorf("defaults: %w", err)
	}
	site := s.sites.Find(firstNonEmpty(req.URL, req.BaseURL))
	if site != nil {
		if req, err = site.apply(req); err != nil {
			return req, nil, fmt.Errorf("site config: %w", err)
		}
	}
	q := r.URL.Query()
	if v := q.Get("suppress"); v != "" {
		if req.Suppression, err = reader.ParseSuppressionMode(v); err != nil {
			return req, nil, err
		}
	}
	if v := q.Get("trigger"); v != "" {
		if req.Trigger, err = reader.ParseTrigger(v); err != nil {
			return req, nil, err
		}
	}
	if v := q.Get("min"); v != "" {
		if req.MinContentLength, err = parseMinParam(v); err != nil {
			return req, nil, err
		}
	}
	if v := q.Get("margins"); v != "" {
		on, err := parseBoolParam(v)
		if err != nil {
			return req, nil, err
		}
		req.SkipImageMargins = !on
	}
	return req, site, nil
}

func (s *Server) writeHTML(w http.ResponseWriter, r *http.Request, html, cache string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(html)))
	w.Header().Set("X-Readerview-Cache", cache)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	io.WriteString(w, html)
}

func (s *Server) writeError(w http.ResponseWriter, log *zerolog.Logger, err error) {
	status := statusFor(err)
	log.Warn().Err(err).Int("status", status).Msg("conversion failed")
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reader.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, reader.ErrScriptResultUnparsable), errors.Is(err, reader.ErrContentDecoding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reader.ErrLoading):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

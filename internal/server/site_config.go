package server

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"

	"readerview/reader"
)

// SiteConfig overrides conversion settings for a host and its subdomains. Empty fields keep
// whatever was set before.
type SiteConfig struct {
	Suppress         string `yaml:"suppress" json:"suppress"`
	Trigger          string `yaml:"trigger" json:"trigger"`
	MinContentLength int    `yaml:"minContentLength" json:"minContentLength"`
	ImageMargins     *bool  `yaml:"imageMargins" json:"imageMargins"`
	NoCache          bool   `yaml:"noCache" json:"noCache"`
}

func (c SiteConfig) apply(req reader.Request) (reader.Request, error) {
	if c.Suppress != "" {
		m, err := reader.ParseSuppressionMode(c.Suppress)
		if err != nil {
			return req, err
		}
		req.Suppression = m
	}
	if c.Trigger != "" {
		t, err := reader.ParseTrigger(c.Trigger)
		if err != nil {
			return req, err
		}
		req.Trigger = t
	}
	if c.MinContentLength < 0 {
		return req, fmt.Errorf("negative minContentLength %d", c.MinContentLength)
	}
	if c.MinContentLength > 0 {
		req.MinContentLength = c.MinContentLength
	}
	if c.ImageMargins != nil {
		req.SkipImageMargins = !*c.ImageMargins
	}
	return req, nil
}

type siteConfigStore struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*SiteConfig
}

func newSiteConfigStore(dir string) *siteConfigStore {
	return &siteConfigStore{
		dir:   dir,
		cache: make(map[string]*SiteConfig),
	}
}

// Find returns the config of the most specific domain of target that has a file,
// e.g. news.example.com, then example.com, then com.
func (s *siteConfigStore) Find(target string) *SiteConfig {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	s.mu.RLock()
	if cfg, ok := s.cache[host]; ok {
		s.mu.RUnlock()
		return cfg
	}
	s.mu.RUnlock()

	var found *SiteConfig
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels) && found == nil; i++ {
		found = s.load(strings.Join(labels[i:], "."))
	}
	s.mu.Lock()
	s.cache[host] = found
	s.mu.Unlock()
	return found
}

var siteConfigExts = []string{".yaml", ".yml", ".json"}

func (s *siteConfigStore) load(host string) *SiteConfig {
	if s.dir == "" || host == "" || strings.ContainsAny(host, `/\`) {
		return nil
	}
	for _, ext := range siteConfigExts {
		data, err := os.ReadFile(filepath.Join(s.dir, host+ext))
		if err != nil {
			continue
		}
		var cfg SiteConfig
		if ext == ".json" {
			err = json.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			continue
		}
		cfg.Suppress = strings.TrimSpace(strings.ToLower(cfg.Suppress))
		cfg.Trigger = strings.TrimSpace(strings.ToLower(cfg.Trigger))
		return &cfg
	}
	return nil
}

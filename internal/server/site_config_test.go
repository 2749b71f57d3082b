package server

import (
	"path/filepath"
	"testing"

	"readerview/reader"
)

func TestSiteConfigStoreFind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "example.com.yml"), "suppress: ALL\nminContentLength: 500\n")
	writeFile(t, filepath.Join(dir, "blog.example.com.json"), `{"trigger":"start","imageMargins":false}`)
	writeFile(t, filepath.Join(dir, "broken.org.yaml"), "suppress: [\n")
	s := newSiteConfigStore(dir)

	cfg := s.Find("https://www.example.com/post")
	if cfg == nil || cfg.Suppress != "all" || cfg.MinContentLength != 500 {
		t.Fatalf("parent domain config = %+v", cfg)
	}
	cfg = s.Find("https://blog.example.com/x")
	if cfg == nil || cfg.Trigger != "start" || cfg.ImageMargins == nil || *cfg.ImageMargins {
		t.Fatalf("most specific config = %+v", cfg)
	}
	for _, target := range []string{"https://broken.org/", "http://unknown.net/", "not a url", ""} {
		if cfg := s.Find(target); cfg != nil {
			t.Fatalf("Find(%q) = %+v", target, cfg)
		}
	}
	if got := newSiteConfigStore("").Find("https://example.com/"); got != nil {
		t.Fatalf("store without dir found %+v", got)
	}
}

func TestSiteConfigApply(t *testing.T) {
	off := false
	req, err := SiteConfig{Suppress: "all-except-scripts", Trigger: "start", MinContentLength: 12, ImageMargins: &off}.
		apply(reader.Request{URL: "http://a/", MinContentLength: 3})
	if err != nil {
		t.Fatal(err)
	}
	if req.Suppression != reader.SuppressAllExceptScripts || req.Trigger != reader.AtDocumentStart ||
		req.MinContentLength != 12 || !req.SkipImageMargins {
		t.Fatalf("apply = %+v", req)
	}
	kept, err := SiteConfig{}.apply(req)
	if err != nil || kept.Suppression != req.Suppression || kept.MinContentLength != 12 {
		t.Fatalf("empty config changed the request: %+v, %v", kept, err)
	}
	for _, bad := range []SiteConfig{{Suppress: "most"}, {Trigger: "noon"}, {MinContentLength: -1}} {
		if _, err := bad.apply(reader.Request{}); err == nil {
			t.Fatalf("apply(%+v) accepted", bad)
		}
	}
}

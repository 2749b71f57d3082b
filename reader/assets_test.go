package reader

import (
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"
)

func TestAssetsOverlayOrder(t *testing.T) {
	first := fstest.MapFS{"reader.css": {Data: []byte("first")}}
	second := fstest.MapFS{"reader.css": {Data: []byte("second")}, "Readability.js": {Data: []byte("lib")}}
	a := NewAssets(first, nil, second)

	if s, err := a.LoadText(AssetBaseCSS, "css"); err != nil || s != "first" {
		t.Fatalf("LoadText(css) = %q, %v", s, err)
	}
	if s, err := a.LoadText(AssetExtractor, "js"); err != nil || s != "lib" {
		t.Fatalf("LoadText(js) = %q, %v", s, err)
	}
	if s, err := a.LoadText(AssetTemplate, "html"); err != nil || s == "" {
		t.Fatalf("embedded template not reachable: %v", err)
	}
}

func TestAssetsMissing(t *testing.T) {
	a := NewAssets()
	_, err := a.LoadText(AssetExtractor, "js")
	if !errors.Is(err, ErrTemplateRender) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
	if _, err := a.LoadText("../etc/passwd", ""); !errors.Is(err, ErrTemplateRender) {
		t.Fatalf("invalid path accepted: %v", err)
	}
}

func TestDirAssetsEmpty(t *testing.T) {
	if _, err := DirAssets("").LoadText(AssetViewCSS, "css"); err != nil {
		t.Fatalf("embedded css: %v", err)
	}
	dir := t.TempDir()
	if _, err := DirAssets(dir).LoadText(AssetImageMargins, "js"); err != nil {
		t.Fatalf("fallback through empty dir: %v", err)
	}
}

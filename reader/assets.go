package reader

import (
	"embed"
	"errors"
	"io/fs"
	"os"
	"strings"
)

//go:embed assets/*
var embedded embed.FS

// Asset names, without their type suffix.
const (
	AssetTemplate     = "reader.template"
	AssetBaseCSS      = "reader"
	AssetViewCSS      = "reader_view"
	AssetExtractor    = "Readability"
	AssetExtractInit  = "extract.template"
	AssetImageMargins = "image_margins"
)

// Assets resolves text assets through overlay filesystems first and the embedded defaults last.
// Readability.js is never embedded; an overlay must supply it.
type Assets struct {
	layers []fs.FS
}

// NewAssets layers overlays over the embedded defaults. Earlier overlays win.
func NewAssets(overlays ...fs.FS) *Assets {
	a := &Assets{}
	for _, o := range overlays {
		if o != nil {
			a.layers = append(a.layers, o)
		}
	}
	base, err := fs.Sub(embedded, "assets")
	if err != nil {
		panic(err) // embed path is fixed at build time
	}
	a.layers = append(a.layers, base)
	return a
}

// DirAssets overlays the directory at dir, if any, over the embedded defaults.
func DirAssets(dir string) *Assets {
	if strings.TrimSpace(dir) == "" {
		return NewAssets()
	}
	return NewAssets(os.DirFS(dir))
}

// LoadText returns the asset name.typ, e.g. LoadText("Readability", "js").
func (a *Assets) LoadText(name, typ string) (string, error) {
	file := name
	if typ != "" {
		file += "." + typ
	}
	if !fs.ValidPath(file) {
		return "", &Error{Kind: ErrTemplateRender, Op: "load asset " + file, Err: fs.ErrInvalid}
	}
	for _, layer := range a.layers {
		b, err := fs.ReadFile(layer, file)
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", &Error{Kind: ErrTemplateRender, Op: "load asset " + file, Err: err}
		}
	}
	return "", &Error{Kind: ErrTemplateRender, Op: "load asset " + file, Err: fs.ErrNotExist}
}

// assetLoader keeps the first failure across a batch of loads.
type assetLoader struct {
	assets *Assets
	err    error
}

func (l *assetLoader) load(name, typ string) string {
	if l.err != nil {
		return ""
	}
	s, err := l.assets.LoadText(name, typ)
	if err != nil {
		l.err = err
		return ""
	}
	if strings.TrimSpace(s) == "" {
		l.err = &Error{Kind: ErrTemplateRender, Op: "load asset " + name + "." + typ, Err: errors.New("asset is empty")}
	}
	return s
}

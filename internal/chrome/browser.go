// Package chrome drives headless Chrome through the DevTools protocol and exposes each tab as a
// reader.Engine.
package chrome

import (
	"context"
	"net/http"
	"os/exec"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"readerview/reader"
)

// Options configures the browser process and the tabs it hands out.
type Options struct {
	// ExecPath is the Chrome binary; empty lets chromedp search the usual locations.
	ExecPath string
	Headful  bool
	// UserAgent and Header apply to every request a tab makes.
	UserAgent string
	Header    http.Header
	Logger    *zerolog.Logger
}

// Browser owns one Chrome process. Tabs are created lazily, one per engine.
type Browser struct {
	allocator context.Context
	cancel    context.CancelFunc
	opts      Options
	log       zerolog.Logger
}

// NewBrowser prepares the allocator. Chrome itself starts with the first engine.
func NewBrowser(opts Options) *Browser {
	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !opts.Headful),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-client-side-phishing-detection", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("metrics-recording-only", true),
		chromedp.Flag("safebrowsing-disable-auto-update", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("disable-extensions", true),
	)
	if p := strings.TrimSpace(opts.ExecPath); p != "" {
		flags = append(flags, chromedp.ExecPath(p))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), flags...)
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "chrome").Logger()
	}
	return &Browser{allocator: allocCtx, cancel: cancel, opts: opts, log: logger}
}

// NewEngine opens a tab. It satisfies reader.EngineProvider.
func (b *Browser) NewEngine(ctx context.Context) (reader.Engine, error) {
	return openEngine(ctx, b)
}

// Close kills the browser process and every tab.
func (b *Browser) Close() {
	if b.cancel != nil {
		b.cancel()
	}
}

var chromeNames = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

// FindExecutable looks for a Chrome build on PATH.
func FindExecutable() (string, bool) {
	for _, name := range chromeNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}

package chrome

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"readerview/reader"
)

func TestStartupSource(t *testing.T) {
	plain := startupSource(reader.StartupScript{Source: "var a = 1;"})
	if plain != "if (window.top === window) {\nvar a = 1;\n}" {
		t.Fatalf("script without notify = %q", plain)
	}
	start := startupSource(reader.StartupScript{Source: "lib()", Timing: reader.AtDocumentStart, Notify: "ready"})
	if !strings.Contains(start, "lib()\n;") || !strings.Contains(start, `window.__readerviewPost("ready")`) {
		t.Fatalf("start source = %q", start)
	}
	if strings.Contains(start, "DOMContentLoaded") {
		t.Fatalf("start timing should notify immediately: %q", start)
	}
	end := startupSource(reader.StartupScript{Source: "lib()", Timing: reader.AtDocumentEnd, Notify: "ready"})
	if !strings.Contains(end, "DOMContentLoaded") {
		t.Fatalf("end timing should wait for the DOM: %q", end)
	}
}

func TestStartupSourceOnlyRunsInTopFrame(t *testing.T) {
	for _, timing := range []reader.Trigger{reader.AtDocumentStart, reader.AtDocumentEnd} {
		src := startupSource(reader.StartupScript{Source: "lib()", Timing: timing, Notify: "ready"})
		const guard = "if (window.top === window) {\n"
		if !strings.HasPrefix(src, guard) || !strings.HasSuffix(src, "\n}") {
			t.Fatalf("%v: source not guarded: %q", timing, src)
		}
		body := strings.TrimSuffix(strings.TrimPrefix(src, guard), "\n}")
		if !strings.HasPrefix(body, "lib()") || !strings.Contains(body, "__readerviewPost") {
			t.Fatalf("%v: library or notify outside the guard: %q", timing, src)
		}
	}
}

func TestContentTargetDropsFragment(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://x.example/a#sec", "https://x.example/a"},
		{"https://x.example:443/a?b=1#", "https://x.example/a?b=1"},
		{"", defaultBase},
		{"  ", defaultBase},
	}
	for _, tc := range cases {
		got, err := contentTarget(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("contentTarget(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestNavigationMatchesLoader(t *testing.T) {
	e := &Engine{}

	// the previous page's load arrives after the new navigation started
	seq := e.beginNavigation()
	if e.loadFired("old") {
		t.Fatalf("load before commit finished the navigation")
	}
	if e.commitNavigation(seq, "new") {
		t.Fatalf("commit finished on a stale loader")
	}
	if e.loadFired("old") {
		t.Fatalf("stale loader finished the navigation")
	}
	if !e.loadFired("new") {
		t.Fatalf("own loader did not finish the navigation")
	}
	if e.loadFired("new") {
		t.Fatalf("navigation finished twice")
	}

	// the load event can beat Page.navigate's reply
	seq = e.beginNavigation()
	e.loadFired("fast")
	if !e.commitNavigation(seq, "fast") {
		t.Fatalf("early load was lost")
	}

	// a navigation superseded before its reply is never committed
	first := e.beginNavigation()
	e.beginNavigation()
	if e.commitNavigation(first, "first") {
		t.Fatalf("superseded navigation committed")
	}

	// a same-document navigation has no loader and completes at once
	if !e.commitNavigation(e.beginNavigation(), "") {
		t.Fatalf("same-document navigation left pending")
	}
}

func TestStoppedNavigationIgnoresLoad(t *testing.T) {
	e := &Engine{}
	seq := e.beginNavigation()
	e.commitNavigation(seq, "l1")
	e.mu.Lock()
	e.nav.active = false
	e.mu.Unlock()
	if e.loadFired("l1") {
		t.Fatalf("load after stop finished the navigation")
	}
}

func TestContentKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://Example.COM", "https://example.com/"},
		{"HTTP://example.com/a/b?q=1#frag", "http://example.com/a/b?q=1"},
		{" http://readerview.invalid/ ", "http://readerview.invalid/"},
		{"https://h.example:443/x", "https://h.example/x"},
		{"http://h.example:80", "http://h.example/"},
		{"http://h.example:443/x", "http://h.example:443/x"},
		{"https://h.example:8443/x", "https://h.example:8443/x"},
	}
	for _, tc := range cases {
		got, err := contentKey(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("contentKey(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
	for _, bad := range []string{"", "/relative", "about:blank"} {
		if _, err := contentKey(bad); err == nil {
			t.Fatalf("contentKey(%q) accepted", bad)
		}
	}
}

func TestLoadFraction(t *testing.T) {
	cases := []struct {
		started, finished int
		want              float64
	}{
		{0, 0, 0},
		{4, 1, 0.25},
		{2, 2, 0.95},
		{1, 3, 0.95},
	}
	for _, tc := range cases {
		if got := loadFraction(tc.started, tc.finished); got != tc.want {
			t.Fatalf("loadFraction(%d, %d) = %g, want %g", tc.started, tc.finished, got, tc.want)
		}
	}
}

func TestExtraHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("accept-language", "ja")
	h.Add("Accept-Language", "en;q=0.5")
	h.Set("User-Agent", "ignored")
	h.Set("Content-Length", "3")
	got := extraHeaders(h)
	if len(got) != 1 || got["Accept-Language"] != "ja, en;q=0.5" {
		t.Fatalf("extraHeaders = %v", got)
	}
}

func TestBlockResourcesRejectsUnknownKind(t *testing.T) {
	e := &Engine{}
	if err := e.BlockResources(context.Background(), []reader.ResourceKind{"video"}); err == nil {
		t.Fatalf("unknown kind accepted")
	}
	if err := e.BlockResources(context.Background(), []reader.ResourceKind{reader.ResourceImage, reader.ResourceFont}); err != nil {
		t.Fatal(err)
	}
	if len(e.blocked) != 2 {
		t.Fatalf("blocked = %v", e.blocked)
	}
}

// TestEngineLoadContent needs a Chrome binary: set READERVIEW_CHROME or put one on PATH.
func TestEngineLoadContent(t *testing.T) {
	path := os.Getenv("READERVIEW_CHROME")
	if path == "" {
		var ok bool
		if path, ok = FindExecutable(); !ok {
			t.Skip("chrome not found")
		}
	}
	b := NewBrowser(Options{ExecPath: path})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	eng, err := b.NewEngine(ctx)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Close()

	events := make(chan reader.Event, 64)
	unsubscribe := eng.Subscribe(func(ev reader.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	if _, err := eng.AddStartupScript(ctx, reader.StartupScript{Source: "window.libLoaded = true;", Notify: "ready"}); err != nil {
		t.Fatalf("AddStartupScript: %v", err)
	}
	if err := eng.BlockResources(ctx, []reader.ResourceKind{reader.ResourceImage}); err != nil {
		t.Fatal(err)
	}
	page := `<html><head><title>hello</title></head><body><p id="p">content</p><img src="/x.png"></body></html>`
	if err := eng.LoadContent(ctx, page, "https://example.com/article"); err != nil {
		t.Fatalf("LoadContent: %v", err)
	}

	var ready, finished bool
	for !(ready && finished) {
		select {
		case ev := <-events:
			switch ev.Kind {
			case reader.EventScriptMessage:
				ready = ready || ev.Name == "ready"
			case reader.EventNavigationFinished:
				finished = true
			case reader.EventNavigationFailed:
				t.Fatalf("navigation failed: %v", ev.Err)
			}
		case <-ctx.Done():
			t.Fatalf("timed out: ready=%v finished=%v", ready, finished)
		}
	}

	res, err := eng.Evaluate(ctx, `document.location.href + "|" + document.getElementById("p").textContent + "|" + window.libLoaded`)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res != "https://example.com/article|content|true" {
		t.Fatalf("Evaluate = %v", res)
	}
}

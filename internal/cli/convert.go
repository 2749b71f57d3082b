package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"readerview/reader"
)

type convertFlags struct {
	htmlFile  string
	base      string
	suppress  string
	trigger   string
	min       int
	noMargins bool
	output    string
	css       []string
	timeout   time.Duration
	quiet     bool
}

func newConvertCommand(app AppContext, g *globalFlags) *cobra.Command {
	f := &convertFlags{}
	cmd := &cobra.Command{
		Use:   "convert [url]",
		Short: "Convert one page to reader HTML",
		Example: "  readerview convert https://example.com/post -o post.html\n" +
			"  readerview convert --html saved.html --base https://example.com/post --suppress all",
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd.Context(), app, g, f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.htmlFile, "html", "", "convert this HTML file instead of a URL (- reads stdin)")
	fl.StringVar(&f.base, "base", "", "base URL for --html")
	fl.StringVar(&f.suppress, "suppress", "none", "subresources to suppress: none, all, all-except-scripts, images-only")
	fl.StringVar(&f.trigger, "trigger", "end", "extraction trigger: end or start")
	fl.IntVar(&f.min, "min", 0, "minimum meaningful content length (0 uses the default)")
	fl.BoolVar(&f.noMargins, "no-margins", false, "skip the image margin pass")
	fl.StringVarP(&f.output, "output", "o", "", "write the reader HTML here instead of stdout")
	fl.StringArrayVar(&f.css, "css", nil, "extra stylesheet file appended to the reader CSS (repeatable)")
	fl.DurationVar(&f.timeout, "timeout", 90*time.Second, "give up after this long")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "no progress on stderr")
	return cmd
}

func (f *convertFlags) request(args []string, stdin io.Reader) (reader.Request, error) {
	var req reader.Request
	switch {
	case len(args) == 1 && f.htmlFile != "":
		return req, usagef("give either a url or --html, not both")
	case len(args) == 1:
		req.URL = strings.TrimSpace(args[0])
	case f.htmlFile != "":
		data, err := readInput(f.htmlFile, stdin)
		if err != nil {
			return req, err
		}
		req.HTML = string(data)
		req.BaseURL = f.base
	default:
		return req, usagef("a url or --html is required")
	}
	var err error
	if req.Suppression, err = reader.ParseSuppressionMode(f.suppress); err != nil {
		return req, &usageError{err: err}
	}
	if req.Trigger, err = reader.ParseTrigger(f.trigger); err != nil {
		return req, &usageError{err: err}
	}
	if f.min < 0 {
		return req, usagef("--min must not be negative")
	}
	req.MinContentLength = f.min
	req.SkipImageMargins = f.noMargins
	return req, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}
	return data, nil
}

func readStylesheets(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read css: %w", err)
		}
		out = append(out, string(data))
	}
	return out, nil
}

func runConvert(ctx context.Context, app AppContext, g *globalFlags, f *convertFlags, args []string) error {
	req, err := f.request(args, app.Stdin)
	if err != nil {
		return err
	}
	extraCSS, err := readStylesheets(f.css)
	if err != nil {
		return err
	}
	log := newLogger(app.Stderr, g.verbose)

	engines, release, err := app.Engines(g.chromeOptions(&log))
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer release()
	conv, err := reader.New(engines, reader.Config{
		Assets:   reader.DirAssets(g.assets),
		Fetcher:  &reader.Fetcher{UserAgent: g.userAgent},
		Logger:   &log,
		ExtraCSS: extraCSS,
	})
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if !f.quiet {
		req.Progress = func(v float64) { fmt.Fprintf(app.Stderr, "\rconverting %3.0f%%", v*100) }
	}

	html, err := conv.Convert(ctx, req)
	if !f.quiet {
		fmt.Fprintln(app.Stderr)
	}
	if err != nil {
		return err
	}
	if f.output == "" {
		_, err = io.WriteString(app.Stdout, html)
		return err
	}
	if err := os.WriteFile(f.output, []byte(html), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	log.Info().Str("file", f.output).Int("bytes", len(html)).Msg("wrote reader view")
	return nil
}

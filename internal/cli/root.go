// Package cli wires the readerview command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"readerview/internal/chrome"
	"readerview/reader"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// EngineFactory starts whatever renders pages. The returned func releases it.
type EngineFactory func(opts chrome.Options) (reader.EngineProvider, func(), error)

// AppContext carries the process streams and seams tests replace.
type AppContext struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Stdin   io.Reader
	Engines EngineFactory
}

type globalFlags struct {
	assets    string
	chrome    string
	userAgent string
	headful   bool
	verbose   bool
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// Run executes the CLI and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	return run(AppContext{Stdout: stdout, Stderr: stderr, Stdin: os.Stdin}, args)
}

func run(app AppContext, args []string) int {
	app = normalizeAppContext(app)
	root := newRootCommand(app)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(app.Stderr, "readerview: %v\n", err)
	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}
	return exitFailure
}

func normalizeAppContext(app AppContext) AppContext {
	if app.Stdout == nil {
		app.Stdout = io.Discard
	}
	if app.Stderr == nil {
		app.Stderr = io.Discard
	}
	if app.Stdin == nil {
		app.Stdin = os.Stdin
	}
	if app.Engines == nil {
		app.Engines = chromeEngines
	}
	return app
}

func chromeEngines(opts chrome.Options) (reader.EngineProvider, func(), error) {
	if opts.ExecPath == "" {
		opts.ExecPath, _ = chrome.FindExecutable()
	}
	b := chrome.NewBrowser(opts)
	return b, b.Close, nil
}

func newRootCommand(app AppContext) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "readerview",
		Short:         "Render web pages as clean reader views",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(app.Stdout)
	root.SetErr(app.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.assets, "assets", os.Getenv("READERVIEW_ASSETS"), "directory overlaying the bundled assets; must provide Readability.js")
	pf.StringVar(&g.chrome, "chrome", os.Getenv("READERVIEW_CHROME"), "Chrome or headless-shell binary")
	pf.StringVar(&g.userAgent, "user-agent", os.Getenv("READERVIEW_USER_AGENT"), "User-Agent for the browser and raw fetches")
	pf.BoolVar(&g.headful, "headful", false, "show the browser window")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newConvertCommand(app, g), newServeCommand(app, g))
	return root
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func (g *globalFlags) chromeOptions(log *zerolog.Logger) chrome.Options {
	return chrome.Options{
		ExecPath:  g.chrome,
		Headful:   g.headful,
		UserAgent: g.userAgent,
		Logger:    log,
	}
}

// maxArgs rejects extra arguments as a usage error rather than a runtime one.
func maxArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) > n {
			return usagef("expected at most %d argument(s), got %d", n, len(args))
		}
		return nil
	}
}

// Package chromedriver runs browser sessions for the solver on a local
// Chrome or Chromium through the DevTools protocol.
package chromedriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudflyer-project/flarebypass"
)

const disabledFeatures = "site-per-process,Translate,BlinkGenPropertyTrees,PrivacySandboxSettings4"

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithExecPath sets the browser binary. By default chromedp looks it up.
func WithExecPath(path string) FactoryOption {
	return func(f *Factory) {
		f.execPath = path
	}
}

// WithDisplay runs headful browsers on the given X display.
func WithDisplay(d *Display) FactoryOption {
	return func(f *Factory) {
		f.display = d
	}
}

// WithWindowSize sets the browser window size.
func WithWindowSize(width, height int) FactoryOption {
	return func(f *Factory) {
		f.width = width
		f.height = height
	}
}

// WithTempDir sets where per-session profile directories are created.
func WithTempDir(dir string) FactoryOption {
	return func(f *Factory) {
		f.tempDir = dir
	}
}

// WithLogger sets the logger for browser protocol messages.
func WithLogger(logger zerolog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// Factory starts one isolated browser process per session.
type Factory struct {
	execPath string
	display  *Display
	width    int
	height   int
	tempDir  string
	logger   zerolog.Logger
}

// NewFactory creates a Factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		width:   1280,
		height:  1024,
		tempDir: os.TempDir(),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// browserFlags returns the command line flags for a session, on top of the
// chromedp defaults.
func (f *Factory) browserFlags(opts flarebypass.SessionOptions, userDataDir string) map[string]any {
	flags := map[string]any{
		"headless":         opts.Headless,
		"hide-scrollbars":  opts.Headless,
		"mute-audio":       opts.Headless,
		"disable-features": disabledFeatures,
		"user-data-dir":    userDataDir,
		"disable-gpu":      opts.DisableGPU,
		"window-size":      fmt.Sprintf("%d,%d", f.width, f.height),
	}
	if opts.Proxy != "" {
		flags["proxy-server"] = opts.Proxy
	}
	return flags
}

func (f *Factory) allocatorOptions(opts flarebypass.SessionOptions, userDataDir string, out *outputBuffer) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)

	flags := f.browserFlags(opts, userDataDir)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		allocOpts = append(allocOpts, chromedp.Flag(name, flags[name]))
	}

	if f.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(f.execPath))
	}
	if f.display != nil && !opts.Headless {
		allocOpts = append(allocOpts, chromedp.Env("DISPLAY="+f.display.Name()))
	}
	if out != nil {
		allocOpts = append(allocOpts, chromedp.CombinedOutput(out))
	}
	return allocOpts
}

// Create starts a browser and returns a driver for its single page. The
// browser outlives ctx; ctx only bounds the start-up.
func (f *Factory) Create(ctx context.Context, opts flarebypass.SessionOptions) (flarebypass.BrowserDriver, error) {
	userDataDir := filepath.Join(f.tempDir, "flarebypass-"+uuid.NewString())
	if err := os.MkdirAll(userDataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create user data dir: %w", err)
	}

	out := &outputBuffer{}
	logger := f.logger.With().Str("user_data_dir", userDataDir).Logger()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions(opts, userDataDir, out)...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug().Msgf(format, args...)
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Warn().Msgf(format, args...)
		}),
	)

	d := &Driver{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		userDataDir: userDataDir,
		output:      out,
		logger:      logger,
	}

	// The first Run allocates the browser and ties it to browserCtx, so it
	// must not run under ctx.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		d.Close()
		return nil, ctx.Err()
	}

	logger.Debug().Bool("headless", opts.Headless).Str("proxy", opts.Proxy).Msg("Browser started")
	return d, nil
}

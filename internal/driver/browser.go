package driver

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
)

// closeTimeout bounds cleanup that runs on a detached context.
const closeTimeout = 10 * time.Second

// Browser owns one Chrome process. Sessions opened from it share the process
// but each lives in its own browser context.
type Browser struct {
	logger  *zap.Logger
	cfg     config.Interface
	metrics *Metrics

	// browserCtx carries the chromedp browser connection every session
	// derives its targets from.
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	// createMu serializes browser context creation.
	createMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewBrowser launches Chrome according to cfg and waits until it answers.
// The process outlives ctx; call Shutdown to stop it.
func NewBrowser(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Browser, error) {
	b := &Browser{
		logger:   logger.Named("browser"),
		cfg:      cfg,
		metrics:  NewMetrics(),
		sessions: make(map[string]*Session),
	}
	if err := b.launch(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return b, nil
}

func (b *Browser) launch(ctx context.Context) error {
	browserCfg := b.cfg.Browser()
	b.logger.Info("Initializing browser allocator...",
		zap.Bool("headless", browserCfg.Headless),
		zap.String("exec_path", browserCfg.ExecPath))

	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), allocatorOptions(browserCfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Errorf),
	)
	b.browserCtx, b.browserCancel, b.allocCancel = browserCtx, browserCancel, allocCancel

	startCtx, cancel := context.WithTimeout(ctx, browserCfg.StartupTimeout)
	defer cancel()

	// The first Run allocates the process and its lifetime is bound to the
	// context it runs on, so it must not carry the startup deadline.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			b.cancel()
			return err
		}
	case <-startCtx.Done():
		b.cancel()
		return fmt.Errorf("browser did not start within %s: %w", browserCfg.StartupTimeout, startCtx.Err())
	}

	readyCtx, readyCancel := CombineContext(browserCtx, startCtx)
	defer readyCancel()
	if err := chromedp.Run(readyCtx, chromedp.Navigate("about:blank")); err != nil {
		b.cancel()
		return fmt.Errorf("browser failed to respond: %w", err)
	}

	b.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

func (b *Browser) cancel() {
	b.browserCancel()
	b.allocCancel()
}

// allocatorOptions assembles the exec allocator options for cfg.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range launchFlags(cfg) {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	return opts
}

// launchFlags returns the command line switches layered over chromedp's
// defaults. Later entries win, so custom args can override anything here.
func launchFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":           cfg.Headless,
		"enable-automation":  false,
		"disable-extensions": true,
		"hide-scrollbars":    true,
		"mute-audio":         true,
		// Keep cross-origin frames in the page's renderer so their
		// execution contexts are reachable from the page target.
		"disable-features":              "IsolateOrigins,site-per-process",
		"disable-site-isolation-trials": true,
	}
	if cfg.Headless {
		flags["disable-gpu"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if cfg.Proxy != "" {
		flags["proxy-server"] = cfg.Proxy
		if len(cfg.ProxyBypass) > 0 {
			flags["proxy-bypass-list"] = strings.Join(cfg.ProxyBypass, ";")
		}
	}

	// Containers (Docker on Linux) need these.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}
	return flags
}

// NewSession opens an isolated session with one blank window.
func (b *Browser) NewSession(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBrowserClosed
	}

	s, err := newSession(ctx, b)
	if err != nil {
		return nil, b.metrics.observe(fmt.Errorf("failed to open session: %w", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		go s.Close(context.Background())
		return nil, ErrBrowserClosed
	}
	b.sessions[s.id] = s
	return s, nil
}

// forget drops a closed session from the registry.
func (b *Browser) forget(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
}

// Sessions returns the number of open sessions.
func (b *Browser) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Metrics returns the collectors of this browser and its sessions.
func (b *Browser) Metrics() *Metrics { return b.metrics }

// Shutdown closes every open session concurrently and then stops Chrome.
// Sessions still closing when ctx ends are abandoned with the process.
func (b *Browser) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	b.logger.Info("Shutting down browser.", zap.Int("sessions", len(sessions)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error { return s.Close(gctx) })
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn("Error during session close in shutdown.", zap.Error(err))
		}
	case <-ctx.Done():
		b.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	// chromedp.Cancel closes the browser gracefully and waits for the
	// process to exit.
	var shutdownErr error
	if err := chromedp.Cancel(b.browserCtx); err != nil && ctx.Err() == nil {
		shutdownErr = fmt.Errorf("failed to close browser: %w", err)
		b.logger.Error("Failed to close browser.", zap.Error(err))
	}
	b.cancel()
	b.logger.Info("Browser shutdown complete.")
	return shutdownErr
}

package driver

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/fixtures"
)

// The browser-backed tests share one Chrome process and one fixture site.
// They are skipped when no Chrome binary can be found and in -short mode.
var (
	harnessOnce sync.Once
	harness     *testHarness
	harnessErr  error
)

type testHarness struct {
	site    *fixtures.Server
	cfg     *config.Config
	browser *Browser
}

func TestMain(m *testing.M) {
	code := m.Run()
	if harness != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = harness.browser.Shutdown(ctx)
		cancel()
		harness.site.Close()
	}
	os.Exit(code)
}

// findChrome returns the Chrome binary to launch, or "" if there is none.
func findChrome() string {
	if p := os.Getenv("SCALPEL_DRIVER_BROWSER_EXEC_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// testConfig is the default configuration tuned for fast failure.
func testConfig(t *testing.T, siteURL string) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.ExecPath = findChrome()
	cfg.DriverCfg.ModalWait = 2 * time.Second
	cfg.SetBrowserHeadless(true)
	cfg.SetDriverAppHost(siteURL)
	cfg.SetDriverWaitTimeout(2 * time.Second)
	cfg.SetDriverFrameTimeout(3 * time.Second)
	cfg.SetNetworkNavigationTimeout(15 * time.Second)
	return cfg
}

func requireBrowser(t *testing.T) *testHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("browser tests are skipped in short mode")
	}
	if findChrome() == "" {
		t.Skip("no Chrome binary found")
	}
	harnessOnce.Do(func() {
		site := fixtures.NewServer(zap.NewNop())
		cfg := testConfig(t, site.URL(""))
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		b, err := NewBrowser(ctx, cfg, zap.NewNop())
		if err != nil {
			site.Close()
			harnessErr = err
			return
		}
		harness = &testHarness{site: site, cfg: cfg, browser: b}
	})
	require.NoError(t, harnessErr, "failed to launch shared browser")
	return harness
}

// testContext bounds a single test.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openSession opens a session on the shared browser and closes it when the
// test ends.
func openSession(t *testing.T) (*Session, context.Context) {
	t.Helper()
	h := requireBrowser(t)
	ctx := testContext(t)
	s, err := h.browser.NewSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, ctx
}

// visitPage opens a session at the given fixture page.
func visitPage(t *testing.T, page string) (*Session, context.Context) {
	t.Helper()
	s, ctx := openSession(t)
	require.NoError(t, s.Visit(ctx, "/static/"+page))
	return s, ctx
}

// one finds exactly one element by CSS.
func one(t *testing.T, ctx context.Context, s *Session, css string) *Node {
	t.Helper()
	nodes, err := s.FindCSS(ctx, css)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "selector %s", css)
	return nodes[0]
}

// textOf returns the visible text of the element matching css.
func textOf(t *testing.T, ctx context.Context, s *Session, css string) string {
	t.Helper()
	text, err := one(t, ctx, s, css).Text(ctx)
	require.NoError(t, err)
	return text
}

// eventuallyText waits for the element matching css to show want.
func eventuallyText(t *testing.T, ctx context.Context, s *Session, css, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		nodes, err := s.FindCSS(ctx, css)
		if err != nil || len(nodes) != 1 {
			return false
		}
		got, err := nodes[0].Text(ctx)
		return err == nil && strings.TrimSpace(got) == want
	}, 5*time.Second, 25*time.Millisecond, "%s never showed %q", css, want)
}

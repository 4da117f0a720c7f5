package cmd

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
	"github.com/xkilldash9x/scalpel-driver/internal/fixtures"
)

// chromePath finds a Chrome binary or skips the test.
func chromePath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("SCALPEL_DRIVER_BROWSER_EXEC_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary found")
	return ""
}

func TestVisitCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("launches a browser")
	}
	quietEnv(t)
	t.Setenv("SCALPEL_DRIVER_BROWSER_EXEC_PATH", chromePath(t))
	t.Chdir(t.TempDir())

	site := fixtures.NewServer(zaptest.NewLogger(t))
	t.Cleanup(site.Close)
	shot := filepath.Join(t.TempDir(), "page.png")

	out, err := runRoot(t, []string{
		"visit", site.URL("/static/index.html"),
		"--wait", "#heading",
		"--find", "#heading",
		"--find", "p.para",
		"--eval", "[document.title, 1 + 1]",
		"--screenshot", shot,
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Status: 200")
	assert.Contains(t, out, "Title:  Fixture Index")
	assert.Contains(t, out, "#heading: 1 match(es)")
	assert.Contains(t, out, "p.para: 2 match(es)")
	assert.Contains(t, out, "[1] Second inner text")
	assert.Contains(t, out, `Result: ["Fixture Index",2]`)

	info, err := os.Stat(shot)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestVisitFlagsApplyToConfig(t *testing.T) {
	cmd := newVisitCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--headful",
		"--ignore-tls-errors",
		"--block", "*.png",
		"--block", "*/ads/*",
		"--allow", "http://127.0.0.1*",
	}))

	var opts visitOptions
	opts.headful, _ = cmd.Flags().GetBool("headful")
	opts.ignoreTLS, _ = cmd.Flags().GetBool("ignore-tls-errors")
	opts.block, _ = cmd.Flags().GetStringSlice("block")
	opts.allow, _ = cmd.Flags().GetStringSlice("allow")

	cfg := config.NewDefaultConfig()
	opts.apply(cfg)

	assert.False(t, cfg.Browser().Headless)
	assert.True(t, cfg.Browser().IgnoreTLSErrors)
	assert.Equal(t, []string{"*.png", "*/ads/*"}, cfg.Network().Blacklist)
	assert.Equal(t, []string{"http://127.0.0.1*"}, cfg.Network().Whitelist)

	untouched := config.NewDefaultConfig()
	visitOptions{}.apply(untouched)
	assert.Equal(t, config.NewDefaultConfig(), untouched)
}

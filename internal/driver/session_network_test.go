package driver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/fixtures"
)

// fetchStatus fetches path from the page and returns the status, or
// "failed" when the request did not complete.
func fetchStatus(t *testing.T, ctx context.Context, s *Session, path string) interface{} {
	t.Helper()
	v, err := s.EvaluateAsync(ctx, `
const done = arguments[arguments.length - 1];
fetch(arguments[0]).then((r) => done(r.status), () => done('failed'));`, 5*time.Second, path)
	require.NoError(t, err)
	return v
}

func TestNetworkTraffic(t *testing.T) {
	s, ctx := openSession(t)
	require.NoError(t, s.ClearNetworkTraffic())
	require.NoError(t, s.Visit(ctx, "/redirect?to=/static/index.html"))

	traffic, err := s.NetworkTraffic()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(traffic), 2)

	hop, final := traffic[0], traffic[1]
	assert.Equal(t, harness.site.URL("/redirect?to=/static/index.html"), hop.URL)
	assert.EqualValues(t, 302, hop.Status)
	assert.Equal(t, harness.site.URL("/static/index.html"), hop.RedirectedTo)
	assert.Equal(t, hop.RequestID, final.RequestID, "redirect hops share a request id")
	assert.Equal(t, "GET", final.Method)
	assert.Equal(t, "Document", final.ResourceType)
	assert.EqualValues(t, 200, final.Status)

	headers, err := s.ResponseHeaders()
	require.NoError(t, err)
	assert.Contains(t, headers["Content-Type"], "text/html")

	body, err := s.ResponseBody(ctx, final.RequestID)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<title>Fixture Index</title>")

	require.NoError(t, s.ClearNetworkTraffic())
	traffic, err = s.NetworkTraffic()
	require.NoError(t, err)
	assert.Empty(t, traffic)
}

func TestConsoleMessages(t *testing.T) {
	s, ctx := visitPage(t, "index.html")

	require.Eventually(t, func() bool {
		msgs, err := s.ConsoleMessages()
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Level == "log" && m.Text == "index loaded 42" {
				return true
			}
		}
		return false
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, s.ExecuteScript(ctx, "console.warn('careful', {a: 1});"))
	require.Eventually(t, func() bool {
		msgs, err := s.ConsoleMessages()
		if err != nil || len(msgs) == 0 {
			return false
		}
		last := msgs[len(msgs)-1]
		return last.Level == "warning" && strings.HasPrefix(last.Text, "careful")
	}, 5*time.Second, 25*time.Millisecond)
}

func TestRequestHeaders(t *testing.T) {
	s, ctx := openSession(t)

	require.NoError(t, s.SetHeaders(ctx, map[string]string{"X-Test-One": "1"}))
	require.NoError(t, s.AddHeaders(ctx, map[string]string{"X-Test-Two": "2"}))
	require.NoError(t, s.Visit(ctx, "/headers"))
	echoed := textOf(t, ctx, s, "#headers")
	assert.Contains(t, echoed, `"X-Test-One": "1"`)
	assert.Contains(t, echoed, `"X-Test-Two": "2"`)

	require.NoError(t, s.SetHeaders(ctx, map[string]string{"X-Test-Three": "3"}))
	require.NoError(t, s.Visit(ctx, "/headers"))
	echoed = textOf(t, ctx, s, "#headers")
	assert.NotContains(t, echoed, "X-Test-One")
	assert.Contains(t, echoed, `"X-Test-Three": "3"`)

	t.Run("new windows inherit headers", func(t *testing.T) {
		h, err := s.OpenNewWindow(ctx)
		require.NoError(t, err)
		err = s.WithinWindow(ctx, h, func() error {
			if err := s.Visit(ctx, "/headers"); err != nil {
				return err
			}
			assert.Contains(t, textOf(t, ctx, s, "#headers"), `"X-Test-Three": "3"`)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestURLFiltering(t *testing.T) {
	s, ctx := visitPage(t, "index.html")

	t.Run("blacklist", func(t *testing.T) {
		require.NoError(t, s.SetURLBlacklist(ctx, "*/status/5*"))
		assert.Equal(t, "failed", fetchStatus(t, ctx, s, "/status/500"))
		assert.Equal(t, 201.0, fetchStatus(t, ctx, s, "/status/201"))

		require.Eventually(t, func() bool {
			traffic, err := s.NetworkTraffic()
			if err != nil {
				return false
			}
			for _, ex := range traffic {
				if strings.HasSuffix(ex.URL, "/status/500") {
					return ex.Blocked
				}
			}
			return false
		}, 5*time.Second, 25*time.Millisecond)

		err := s.Visit(ctx, "/status/503")
		var fail *StatusFailError
		require.ErrorAs(t, err, &fail)
		assert.Contains(t, fail.Reason, "ERR_BLOCKED_BY_CLIENT")

		require.NoError(t, s.SetURLBlacklist(ctx))
		require.NoError(t, s.Visit(ctx, "/static/index.html"))
		assert.Equal(t, 500.0, fetchStatus(t, ctx, s, "/status/500"))
	})

	t.Run("whitelist", func(t *testing.T) {
		require.NoError(t, s.SetURLWhitelist(ctx, harness.site.URL("/static/*"), harness.site.URL("/status/2*")))
		assert.Equal(t, 204.0, fetchStatus(t, ctx, s, "/status/204"))
		assert.Equal(t, "failed", fetchStatus(t, ctx, s, "/status/404"))

		require.NoError(t, s.SetURLBlacklist(ctx, "*/status/204"))
		assert.Equal(t, "failed", fetchStatus(t, ctx, s, "/status/204"), "the blacklist wins over the whitelist")

		require.NoError(t, s.SetURLBlacklist(ctx))
		require.NoError(t, s.SetURLWhitelist(ctx))
		assert.Equal(t, 404.0, fetchStatus(t, ctx, s, "/status/404"))
	})
}

func TestCookies(t *testing.T) {
	s, ctx := openSession(t)

	require.NoError(t, s.Visit(ctx, "/set_cookie?name=flavour&value=oat"))
	require.NoError(t, s.SetCookie(ctx, Cookie{Name: "manual", Value: "yes"}))

	cookies, err := s.Cookies(ctx)
	require.NoError(t, err)
	byName := make(map[string]Cookie, len(cookies))
	for _, c := range cookies {
		byName[c.Name] = c
	}
	require.Contains(t, byName, "flavour")
	assert.Equal(t, "oat", byName["flavour"].Value)
	assert.Equal(t, "127.0.0.1", byName["flavour"].Domain)
	assert.Equal(t, "/", byName["flavour"].Path)
	require.Contains(t, byName, "manual")

	require.NoError(t, s.Visit(ctx, "/get_cookie"))
	assert.Equal(t, "flavour=oat; manual=yes", textOf(t, ctx, s, "#cookies"))

	t.Run("sessions do not share cookies", func(t *testing.T) {
		other, otherCtx := openSession(t)
		require.NoError(t, other.Visit(otherCtx, "/get_cookie"))
		assert.Equal(t, "", textOf(t, otherCtx, other, "#cookies"))
	})

	require.NoError(t, s.RemoveCookie(ctx, "flavour"))
	require.NoError(t, s.Visit(ctx, "/get_cookie"))
	assert.Equal(t, "manual=yes", textOf(t, ctx, s, "#cookies"))

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SetCookie(ctx, Cookie{Name: "dated", Value: "1", Domain: "127.0.0.1", Path: "/", Expires: expires, HTTPOnly: true}))
	cookies, err = s.Cookies(ctx)
	require.NoError(t, err)
	for _, c := range cookies {
		if c.Name == "dated" {
			assert.True(t, c.HTTPOnly)
			assert.WithinDuration(t, expires, c.Expires, time.Second)
		}
	}

	require.NoError(t, s.ClearCookies(ctx))
	cookies, err = s.Cookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, cookies)
}

func TestBrowserProxy(t *testing.T) {
	h := requireBrowser(t)
	ctx := testContext(t)

	proxy := fixtures.NewRecordingProxy(zap.NewNop())
	t.Cleanup(proxy.Close)

	cfg := testConfig(t, h.site.URL(""))
	cfg.SetBrowserProxy(proxy.URL())
	// Chrome never proxies loopback unless told to.
	cfg.BrowserCfg.ProxyBypass = []string{"<-loopback>"}

	b, err := NewBrowser(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	s, err := b.NewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Visit(ctx, "/headers"))
	assert.Contains(t, textOf(t, ctx, s, "#headers"), fixtures.ProxyHeader)

	assert.Contains(t, proxy.Requests(), h.site.URL("/headers"))
}

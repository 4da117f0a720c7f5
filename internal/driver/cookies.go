package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
)

// Cookie is a browser cookie of the session's browser context.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
	SameSite string
}

func cookieFromCDP(c *network.Cookie) Cookie {
	out := Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: string(c.SameSite),
	}
	// Session cookies report -1.
	if c.Expires > 0 {
		sec := int64(c.Expires)
		out.Expires = time.Unix(sec, int64((c.Expires-float64(sec))*1e9)).UTC()
	}
	return out
}

// Cookies returns every cookie stored in the session's browser context.
func (s *Session) Cookies(ctx context.Context) ([]Cookie, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	execCtx, cancel := s.browserExec(ctx)
	defer cancel()
	raw, err := storage.GetCookies().WithBrowserContextID(s.bcid).Do(execCtx)
	if err != nil {
		return nil, s.metrics.observe(fmt.Errorf("failed to read cookies: %w", err))
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, cookieFromCDP(c))
	}
	return out, nil
}

// SetCookie stores c. Without a Domain the cookie is scoped to the current
// window's URL.
func (s *Session) SetCookie(ctx context.Context, c Cookie) error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	p := network.SetCookie(c.Name, c.Value).
		WithHTTPOnly(c.HTTPOnly).
		WithSecure(c.Secure)
	if c.Domain != "" {
		p = p.WithDomain(c.Domain)
	}
	if c.Path != "" {
		p = p.WithPath(c.Path)
	}
	if c.SameSite != "" {
		p = p.WithSameSite(network.CookieSameSite(c.SameSite))
	}
	if !c.Expires.IsZero() {
		exp := cdp.TimeSinceEpoch(c.Expires)
		p = p.WithExpires(&exp)
	}

	return s.metrics.observe(w.RunActions(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if c.Domain == "" {
			var loc string
			if err := chromedp.Location(&loc).Do(ctx); err != nil {
				return err
			}
			p = p.WithURL(loc)
		}
		return p.Do(ctx)
	})))
}

// RemoveCookie deletes every cookie called name.
func (s *Session) RemoveCookie(ctx context.Context, name string) error {
	cookies, err := s.Cookies(ctx)
	if err != nil {
		return err
	}
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	var actions []chromedp.Action
	for _, c := range cookies {
		if c.Name == name {
			actions = append(actions, network.DeleteCookies(name).WithDomain(c.Domain).WithPath(c.Path))
		}
	}
	if len(actions) == 0 {
		return nil
	}
	return s.metrics.observe(w.RunActions(ctx, actions...))
}

// ClearCookies deletes every cookie of the session's browser context.
func (s *Session) ClearCookies(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	execCtx, cancel := s.browserExec(ctx)
	defer cancel()
	if err := storage.ClearCookies().WithBrowserContextID(s.bcid).Do(execCtx); err != nil {
		return s.metrics.observe(fmt.Errorf("failed to clear cookies: %w", err))
	}
	return nil
}

package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// AddBinding exposes window[name] in the page. Every call from page script
// delivers its string payload to fn until ctx is done.
func (m *Manager) AddBinding(ctx context.Context, targetID, name string, fn func(payload string)) error {
	page, err := m.page(targetID)
	if err != nil {
		return err
	}
	if err := (proto.RuntimeAddBinding{Name: name}).Call(page); err != nil {
		return fmt.Errorf("add binding %s: %w", name, err)
	}
	go page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == name {
			fn(e.Payload)
		}
	})()
	return nil
}

// AddScriptOnNewDocument installs a function-expression script that runs in
// every new document of the page before its own scripts.
func (m *Manager) AddScriptOnNewDocument(targetID, fnSource string) error {
	page, err := m.page(targetID)
	if err != nil {
		return err
	}
	if _, err := page.EvalOnNewDocument("(" + strings.TrimSpace(fnSource) + ")();"); err != nil {
		return fmt.Errorf("add script: %w", err)
	}
	return nil
}

// OnNavigate calls fn with the new URL each time the main frame commits a
// navigation, until ctx is done.
func (m *Manager) OnNavigate(ctx context.Context, targetID string, fn func(url string)) error {
	page, err := m.page(targetID)
	if err != nil {
		return err
	}
	go page.Context(ctx).EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame != nil && e.Frame.ParentID == "" {
			fn(e.Frame.URL)
		}
	})()
	return nil
}

// HostAllowed reports whether rawURL's host equals one of allowed or is a
// subdomain of it. about: and data: documents are always allowed.
func HostAllowed(rawURL string, allowed []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "about", "data", "blob":
		return true
	case "http", "https":
	default:
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimPrefix(a, "."))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// RestrictNavigation blocks document loads to hosts outside allowed.
// Sub-resources are not intercepted. onBlocked, when set, receives each
// refused URL. The hijack router runs until ctx is done.
func (m *Manager) RestrictNavigation(ctx context.Context, targetID string, allowed []string, onBlocked func(url string)) error {
	page, err := m.page(targetID)
	if err != nil {
		return err
	}

	router := page.HijackRequests()
	err = router.Add("*", proto.NetworkResourceTypeDocument, func(h *rod.Hijack) {
		u := h.Request.URL().String()
		if HostAllowed(u, allowed) {
			h.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}
		m.logger.Warn("browser: navigation blocked", "url", u)
		if onBlocked != nil {
			onBlocked(u)
		}
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	})
	if err != nil {
		return fmt.Errorf("hijack: %w", err)
	}

	go router.Run()
	go func() {
		<-ctx.Done()
		_ = router.Stop()
	}()
	return nil
}

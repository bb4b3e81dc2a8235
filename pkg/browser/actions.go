package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"
)

// Evaluate runs a JavaScript function or expression in the page and returns
// the result. String results are returned as-is, anything else JSON-encoded.
func (m *Manager) Evaluate(ctx context.Context, targetID, js string, args ...any) (string, error) {
	page, err := m.page(targetID)
	if err != nil {
		return "", err
	}

	result, err := page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}
	if result == nil {
		return "", nil
	}
	if result.Type == proto.RuntimeRemoteObjectTypeString {
		return result.Value.Str(), nil
	}
	if result.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return "", nil
	}
	return result.Value.JSON("", ""), nil
}

// ElementScreenshot captures the first element matching selector as PNG.
func (m *Manager) ElementScreenshot(ctx context.Context, targetID, selector string) ([]byte, error) {
	page, err := m.page(targetID)
	if err != nil {
		return nil, err
	}
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", selector, err)
	}
	buf, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

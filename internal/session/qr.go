package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// QRSelector matches the pairing QR code on the authentication page.
const QRSelector = `mw-qr-code, [data-e2e-name="qr-code"], .qr-code, [data-testid="qr-code"], .qr-code-container`

// ErrNoQR is returned when the page shows no QR code.
var ErrNoQR = errors.New("session: no QR code on page")

// CaptureQR screenshots the QR code and returns it as PNG, downscaled to
// the configured maximum width for small displays.
func (h *Host) CaptureQR(ctx context.Context) ([]byte, error) {
	target, err := h.targetID()
	if err != nil {
		return nil, err
	}

	has, err := h.eval(ctx, `(sel) => !!document.querySelector(sel)`, QRSelector)
	if err != nil {
		return nil, fmt.Errorf("look up qr: %w", err)
	}
	if has != "true" {
		return nil, ErrNoQR
	}

	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	raw, err := h.br.ElementScreenshot(ctx, target, QRSelector)
	h.release()
	if err != nil {
		return nil, fmt.Errorf("screenshot qr: %w", err)
	}
	return downscalePNG(raw, h.cfg.QRMaxWidth)
}

func downscalePNG(raw []byte, maxWidth int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode qr: %w", err)
	}
	if img.Bounds().Dx() > maxWidth {
		// nearest-neighbour keeps QR modules crisp
		img = imaging.Resize(img, maxWidth, 0, imaging.NearestNeighbor)
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return buf.Bytes(), nil
}

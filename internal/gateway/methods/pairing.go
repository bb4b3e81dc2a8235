package methods

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/messagesforcar/internal/gateway"
	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
	"github.com/nextlevelbuilder/messagesforcar/internal/session"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// PairingService is the pairing manager surface used by RPC.
type PairingService interface {
	Status() pairing.Status
	ShouldShowQRCode() bool
	MarkPairingSuccessful(ctx context.Context, url string) error
	ResetPairing(ctx context.Context) error
	CheckPairingStatus(ctx context.Context) pairing.State
}

// QRSource captures the pairing QR code from the live page.
type QRSource interface {
	CaptureQR(ctx context.Context) ([]byte, error)
}

// PairingMethods handles pairing.status, pairing.complete, pairing.reset,
// pairing.check, pairing.qr.
type PairingMethods struct {
	service PairingService
	qr      QRSource
}

func NewPairingMethods(service PairingService, qr QRSource) *PairingMethods {
	return &PairingMethods{service: service, qr: qr}
}

func (m *PairingMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodPairingStatus, m.handleStatus)
	router.Register(protocol.MethodPairingComplete, m.handleComplete)
	router.Register(protocol.MethodPairingReset, m.handleReset)
	router.Register(protocol.MethodPairingCheck, m.handleCheck)
	router.Register(protocol.MethodPairingQR, m.handleQR)
}

func (m *PairingMethods) handleStatus(_ context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, m.service.Status()))
}

func (m *PairingMethods) handleComplete(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.PairingCompleteParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if err := m.service.MarkPairingSuccessful(ctx, params.URL); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, m.service.Status()))
}

func (m *PairingMethods) handleReset(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if err := m.service.ResetPairing(ctx); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, m.service.Status()))
}

func (m *PairingMethods) handleCheck(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	state := m.service.CheckPairingStatus(ctx)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"state":       state,
		"description": pairing.Description(state),
		"isPaired":    state == pairing.StatePaired,
	}))
}

func (m *PairingMethods) handleQR(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	if m.qr == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "live session not available"))
		return
	}
	if !m.service.ShouldShowQRCode() {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrFailedPrecondition, "already paired"))
		return
	}

	png, err := m.qr.CaptureQR(ctx)
	switch {
	case errors.Is(err, session.ErrNoQR):
		client.SendResponse(protocol.NewRetryableError(req.ID, protocol.ErrNotFound, err.Error(), 2000))
		return
	case errors.Is(err, session.ErrNotReady):
		client.SendResponse(protocol.NewRetryableError(req.ID, protocol.ErrUnavailable, err.Error(), 2000))
		return
	case err != nil:
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error()))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"mime": "image/png",
		"data": base64.StdEncoding.EncodeToString(png),
	}))
}

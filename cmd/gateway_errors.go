package cmd

import (
	"fmt"

	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// formatRPCError turns a gateway error into a message for the terminal.
// Never print raw payloads.
func formatRPCError(e *protocol.ErrorShape) string {
	if e == nil {
		return "Failed: unknown error"
	}

	var msg string
	switch e.Code {
	case protocol.ErrNotPaired:
		msg = "Not paired. Scan the QR code first: messagesforcar pairing qr"
	case protocol.ErrUnauthorized:
		msg = "Gateway rejected the token. Check gateway.token or MFC_GATEWAY_TOKEN."
	case protocol.ErrUnavailable:
		msg = "The live session is not ready yet (" + e.Message + ")."
	case protocol.ErrResourceExhausted:
		msg = "Too many requests, slow down."
	case protocol.ErrFailedPrecondition:
		msg = "Not possible right now: " + e.Message
	case protocol.ErrNotFound:
		msg = "Not found: " + e.Message
	default:
		msg = "Failed: " + e.Message
	}

	if e.Retryable && e.RetryAfterMs > 0 {
		msg += fmt.Sprintf(" Retry in %.1fs.", float64(e.RetryAfterMs)/1000)
	}
	return msg
}

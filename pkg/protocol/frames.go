// Package protocol defines the wire format for the messagesforcar gateway
// WebSocket protocol. Display clients (head unit UI, CLI) import it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is checked during the connect handshake.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// ErrBadFrame wraps every request decoding failure.
var ErrBadFrame = errors.New("bad frame")

// RequestFrame is sent by clients to invoke an RPC method.
type RequestFrame struct {
	Type   string          `json:"type"` // always "req"
	ID     string          `json:"id"`   // client-generated, echoed in the response
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one request.
type ResponseFrame struct {
	Type    string      `json:"type"` // always "res"
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape describes a failed request.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) Error() string {
	return e.Code + ": " + e.Message
}

// EventFrame is pushed to authenticated clients. Seq increases per server.
type EventFrame struct {
	Type    string `json:"type"` // always "event"
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
}

// NewRequest builds a request frame; nil params are omitted.
func NewRequest(id, method string, params any) (*RequestFrame, error) {
	req := &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

func NewOKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      true,
		Payload: payload,
	}
}

func NewErrorResponse(id string, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewRetryableError tells the client it may retry after retryAfterMs.
func NewRetryableError(id string, code, message string, retryAfterMs int) *ResponseFrame {
	res := NewErrorResponse(id, code, message)
	res.Error.Retryable = true
	res.Error.RetryAfterMs = retryAfterMs
	return res
}

func NewEvent(event string, payload any) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// FrameType peeks at the "type" field; "" when data is not a JSON object.
func FrameType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &head) != nil {
		return ""
	}
	return head.Type
}

// DecodeRequest parses a client frame and checks it is a well-formed request.
func DecodeRequest(data []byte) (*RequestFrame, error) {
	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	switch {
	case req.Type != FrameTypeRequest:
		return nil, fmt.Errorf("%w: unexpected frame type %q", ErrBadFrame, req.Type)
	case req.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrBadFrame)
	case req.Method == "":
		return &req, fmt.Errorf("%w: missing method", ErrBadFrame)
	}
	return &req, nil
}

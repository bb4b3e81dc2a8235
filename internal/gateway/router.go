package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"

	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// MethodHandler answers one request. It must send exactly one response.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers. Registration happens before
// the server starts; the map is read-only afterwards.
type MethodRouter struct {
	server   *Server
	handlers map[string]MethodHandler
}

func NewMethodRouter(server *Server) *MethodRouter {
	r := &MethodRouter{server: server, handlers: make(map[string]MethodHandler)}
	r.Register(protocol.MethodConnect, r.connect)
	r.Register(protocol.MethodHealth, r.health)
	r.Register(protocol.MethodStatus, r.status)
	return r
}

// Register installs handler, replacing any previous one for method.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	if _, dup := r.handlers[method]; dup {
		slog.Warn("gateway: method handler replaced", "method", method)
	}
	r.handlers[method] = handler
}

// Methods lists registered methods in name order.
func (r *MethodRouter) Methods() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}

func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	h := r.handlers[req.Method]
	if h == nil {
		slog.Warn("gateway: unknown method", "method", req.Method, "client", client.ID())
		client.Fail(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method)
		return
	}
	slog.Debug("gateway: request", "method", req.Method, "client", client.ID(), "id", req.ID)
	h(ctx, client, req)
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type helloPayload struct {
	Protocol int        `json:"protocol"`
	ClientID string     `json:"client_id"`
	Server   serverInfo `json:"server"`
	Methods  []string   `json:"methods"`
}

func (r *MethodRouter) connect(_ context.Context, client *Client, req *protocol.RequestFrame) {
	var p protocol.ConnectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			client.Fail(req.ID, protocol.ErrInvalidRequest, "invalid connect params")
			return
		}
	}
	if p.ProtocolVersion != 0 && p.ProtocolVersion != protocol.ProtocolVersion {
		client.Fail(req.ID, protocol.ErrInvalidRequest, "unsupported protocol version")
		return
	}
	if !r.server.validToken(p.Token) {
		slog.Warn("gateway: connect rejected", "client", client.ID(), "name", p.Client)
		client.Fail(req.ID, protocol.ErrUnauthorized, "invalid token")
		return
	}

	client.markConnected(p.Client)
	slog.Info("gateway: client connected", "client", client.ID(), "name", p.Client)
	client.Reply(req.ID, helloPayload{
		Protocol: protocol.ProtocolVersion,
		ClientID: client.ID(),
		Server:   serverInfo{Name: "messagesforcar", Version: Version},
		Methods:  r.Methods(),
	})
}

func (r *MethodRouter) health(_ context.Context, client *Client, req *protocol.RequestFrame) {
	client.Reply(req.ID, map[string]string{"status": "ok"})
}

// status merges the component snapshot over the gateway's own fields.
func (r *MethodRouter) status(_ context.Context, client *Client, req *protocol.RequestFrame) {
	snap := map[string]any{
		"version": Version,
		"clients": r.server.ClientCount(),
	}
	if r.server.statusFn != nil {
		maps.Copy(snap, r.server.statusFn())
	}
	client.Reply(req.ID, snap)
}

package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// isGatewayReachable tries a quick RPC ping to check if the gateway is up.
func isGatewayReachable() bool {
	_, err := gatewayRPC(protocol.MethodHealth, nil)
	// Any response (even error) means the gateway is up.
	// Only connection failure means it's down.
	return err == nil
}

// mustCall runs an RPC and exits with a friendly message on failure.
// params may be nil.
func mustCall(method string, params any) json.RawMessage {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}

	resp, err := gatewayRPC(method, raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error: "+err.Error()))
		fmt.Fprintln(os.Stderr, "Is the daemon running? Start it with: messagesforcar serve")
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintln(os.Stderr, errStyle.Render(formatRPCError(resp.Error)))
		os.Exit(1)
	}
	data, _ := json.Marshal(resp.Payload)
	return data
}

func printJSON(data json.RawMessage) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// gatewayRPC connects to the running gateway, authenticates, sends an RPC call, and returns the response.
func gatewayRPC(method string, params json.RawMessage) (*protocol.ResponseFrame, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}

	u := url.URL{Scheme: "ws", Host: host + ":" + strconv.Itoa(cfg.Gateway.Port), Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", u.String(), err)
	}
	defer conn.Close()

	connectReq, err := protocol.NewRequest("cli-connect", protocol.MethodConnect, protocol.ConnectParams{
		Token:           cfg.Gateway.Token,
		ProtocolVersion: protocol.ProtocolVersion,
		Client:          "cli",
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(connectReq); err != nil {
		return nil, fmt.Errorf("send connect: %w", err)
	}

	// Read connect response
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var connectResp protocol.ResponseFrame
	if err := conn.ReadJSON(&connectResp); err != nil {
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	if !connectResp.OK {
		if connectResp.Error != nil {
			return nil, fmt.Errorf("connect failed: %w", connectResp.Error)
		}
		return nil, fmt.Errorf("connect failed")
	}

	// Step 2: Send the RPC call
	rpcReq := protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: "cli-rpc", Method: method, Params: params}
	if err := conn.WriteJSON(rpcReq); err != nil {
		return nil, fmt.Errorf("send RPC: %w", err)
	}

	// Read response (skip events, find response with matching ID).
	// QR capture and immediate sync can take a while on a slow head unit.
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		if protocol.FrameType(msg) != protocol.FrameTypeResponse {
			continue
		}

		var resp protocol.ResponseFrame
		if err := json.Unmarshal(msg, &resp); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if resp.ID == "cli-rpc" {
			return &resp, nil
		}
	}
}

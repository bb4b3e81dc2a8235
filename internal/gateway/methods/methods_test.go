package methods

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/internal/gateway"
	"github.com/nextlevelbuilder/messagesforcar/internal/msgsync"
	"github.com/nextlevelbuilder/messagesforcar/internal/notify"
	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
	"github.com/nextlevelbuilder/messagesforcar/internal/session"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

// --- fakes ---

type fakePairing struct {
	state    pairing.State
	url      string
	resets   int
	showQR   bool
	failNext error
}

func (f *fakePairing) Status() pairing.Status {
	return pairing.Status{State: f.state, Description: pairing.Description(f.state)}
}
func (f *fakePairing) ShouldShowQRCode() bool { return f.showQR }
func (f *fakePairing) MarkPairingSuccessful(_ context.Context, url string) error {
	if f.failNext != nil {
		return f.failNext
	}
	f.url = url
	f.state = pairing.StatePaired
	return nil
}
func (f *fakePairing) ResetPairing(context.Context) error {
	f.resets++
	f.state = pairing.StateUnknown
	return nil
}
func (f *fakePairing) CheckPairingStatus(context.Context) pairing.State { return f.state }

type fakeQR struct {
	png []byte
	err error
}

func (f fakeQR) CaptureQR(context.Context) ([]byte, error) { return f.png, f.err }

type fakeSync struct {
	started, stopped, now int
}

func (f *fakeSync) StartSync() error            { f.started++; return nil }
func (f *fakeSync) StopSync()                   { f.stopped++ }
func (f *fakeSync) TriggerImmediateSync() error { f.now++; return nil }
func (f *fakeSync) SyncStatus() msgsync.Status  { return msgsync.Status{} }

type fakeBridge struct {
	actions []notify.ActionCommand
	err     error
}

func (f *fakeBridge) HandleAction(_ context.Context, cmd notify.ActionCommand) error {
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, cmd)
	return nil
}

func (f *fakeBridge) Recent(limit int) []notify.Notification {
	out := make([]notify.Notification, limit)
	for i := range out {
		out[i].ID = int64(i + 1)
	}
	return out
}

// --- harness ---

type rpc struct {
	t    *testing.T
	conn *websocket.Conn
	n    int
}

func newRPC(t *testing.T, register func(r *gateway.MethodRouter)) *rpc {
	t.Helper()
	srv := gateway.NewServer(config.GatewayConfig{}, nil)
	register(srv.Router())
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &rpc{t: t, conn: conn}
	if res := c.call(protocol.MethodConnect, nil); !res.OK {
		t.Fatalf("connect: %+v", res.Error)
	}
	return c
}

func (c *rpc) call(method string, params any) protocol.ResponseFrame {
	c.t.Helper()
	c.n++
	raw, _ := json.Marshal(params)
	id := fmt.Sprintf("r%d", c.n)
	if err := c.conn.WriteJSON(protocol.RequestFrame{Type: protocol.FrameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	for {
		var res protocol.ResponseFrame
		c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := c.conn.ReadJSON(&res); err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if res.Type == protocol.FrameTypeResponse && res.ID == id {
			return res
		}
	}
}

func errCode(res protocol.ResponseFrame) string {
	if res.Error == nil {
		return ""
	}
	return res.Error.Code
}

// --- tests ---

func TestPairingCompleteAndReset(t *testing.T) {
	p := &fakePairing{state: pairing.StateUnpaired}
	c := newRPC(t, NewPairingMethods(p, nil).Register)

	res := c.call(protocol.MethodPairingComplete, protocol.PairingCompleteParams{URL: "https://messages.google.com/web/conversations"})
	if !res.OK || p.state != pairing.StatePaired || p.url == "" {
		t.Fatalf("complete = %+v, state %v", res, p.state)
	}
	if res := c.call(protocol.MethodPairingReset, nil); !res.OK || p.resets != 1 {
		t.Fatalf("reset = %+v", res)
	}

	p.failNext = fmt.Errorf("disk full")
	if res := c.call(protocol.MethodPairingComplete, nil); errCode(res) != protocol.ErrInternal {
		t.Errorf("failing complete code = %q", errCode(res))
	}
}

func TestPairingCheck(t *testing.T) {
	p := &fakePairing{state: pairing.StateExpired}
	c := newRPC(t, NewPairingMethods(p, nil).Register)

	res := c.call(protocol.MethodPairingCheck, nil)
	payload, _ := res.Payload.(map[string]any)
	if !res.OK || payload["isPaired"] != false {
		t.Fatalf("check = %+v", res)
	}
}

func TestPairingQR(t *testing.T) {
	p := &fakePairing{state: pairing.StateUnpaired, showQR: true}
	qr := &fakeQR{png: []byte{0x89, 'P', 'N', 'G'}}
	c := newRPC(t, NewPairingMethods(p, qr).Register)

	res := c.call(protocol.MethodPairingQR, nil)
	payload, _ := res.Payload.(map[string]any)
	if !res.OK || payload["data"] != "iVBORw==" {
		t.Fatalf("qr = %+v", res)
	}

	qr.err = session.ErrNoQR
	if res := c.call(protocol.MethodPairingQR, nil); errCode(res) != protocol.ErrNotFound || !res.Error.Retryable {
		t.Errorf("no qr = %+v", res)
	}

	p.showQR = false
	if res := c.call(protocol.MethodPairingQR, nil); errCode(res) != protocol.ErrFailedPrecondition {
		t.Errorf("paired qr code = %q", errCode(res))
	}
}

func TestPairingQRWithoutSession(t *testing.T) {
	c := newRPC(t, NewPairingMethods(&fakePairing{showQR: true}, nil).Register)
	if res := c.call(protocol.MethodPairingQR, nil); errCode(res) != protocol.ErrUnavailable {
		t.Errorf("code = %q", errCode(res))
	}
}

func TestSyncRequiresPairing(t *testing.T) {
	s := &fakeSync{}
	paired := false
	c := newRPC(t, NewSyncMethods(s, func() bool { return paired }).Register)

	if res := c.call(protocol.MethodSyncStart, nil); errCode(res) != protocol.ErrNotPaired {
		t.Fatalf("start unpaired = %+v", res)
	}
	if res := c.call(protocol.MethodSyncNow, nil); errCode(res) != protocol.ErrNotPaired {
		t.Fatalf("now unpaired = %+v", res)
	}
	if s.started != 0 || s.now != 0 {
		t.Fatal("service called while unpaired")
	}

	paired = true
	c.call(protocol.MethodSyncStart, nil)
	c.call(protocol.MethodSyncNow, nil)
	c.call(protocol.MethodSyncStop, nil)
	if res := c.call(protocol.MethodSyncStatus, nil); !res.OK {
		t.Fatalf("status = %+v", res)
	}
	if s.started != 1 || s.now != 1 || s.stopped != 1 {
		t.Errorf("calls = %+v", s)
	}
}

func TestNotificationActionRoutesByKey(t *testing.T) {
	b := &fakeBridge{}
	c := newRPC(t, NewNotificationMethods(b).Register)

	c.call(protocol.MethodNotificationAction, protocol.NotificationActionParams{Key: notify.ReplyKey(5), Text: "on my way"})
	c.call(protocol.MethodNotificationAction, protocol.NotificationActionParams{Key: notify.MarkReadKey(5)})
	if len(b.actions) != 2 {
		t.Fatalf("actions = %+v", b.actions)
	}
	if b.actions[0].Kind != notify.ActionReply || b.actions[0].Payload != "on my way" {
		t.Errorf("reply = %+v", b.actions[0])
	}
	if b.actions[1].Kind != notify.ActionMarkRead {
		t.Errorf("mark read = %+v", b.actions[1])
	}

	if res := c.call(protocol.MethodNotificationAction, nil); errCode(res) != protocol.ErrInvalidRequest {
		t.Errorf("missing key code = %q", errCode(res))
	}

	b.err = fmt.Errorf("%w: 99", notify.ErrUnknownRoute)
	if res := c.call(protocol.MethodNotificationAction, protocol.NotificationActionParams{Key: 99}); errCode(res) != protocol.ErrNotFound {
		t.Errorf("unknown key code = %q", errCode(res))
	}
}

func TestNotificationsRecentLimit(t *testing.T) {
	c := newRPC(t, NewNotificationMethods(&fakeBridge{}).Register)

	res := c.call(protocol.MethodNotificationsRecent, protocol.NotificationsRecentParams{Limit: 3})
	payload, _ := res.Payload.(map[string]any)
	list, _ := payload["notifications"].([]any)
	if len(list) != 3 {
		t.Fatalf("recent = %+v", res.Payload)
	}
	res = c.call(protocol.MethodNotificationsRecent, nil)
	payload, _ = res.Payload.(map[string]any)
	if list, _ := payload["notifications"].([]any); len(list) != 20 {
		t.Errorf("default limit = %d", len(list))
	}
}

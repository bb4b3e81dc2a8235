package protocol

// RPC method names.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodPairingStatus   = "pairing.status"
	MethodPairingComplete = "pairing.complete"
	MethodPairingReset    = "pairing.reset"
	MethodPairingCheck    = "pairing.check"
	MethodPairingQR       = "pairing.qr"

	MethodSyncStart  = "sync.start"
	MethodSyncStop   = "sync.stop"
	MethodSyncNow    = "sync.now"
	MethodSyncStatus = "sync.status"

	MethodNotificationAction  = "notification.action"
	MethodNotificationsRecent = "notifications.recent"
)

// ConnectParams is sent with the first request on a connection.
type ConnectParams struct {
	Token           string `json:"token,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	Client          string `json:"client,omitempty"`
}

// PairingCompleteParams reports a successful pairing from the UI.
type PairingCompleteParams struct {
	URL string `json:"url"`
}

// NotificationActionParams invokes a reply or mark-read action by its key.
type NotificationActionParams struct {
	Key  int64  `json:"key"`
	Text string `json:"text,omitempty"`
}

// NotificationsRecentParams limits notifications.recent.
type NotificationsRecentParams struct {
	Limit int `json:"limit,omitempty"`
}

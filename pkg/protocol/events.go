package protocol

// WebSocket event names pushed from server to client.
const (
	EventHealth                = "health"
	EventShutdown              = "shutdown"
	EventPairingChanged        = "pairing.changed"
	EventSyncRun               = "sync.run"
	EventNotificationPosted    = "notification.posted"
	EventNotificationCancelled = "notification.cancelled"
)

// PairingChangedPayload is the payload of EventPairingChanged.
type PairingChangedPayload struct {
	From     string `json:"from"`
	To       string `json:"to"`
	IsPaired bool   `json:"isPaired"`
}

// SyncRunPayload is the payload of EventSyncRun.
type SyncRunPayload struct {
	Name    string `json:"name"`
	Result  string `json:"result"` // success | retry | failure | cancelled
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

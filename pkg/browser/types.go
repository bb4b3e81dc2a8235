package browser

import "time"

// TabInfo describes an open tab.
type TabInfo struct {
	TargetID string `json:"targetId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
}

// StatusInfo is reported by the daemon status RPC and doctor.
type StatusInfo struct {
	Running  bool   `json:"running"`
	Remote   bool   `json:"remote,omitempty"`
	Headless bool   `json:"headless"`
	Stealth  bool   `json:"stealth"`
	Profile  string `json:"profile,omitempty"` // user data dir
	Tabs     int    `json:"tabs"`
	URL      string `json:"url,omitempty"`

	// Page script errors usually mean the web client changed under us.
	ConsoleErrors    int64     `json:"consoleErrors"`
	LastConsoleError string    `json:"lastConsoleError,omitempty"`
	LastErrorAt      time.Time `json:"lastErrorAt,omitzero"`
}

// ConsoleMessage is a page console entry.
type ConsoleMessage struct {
	Level string `json:"level"` // log | warn | error | info
	Text  string `json:"text"`
}

package session

import (
	_ "embed"

	"github.com/nextlevelbuilder/messagesforcar/pkg/browser"
)

var (
	//go:embed observer.js
	observerScript string
	//go:embed send_reply.js
	sendReplyScript string
	//go:embed mark_read.js
	markReadScript string
)

// checkScripts compile-checks every embedded script.
func checkScripts() error {
	for name, src := range map[string]string{
		"observer.js":   observerScript,
		"send_reply.js": sendReplyScript,
		"mark_read.js":  markReadScript,
	} {
		if err := browser.CompileScript(name, src); err != nil {
			return err
		}
	}
	return nil
}

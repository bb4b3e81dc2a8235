package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/messagesforcar/internal/notify"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notify", "notif"},
		Short:   "List recent message notifications and act on them",
	}

	cmd.AddCommand(notificationsRecentCmd())
	cmd.AddCommand(notificationsReplyCmd())
	cmd.AddCommand(notificationsReadCmd())
	return cmd
}

func fetchRecent(limit int) []notify.Notification {
	data := mustCall(protocol.MethodNotificationsRecent, protocol.NotificationsRecentParams{Limit: limit})
	var res struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		fmt.Printf("Error parsing response: %v\n", err)
		os.Exit(1)
	}
	return res.Notifications
}

func notificationsRecentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent message notifications",
		Run: func(cmd *cobra.Command, args []string) {
			list := fetchRecent(limit)
			if len(list) == 0 {
				fmt.Println("No notifications.")
				return
			}
			for _, n := range list {
				when := time.UnixMilli(n.Timestamp).Format("15:04")
				fmt.Printf("%s %s  %s\n", dimStyle.Render(when), titleStyle.Render(n.Title), n.Body)
				for _, a := range n.Actions {
					fmt.Println(dimStyle.Render(fmt.Sprintf("      %-10s key=%d", a.Title, a.Key)))
				}
			}
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max notifications")
	return cmd
}

func notificationsReplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reply [key] [text...]",
		Short: "Reply to a notification (interactive if no key given)",
		Run: func(cmd *cobra.Command, args []string) {
			var (
				key  int64
				to   string
				text string
			)
			if len(args) > 0 {
				key = parseKey(args[0])
				text = strings.TrimSpace(strings.Join(args[1:], " "))
			} else {
				key, to = selectNotification(notify.ActionReply)
				if key == 0 {
					return
				}
			}

			if text == "" {
				t, err := promptReply(to)
				if err != nil {
					fmt.Println("Cancelled.")
					return
				}
				text = t
			}

			mustCall(protocol.MethodNotificationAction, protocol.NotificationActionParams{Key: key, Text: text})
			fmt.Println(okStyle.Render("Reply queued."))
		},
	}
}

func notificationsReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read [key]",
		Short: "Mark a conversation as read via its notification",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var key int64
			if len(args) == 1 {
				key = parseKey(args[0])
			} else {
				key, _ = selectNotification(notify.ActionMarkRead)
				if key == 0 {
					return
				}
			}

			mustCall(protocol.MethodNotificationAction, protocol.NotificationActionParams{Key: key})
			fmt.Println("Marked as read.")
		},
	}
}

func parseKey(s string) int64 {
	k, err := strconv.ParseInt(s, 10, 64)
	if err != nil || k <= 0 {
		fmt.Printf("Invalid key %q\n", s)
		os.Exit(1)
	}
	return k
}

// selectNotification lets the user pick a recent notification and returns
// the key of its action of the given kind with the sender (0 when cancelled).
func selectNotification(kind notify.ActionKind) (int64, string) {
	type pick struct {
		key    int64
		sender string
	}

	var choices []choice[pick]
	for _, n := range fetchRecent(20) {
		for _, a := range n.Actions {
			if a.Kind != kind {
				continue
			}
			choices = append(choices, choice[pick]{
				Label: fmt.Sprintf("%s: %s", n.Title, n.Body),
				Value: pick{key: a.Key, sender: n.Title},
			})
		}
	}
	if len(choices) == 0 {
		fmt.Println("No notifications to act on.")
		return 0, ""
	}

	p, err := promptChoose("Select a notification", choices)
	if err != nil {
		fmt.Println("Cancelled.")
		return 0, ""
	}
	return p.key, p.sender
}

package cmd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Inspect and manage the phone pairing",
	}

	cmd.AddCommand(pairingStatusCmd())
	cmd.AddCommand(pairingCheckCmd())
	cmd.AddCommand(pairingCompleteCmd())
	cmd.AddCommand(pairingResetCmd())
	cmd.AddCommand(pairingQRCmd())

	return cmd
}

func pairingStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current pairing state",
		Run: func(cmd *cobra.Command, args []string) {
			data := mustCall(protocol.MethodPairingStatus, nil)
			if asJSON {
				printJSON(data)
				return
			}

			var st pairing.Status
			if err := json.Unmarshal(data, &st); err != nil {
				fmt.Printf("Error parsing response: %v\n", err)
				os.Exit(1)
			}
			printPairingStatus(st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printPairingStatus(st pairing.Status) {
	state := st.State.String()
	switch st.State {
	case pairing.StatePaired:
		state = okStyle.Render(state)
	case pairing.StateError, pairing.StateExpired:
		state = errStyle.Render(state)
	default:
		state = warnStyle.Render(state)
	}

	fmt.Println(titleStyle.Render("Pairing"))
	fmt.Printf("  %-12s %s\n", "State:", state)
	fmt.Printf("  %-12s %s\n", "Detail:", st.Description)
	if st.Record.IsPaired {
		paired := time.UnixMilli(st.Record.PairingTimestamp)
		fmt.Printf("  %-12s %s %s\n", "Paired at:", paired.Format(time.RFC3339),
			dimStyle.Render("("+time.Since(paired).Truncate(time.Minute).String()+" ago)"))
	}
	if st.LastCheck > 0 {
		fmt.Printf("  %-12s %s\n", "Last check:", time.UnixMilli(st.LastCheck).Format(time.RFC3339))
	}
	if st.ShowQRCode {
		fmt.Println()
		fmt.Println(dimStyle.Render("  Scan the QR code with Messages on your phone: messagesforcar pairing qr"))
	}
}

func pairingCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Re-evaluate the stored pairing against the 24h validity window",
		Run: func(cmd *cobra.Command, args []string) {
			printJSON(mustCall(protocol.MethodPairingCheck, nil))
		},
	}
}

func pairingCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete [url]",
		Short: "Mark pairing as completed (after scanning the QR code)",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var params protocol.PairingCompleteParams
			if len(args) == 1 {
				params.URL = args[0]
			}
			mustCall(protocol.MethodPairingComplete, params)
			fmt.Println(okStyle.Render("Pairing marked as successful."))
		},
	}
}

func pairingResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the pairing; the phone must scan a new QR code",
		Run: func(cmd *cobra.Command, args []string) {
			if !yes {
				ok, err := promptConfirm("Forget the current pairing?")
				if err != nil || !ok {
					fmt.Println("Cancelled.")
					return
				}
			}
			mustCall(protocol.MethodPairingReset, nil)
			fmt.Println("Pairing reset.")
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func pairingQRCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Save the pairing QR code shown by the live session as PNG",
		Run: func(cmd *cobra.Command, args []string) {
			data := mustCall(protocol.MethodPairingQR, nil)

			var qr struct {
				Mime string `json:"mime"`
				Data string `json:"data"`
			}
			if err := json.Unmarshal(data, &qr); err != nil {
				fmt.Printf("Error parsing response: %v\n", err)
				os.Exit(1)
			}
			png, err := base64.StdEncoding.DecodeString(qr.Data)
			if err != nil {
				fmt.Printf("Error decoding QR image: %v\n", err)
				os.Exit(1)
			}
			if err := os.WriteFile(out, png, 0o644); err != nil {
				fmt.Printf("Error writing %s: %v\n", out, err)
				os.Exit(1)
			}
			fmt.Printf("QR code saved to %s (%d bytes). Open it and scan with Messages on your phone.\n", out, len(png))
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "pairing-qr.png", "output file")
	return cmd
}

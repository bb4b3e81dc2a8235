package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/messagesforcar/internal/msgsync"
	"github.com/nextlevelbuilder/messagesforcar/internal/scheduler"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Control background message sync",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Schedule the recurring sync job",
		Run: func(cmd *cobra.Command, args []string) {
			printSyncStatus(mustCall(protocol.MethodSyncStart, nil))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Cancel the recurring sync job",
		Run: func(cmd *cobra.Command, args []string) {
			mustCall(protocol.MethodSyncStop, nil)
			fmt.Println("Periodic sync stopped.")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "now",
		Short: "Run a one-shot sync as soon as constraints allow",
		Run: func(cmd *cobra.Command, args []string) {
			mustCall(protocol.MethodSyncNow, nil)
			fmt.Println("Immediate sync queued.")
		},
	})

	var asJSON bool
	status := &cobra.Command{
		Use:   "status",
		Short: "Show sync jobs and their last runs",
		Run: func(cmd *cobra.Command, args []string) {
			data := mustCall(protocol.MethodSyncStatus, nil)
			if asJSON {
				printJSON(data)
				return
			}
			printSyncStatus(data)
		},
	}
	status.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.AddCommand(status)

	return cmd
}

func printSyncStatus(data json.RawMessage) {
	var st msgsync.Status
	if err := json.Unmarshal(data, &st); err != nil {
		fmt.Printf("Error parsing response: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(titleStyle.Render("Sync"))
	fmt.Printf("  %-12s %s\n", "State:", st.State)
	if st.Blocked {
		fmt.Printf("  %-12s %s\n", "Blocked:", errStyle.Render(st.BlockedReason))
	}
	if st.LastSuccessMS > 0 {
		last := time.UnixMilli(st.LastSuccessMS)
		fmt.Printf("  %-12s %s %s\n", "Last sync:", last.Format(time.RFC3339),
			dimStyle.Render("("+time.Since(last).Truncate(time.Second).String()+" ago)"))
	} else {
		fmt.Printf("  %-12s %s\n", "Last sync:", dimStyle.Render("never"))
	}

	printJobs("Periodic", st.Periodic)
	printJobs("One-shot", st.OneShots)
}

func printJobs(title string, jobs []scheduler.WorkInfo) {
	if len(jobs) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("  %s:\n", title)
	for _, j := range jobs {
		line := fmt.Sprintf("    %-22s %-10s attempt=%d", j.Name, j.State, j.RunAttempt)
		if j.NextRunAtMS > 0 {
			line += "  next=" + time.UnixMilli(j.NextRunAtMS).Format(time.Kitchen)
		}
		fmt.Println(line)
		if j.LastError != "" {
			fmt.Println(dimStyle.Render("      last error: " + j.LastError))
		}
	}
}

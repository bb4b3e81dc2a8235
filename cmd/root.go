package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/internal/gateway"
)

var (
	cfgFile string
	verbose bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "messagesforcar",
	Short: "Google Messages for Web on the car head unit",
	Long: `messagesforcar keeps a paired Google Messages for Web session alive in a
headless Chrome, mirrors incoming messages as notifications with reply and
mark-read actions, and syncs conversations in the background.

Run without a subcommand to start the daemon.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.messagesforcar/config.json5, env MFC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())

	gateway.Version = Version
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	return config.ResolvePath(cfgFile)
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

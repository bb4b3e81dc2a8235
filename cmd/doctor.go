package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/internal/scheduler"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println(titleStyle.Render("messagesforcar doctor"))
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(config.ExpandHome(cfgPath)); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", errStyle.Render(err.Error()))
		return
	}

	profile := "standard"
	if cfg.Device.Automotive {
		profile = "automotive"
	}
	fmt.Printf("  Profile:  %s (sync every %s, policy %s)\n", profile, cfg.Sync.Interval(), cfg.Sync.Policy)

	// Browser
	fmt.Println()
	fmt.Println("  Browser:")
	switch {
	case cfg.Browser.RemoteURL != "":
		fmt.Printf("    %-12s %s\n", "Remote:", cfg.Browser.RemoteURL)
	case cfg.Browser.BinPath != "":
		checkPath("Chrome:", cfg.Browser.BinPath)
	default:
		if path, ok := launcher.LookPath(); ok {
			fmt.Printf("    %-12s %s\n", "Chrome:", path)
		} else {
			fmt.Printf("    %-12s %s\n", "Chrome:", warnStyle.Render("not found (rod will download Chromium on first start)"))
		}
	}
	checkPath("Profile:", cfg.Browser.UserDataDir)

	// Storage
	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Mode:", cfg.Database.Mode)
	if cfg.Database.Mode == "managed" {
		checkSecret("Postgres:", cfg.Database.PostgresDSN)
	} else {
		checkPath("SQLite:", cfg.Database.SQLitePath)
	}
	fmt.Printf("    %-12s %s\n", "Prefs:", cfg.Database.KVBackend)
	checkPath("Work queue:", cfg.Sync.StorePath)
	checkSecret("Encryption:", cfg.Security.EncryptionKey)

	// Notifications
	fmt.Println()
	fmt.Println("  Notifications:")
	checkSink("Log", cfg.Notifications.Log, true)
	checkSink("Gateway", cfg.Notifications.Gateway, true)
	tg := cfg.Notifications.Telegram
	checkSink("Telegram", tg.Enabled, tg.Token != "" && tg.ChatID != 0)
	if cfg.Notifications.Filter != "" {
		fmt.Printf("    %-12s %s\n", "Filter:", cfg.Notifications.Filter)
	}

	// Environment
	fmt.Println()
	fmt.Println("  Environment:")
	env := scheduler.SystemEnvironment{PowerSupplyDir: cfg.Device.PowerSupplyDir}.Snapshot()
	fmt.Printf("    %-12s %v\n", "Network:", env.NetworkAvailable)
	fmt.Printf("    %-12s %v\n", "Battery low:", env.BatteryLow)

	// Gateway
	fmt.Println()
	fmt.Printf("  Gateway:  %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	if isGatewayReachable() {
		fmt.Println(" " + okStyle.Render("(running)"))
	} else {
		fmt.Println(" " + dimStyle.Render("(not running)"))
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPath(label, path string) {
	if path == "" {
		fmt.Printf("    %-12s (not configured)\n", label)
		return
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-12s %s %s\n", label, path, dimStyle.Render("(will be created)"))
		return
	}
	fmt.Printf("    %-12s %s\n", label, path)
}

func checkSecret(label, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", label)
		return
	}
	fmt.Printf("    %-12s %s\n", label, config.MaskSecret(value))
}

func checkSink(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = okStyle.Render("enabled")
	} else if enabled {
		status = warnStyle.Render("enabled (missing credentials)")
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

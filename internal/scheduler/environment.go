package scheduler

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvState is a point-in-time view of the device conditions work
// constraints are evaluated against.
type EnvState struct {
	NetworkAvailable bool `json:"networkAvailable"`
	BatteryLow       bool `json:"batteryLow"`
	DeviceIdle       bool `json:"deviceIdle"`
}

// Environment reports the current device conditions.
type Environment interface {
	Snapshot() EnvState
}

// Unmet lists the constraints not satisfied by s.
func (c Constraints) Unmet(s EnvState) []string {
	var out []string
	if c.RequiresNetwork && !s.NetworkAvailable {
		out = append(out, "network")
	}
	if c.RequiresBatteryNotLow && s.BatteryLow {
		out = append(out, "battery")
	}
	if c.RequiresDeviceIdle && !s.DeviceIdle {
		out = append(out, "idle")
	}
	return out
}

// lowBatteryPercent is the capacity under which a discharging battery
// counts as low.
const lowBatteryPercent = 15

// SystemEnvironment reads Linux sysfs power supplies and the network
// interface table.
type SystemEnvironment struct {
	PowerSupplyDir string // default /sys/class/power_supply
}

// Snapshot implements Environment. A machine without a battery is never low.
// Device idle is not observable here and is reported false.
func (e SystemEnvironment) Snapshot() EnvState {
	dir := e.PowerSupplyDir
	if dir == "" {
		dir = "/sys/class/power_supply"
	}
	return EnvState{
		NetworkAvailable: networkAvailable(),
		BatteryLow:       batteryLow(dir),
	}
}

func readSysfs(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func batteryLow(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if !strings.EqualFold(readSysfs(filepath.Join(p, "type")), "Battery") {
			continue
		}
		capacity, err := strconv.Atoi(readSysfs(filepath.Join(p, "capacity")))
		if err != nil {
			continue
		}
		status := readSysfs(filepath.Join(p, "status"))
		if capacity < lowBatteryPercent && !strings.EqualFold(status, "Charging") {
			return true
		}
	}
	return false
}

func networkAvailable() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// StaticEnvironment always reports the same state.
type StaticEnvironment EnvState

// Snapshot implements Environment.
func (s StaticEnvironment) Snapshot() EnvState { return EnvState(s) }

// WatchEnvironment polls env every interval and calls onChange with the
// previous and current state whenever they differ. It blocks until ctx is
// done.
func WatchEnvironment(ctx context.Context, env Environment, interval time.Duration, onChange func(prev, cur EnvState)) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	prev := env.Snapshot()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := env.Snapshot()
			if cur != prev {
				slog.Debug("scheduler: environment changed",
					"network", cur.NetworkAvailable, "batteryLow", cur.BatteryLow)
				onChange(prev, cur)
				prev = cur
			}
		}
	}
}

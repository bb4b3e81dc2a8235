package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/messagesforcar/internal/bus"
	"github.com/nextlevelbuilder/messagesforcar/internal/config"
	"github.com/nextlevelbuilder/messagesforcar/internal/crypto"
	"github.com/nextlevelbuilder/messagesforcar/internal/detector"
	"github.com/nextlevelbuilder/messagesforcar/internal/gateway"
	"github.com/nextlevelbuilder/messagesforcar/internal/gateway/methods"
	"github.com/nextlevelbuilder/messagesforcar/internal/msgsync"
	"github.com/nextlevelbuilder/messagesforcar/internal/notify"
	"github.com/nextlevelbuilder/messagesforcar/internal/notify/telegram"
	"github.com/nextlevelbuilder/messagesforcar/internal/pairing"
	"github.com/nextlevelbuilder/messagesforcar/internal/scheduler"
	"github.com/nextlevelbuilder/messagesforcar/internal/session"
	"github.com/nextlevelbuilder/messagesforcar/internal/store"
	"github.com/nextlevelbuilder/messagesforcar/internal/tracing"
	"github.com/nextlevelbuilder/messagesforcar/pkg/browser"
	"github.com/nextlevelbuilder/messagesforcar/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (browser session, detector, sync, notifications, gateway)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx); err != nil {
		slog.Error("messagesforcar stopped", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	slog.Info("messagesforcar starting", "version", Version, "config", cfgPath,
		"automotive", cfg.Device.Automotive)

	// --- persistence ---
	stores, err := openStores(ctx, storeConfig(cfg))
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close()

	var storeOpts []pairing.StoreOption
	if cfg.Security.EncryptionKey != "" {
		sealer, err := crypto.NewSealer(cfg.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		storeOpts = append(storeOpts, pairing.WithSealer(sealer))
	}

	mb := bus.New()

	// --- tracing ---
	collector := tracing.NewCollector(stores.Runs)
	initOTelExporter(ctx, cfg, collector)
	collector.Start()
	defer collector.Stop()

	// --- live session ---
	br := browser.New(
		browser.WithHeadless(cfg.Browser.Headless),
		browser.WithStealth(cfg.Browser.Stealth),
		browser.WithUserDataDir(cfg.Browser.UserDataDir),
		browser.WithBinPath(cfg.Browser.BinPath),
		browser.WithRemoteURL(cfg.Browser.RemoteURL),
		browser.WithExtraFlags(cfg.Browser.ExtraFlags),
	)
	host, err := session.New(br,
		session.WithConfig(session.Config{
			URL:          cfg.Session.URL,
			AllowedHosts: cfg.Session.AllowedHosts,
			CommandRate:  cfg.Session.CommandRate,
			CommandBurst: cfg.Session.CommandBurst,
			EvalTimeout:  time.Duration(cfg.Session.EvalTimeoutMS) * time.Millisecond,
			QRMaxWidth:   cfg.Session.QRMaxWidth,
		}),
		session.WithInbound(mb),
		session.WithSpans(collector),
	)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	// --- pairing ---
	pairingStore := pairing.NewStore(ctx, stores.KV, storeOpts...)
	pm := pairing.NewManager(ctx, pairingStore, stores.KV, pairing.WithURLSource(host.CurrentURL))

	// --- notifications ---
	bridge, tg, err := buildBridge(cfg, mb, stores)
	if err != nil {
		return err
	}

	// --- sync ---
	worker := &msgsync.Worker{
		Pairing:  pairingStore,
		Messages: stores.Messages,
		Syncer:   msgsync.NewSessionSyncer(host, stores.Messages),
		Spans:    collector,
	}
	retry := scheduler.DefaultRetryConfig()
	if cfg.Sync.MaxRetries > 0 {
		retry.MaxRetries = cfg.Sync.MaxRetries
	}
	if cfg.Sync.MinBackoff() > 0 {
		retry.MinBackoff = cfg.Sync.MinBackoff()
	}
	if cfg.Sync.MaxBackoff() > 0 {
		retry.MaxBackoff = cfg.Sync.MaxBackoff()
	}
	env := scheduler.SystemEnvironment{PowerSupplyDir: cfg.Device.PowerSupplyDir}
	sched := scheduler.NewService(cfg.Sync.StorePath, msgsync.WorkerFunc(worker),
		scheduler.WithEnvironment(env),
		scheduler.WithRetryConfig(retry),
		scheduler.WithRunTimeout(cfg.Sync.RunTimeout()),
	)
	msm := msgsync.NewManager(sched, pm.IsPaired, msgsync.Config{
		Automotive: cfg.Device.Automotive,
		Interval:   cfg.Sync.Interval(),
		Policy:     scheduler.ExistingPolicy(cfg.Sync.Policy),
	},
		msgsync.WithCapability(bridge.Enabled),
		msgsync.WithNoticer(bridge),
	)
	sched.OnRunFinished(msm.HandleRunFinished)
	msm.OnRun(func(ev scheduler.RunEvent) {
		mb.Broadcast(bus.Event{Name: protocol.EventSyncRun, Payload: protocol.SyncRunPayload{
			Name:    ev.Work.Name,
			Result:  ev.Result.String(),
			Attempt: ev.Attempt,
			Error:   ev.Err,
		}})
		if ev.Result == scheduler.ResultSuccess {
			bridge.SetServiceStatus(ctx, "Synced at "+time.Now().Format("15:04"))
		}
	})

	// --- pairing detector ---
	det := detector.New(detector.NewScriptOracle(host, nil), detector.WithConfig(detectorConfig(cfg)))
	det.OnTransition(func(t detector.Transition) {
		applied := pm.Observe(ctx, t.Observation())
		collector.EmitSpan(store.SpanData{
			SpanType: store.SpanTypeTransition,
			Name:     t.From.String() + "->" + t.To.String(),
			Status:   "ok",
			Attributes: map[string]string{
				"confidence": strconv.FormatFloat(t.Confidence, 'f', 2, 64),
				"seq":        strconv.FormatUint(t.Seq, 10),
				"applied":    strconv.FormatBool(applied),
			},
		})
	})
	host.OnMutation(det.Trigger)

	pm.OnChange(msm.OnPairingStateChanged)
	pm.OnChange(func(from, to pairing.State) {
		mb.Broadcast(bus.Event{Name: protocol.EventPairingChanged, Payload: protocol.PairingChangedPayload{
			From:     from.String(),
			To:       to.String(),
			IsPaired: pm.IsPaired(),
		}})
		bridge.SetServiceStatus(ctx, pairing.Description(to))
	})

	// --- gateway ---
	gw := gateway.NewServer(cfg.Gateway, mb)
	methods.NewPairingMethods(pm, host).Register(gw.Router())
	methods.NewSyncMethods(msm, pm.IsPaired).Register(gw.Router())
	methods.NewNotificationMethods(bridge).Register(gw.Router())
	gw.SetStatusProvider(func() map[string]any {
		return map[string]any{
			"pairing":   pm.Status(),
			"sync":      msm.SyncStatus(),
			"session":   map[string]any{"ready": host.Ready(), "url": host.CurrentURL()},
			"browser":   br.Status(),
			"scheduler": sched.Status(),
			"oneShots":  sched.InfosFor(scheduler.KindOneShot),
			"sinks":     bridge.Enabled(),
			"spans":     map[string]any{"dropped": collector.Dropped()},
		}
	})

	// --- config hot reload ---
	if watcher, err := config.NewWatcher(cfgPath); err == nil {
		watcher.OnChange(func(next *config.Config, changed []string) {
			cfg.ReplaceFrom(next)
			for _, section := range changed {
				switch section {
				case "detector":
					det.SetConfig(detectorConfig(next))
				case "notifications.filter":
					f, err := compileFilter(next.Notifications.Filter)
					if err != nil {
						slog.Warn("notification filter not updated", "error", err)
						continue
					}
					bridge.SetFilter(f)
				}
			}
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config watcher not started", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// --- run ---
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := host.Stop(stopCtx); err != nil {
			slog.Warn("session stop", "error", err)
		}
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	det.Start(ctx)
	defer det.Stop()

	bridge.SetServiceStatus(ctx, "Starting")
	// Restores Paired/Expired from the durable record; Paired starts sync.
	pm.CheckPairingStatus(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	g.Go(func() error { bridge.Run(gctx, mb); return nil })
	g.Go(func() error { host.RunCommands(gctx, mb); return nil })
	g.Go(func() error {
		scheduler.WatchEnvironment(gctx, env, envPollInterval(cfg), msm.OnEnvironmentChanged)
		return nil
	})
	if tg != nil {
		g.Go(func() error {
			if err := tg.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("telegram sink stopped", "error", err)
			}
			return nil
		})
	}
	if cleanup := initTailscale(gctx, cfg, gw.Mux()); cleanup != nil {
		defer cleanup()
	}

	err = g.Wait()
	slog.Info("messagesforcar shutting down")
	return err
}

func detectorConfig(cfg *config.Config) detector.Config {
	return detector.Config{
		Interval: cfg.Detector.Interval(),
		Debounce: cfg.Detector.Debounce(),
		Timeout:  cfg.Detector.Timeout(),
	}
}

func envPollInterval(cfg *config.Config) time.Duration {
	if cfg.Device.EnvPollSeconds > 0 {
		return time.Duration(cfg.Device.EnvPollSeconds) * time.Second
	}
	return 10 * time.Second
}

func compileFilter(expr string) (*notify.Filter, error) {
	if expr == "" {
		return nil, nil
	}
	return notify.CompileFilter(expr)
}

// buildBridge assembles the notification sinks. The Telegram poster is
// returned separately because its update loop must run.
func buildBridge(cfg *config.Config, mb *bus.MessageBus, stores *store.Stores) (*notify.Bridge, *telegram.Poster, error) {
	var (
		posters []notify.Poster
		bridge  *notify.Bridge
		tg      *telegram.Poster
	)
	if cfg.Notifications.Log {
		posters = append(posters, notify.LogPoster{})
	}
	if cfg.Notifications.Gateway {
		posters = append(posters, notify.EventPoster{Events: mb})
	}
	if t := cfg.Notifications.Telegram; t.Enabled {
		p, err := telegram.New(t.Token, t.ChatID, func(ctx context.Context, cmd notify.ActionCommand) error {
			return bridge.HandleAction(ctx, cmd)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("telegram: %w", err)
		}
		tg = p
		posters = append(posters, p)
	}

	opts := []notify.Option{
		notify.WithMessageStore(stores.Messages),
		notify.WithConfig(notify.Config{BodyWidth: cfg.Notifications.BodyWidth}),
	}
	filter, err := compileFilter(cfg.Notifications.Filter)
	if err != nil {
		return nil, nil, fmt.Errorf("notification filter: %w", err)
	}
	if filter != nil {
		opts = append(opts, notify.WithFilter(filter))
	}

	multi := notify.NewMulti(posters...)
	bridge = notify.NewBridge(mb, multi, opts...)
	slog.Info("notification sinks", "enabled", bridge.Enabled(), "sinks", multi.Names())
	return bridge, tg, nil
}

// Command gatewayd runs the UDML message gateway daemon: it loads
// config.yaml, opens the durable store, starts whichever channel adapters
// are enabled, and runs the turn-worker and outbox-worker until signaled
// to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/udml/gateway/internal/bus"
	"github.com/udml/gateway/internal/channels"
	"github.com/udml/gateway/internal/config"
	"github.com/udml/gateway/internal/dispatch"
	"github.com/udml/gateway/internal/msgctx"
	otelPkg "github.com/udml/gateway/internal/otel"
	"github.com/udml/gateway/internal/replygen"
	"github.com/udml/gateway/internal/store"
	"github.com/udml/gateway/internal/telemetry"
	"github.com/udml/gateway/internal/workers"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                run the gateway daemon
  %s -version        print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  UDML_HOME                 data directory (default: ~/.udml-gateway)
  UDML_BIND_ADDR            unused placeholder for future HTTP surface
  UDML_LOG_LEVEL            debug|info|warn|error
  TELEGRAM_TOKEN            overrides channels.telegram.token
  SLACK_BOT_TOKEN           overrides channels.slack.bot_token
  SLACK_APP_TOKEN           overrides channels.slack.app_token
  TWILIO_ACCOUNT_SID        overrides channels.twilio.account_sid
  TWILIO_AUTH_TOKEN         overrides channels.twilio.auth_token
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{Enabled: false})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	eventBus := bus.New()

	stateDir := cfg.StateDir()
	st, err := store.Open(stateDir, eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "state_dir", stateDir)

	driver := dispatch.NewDriver(st, logger, cfg.Messages.Delivery.FailOpenOnQueuedFinal)
	generator := replygen.Echo{}
	registry := channels.NewRegistry()
	driver.SetIdempotencyCapableFunc(registry.SupportsIdempotencyKey)

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			driver, generator, logger,
		)
		registry.Register(tg.Adapter())
		go runChannel(ctx, logger, tg)
	}

	if cfg.Channels.WhatsApp.Enabled {
		dbPath := cfg.Channels.WhatsApp.DeviceStorePath
		if dbPath == "" {
			dbPath = filepath.Join(stateDir, "whatsapp.db")
		}
		wa := channels.NewWhatsAppChannel(dbPath, "", driver, generator, logger)
		registry.Register(wa.Adapter())
		go runChannel(ctx, logger, wa)
	}

	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" {
		sl := channels.NewSlackChannel(cfg.Channels.Slack.BotToken, driver, generator, logger)
		registry.Register(sl.Adapter())
		go runChannel(ctx, logger, sl)
	}

	if cfg.Channels.Twilio.Enabled && cfg.Channels.Twilio.AccountSID != "" {
		tw := channels.NewTwilioChannel(
			cfg.Channels.Twilio.AccountSID,
			cfg.Channels.Twilio.AuthToken,
			cfg.Channels.Twilio.FromNumber,
			driver, generator, logger,
		)
		registry.Register(tw.Adapter())
		go runChannel(ctx, logger, tw)
	}

	// resumeDispatcher rebuilds a Dispatcher for a turn recovered after a
	// crash, routing its direct-send closure through whichever channel
	// adapter the hydrated context names: the turn-worker has no inbound
	// connection of its own to piggyback on, only the registry.
	resumeDispatcher := func(turnID string, mc msgctx.MsgContext) *dispatch.Dispatcher {
		d := dispatch.New(turnID, mc.CommandSource, st)
		channel := mc.OriginatingChannel
		target := mc.OriginatingTo
		d.SetDirectSend(func(ctx context.Context, payload msgctx.ReplyPayload) error {
			a, ok := registry.Get(channel)
			if !ok {
				return fmt.Errorf("gatewayd: no adapter registered for channel %q", channel)
			}
			_, err := a.Send(ctx, target, msgctx.DeliveryPayload{
				Channel:  channel,
				To:       target,
				Payloads: []msgctx.ReplyPayload{payload},
			})
			return err
		})
		return d
	}

	turnWorker, err := workers.NewTurnWorker(workers.TurnWorkerConfig{
		Store:             st,
		Driver:            driver,
		Resolve:           replygen.AsResolver(generator),
		NewDispatcher:     resumeDispatcher,
		Logger:            logger,
		Interval:          time.Duration(cfg.TurnIntervalMs) * time.Millisecond,
		MaxTurnsPerPass:   cfg.MaxTurnsPerPass,
		PruneScheduleCron: cfg.PruneScheduleCron,
	})
	if err != nil {
		fatalStartup(logger, "E_TURN_WORKER_INIT", err)
	}

	outboxWorker, err := workers.NewOutboxWorker(workers.OutboxWorkerConfig{
		Store:             st,
		Deliver:           registry.Deliver,
		StateDir:          stateDir,
		Logger:            logger,
		Interval:          time.Duration(cfg.OutboxIntervalMs) * time.Millisecond,
		TTL:               time.Duration(cfg.Messages.Delivery.MaxAgeMs) * time.Millisecond,
		PruneScheduleCron: cfg.PruneScheduleCron,
	})
	if err != nil {
		fatalStartup(logger, "E_OUTBOX_WORKER_INIT", err)
	}

	turnWorker.Start(ctx)
	defer turnWorker.Stop()
	outboxWorker.Start(ctx)
	defer outboxWorker.Stop()
	logger.Info("startup phase", "phase", "workers_started")

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config hot-reload event observed; restart to apply", "path", ev.Path)
			}
		}()
	}

	logger.Info("gateway ready")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
}

// runChannel starts a long-lived channel and logs a non-fatal error if it
// exits before ctx is done: a single misconfigured channel should not take
// the whole daemon down.
func runChannel(ctx context.Context, logger *slog.Logger, ch channels.Channel) {
	if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("channel exited with error", "channel", ch.Name(), "error", err)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure [%s]: %s\n", reasonCode, message)
	}
	os.Exit(1)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitpart/internal/bus"
	"bitpart/internal/channel"
	"bitpart/internal/config"
	"bitpart/internal/control"
	"bitpart/internal/dedup"
	"bitpart/internal/dispatch"
	"bitpart/internal/domain"
	"bitpart/internal/interpreter"
	"bitpart/internal/memory"
	"bitpart/internal/protocol"
	"bitpart/internal/registry"
	"bitpart/internal/storage"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	inboundBufferSize = 256
	shutdownTimeout   = 10 * time.Second
)

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the bot server and control plane",
		Long:  "Starts every linked channel, the dispatcher and the control plane. Press Ctrl+C to stop.",
		RunE:  runServer,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, storage.Config{
		Path:   cfg.Database.Path,
		Key:    cfg.Database.Key,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Inbound bus (closed during graceful shutdown below)
	messageBus := bus.New(inboundBufferSize, logger)
	events := bus.NewEventBus(logger)
	logEvents(events)

	guard, err := dedup.New(dedup.Config{
		DB:            db,
		Window:        cfg.Dedup.Window(),
		MaxEntries:    cfg.Dedup.MaxEntries,
		SecurityLevel: domain.SecurityLevel(cfg.Conversation.SecurityLevel),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("dedup guard: %w", err)
	}

	channels, err := channel.New(channel.Config{
		DB: db,
		Protocol: protocol.Config{
			DB:     db,
			Locks:  storage.NewKeyedMutex(),
			Policy: protocol.TrustPolicy(cfg.Protocol.OnNewIdentity),
			Logger: logger,
		},
		Bus:          messageBus,
		Events:       events,
		Dedup:        guard,
		Kind:         cfg.Transport.Kind,
		DeviceName:   cfg.Protocol.DeviceName,
		SyncInterval: cfg.Sync.Interval(),
		SyncSchedule: cfg.Sync.Schedule,
		KeepHistory:  cfg.Protocol.KeepHistory,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("channel manager: %w", err)
	}
	defer channels.Close()
	channels.Register(channel.KindLoopback, channel.NewLoopback())

	reg := registry.New(registry.Config{
		DB:       db,
		Channels: channels,
		Events:   events,
		Logger:   logger,
	})
	if cfg.Bots.Dir != "" {
		loaded, err := reg.LoadDir(ctx, cfg.Bots.Dir)
		if err != nil {
			return fmt.Errorf("load bots: %w", err)
		}
		logger.Info("bot definitions loaded", "dir", cfg.Bots.Dir, "changed", len(loaded))
	}

	interp, err := newInterpreter(ctx, cfg.Interpreter)
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		DB:                 db,
		Bus:                messageBus,
		Registry:           reg,
		Channels:           channels,
		Memory:             memory.New(memory.Config{DB: db, TTL: cfg.Conversation.TTL(), Logger: logger}),
		Conversations:      memory.NewConversations(db),
		Dedup:              guard,
		Interpreter:        interp,
		Events:             events,
		Concurrency:        cfg.Dispatch.Concurrency,
		SendTimeout:        cfg.Dispatch.SendTimeout(),
		SendRetries:        cfg.Dispatch.SendRetries,
		InterpreterRetries: cfg.Dispatch.InterpreterRetries,
		SendRatePerSecond:  cfg.Dispatch.SendRatePerSecond,
		SendBurst:          cfg.Dispatch.SendBurst,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	ctl, err := control.New(control.Config{
		Bind:        cfg.Server.Bind,
		Auth:        cfg.Server.Auth,
		ReadTimeout: cfg.Server.ReadTimeout(),
		MetricsPath: metricsPath,
		Bots:        reg,
		Channels:    channels,
		Messenger:   dispatcher,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("control plane: %w", err)
	}

	if err := channels.StartAll(ctx); err != nil {
		logger.Warn("some channels failed to start", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return ctl.Serve(gctx) })

	logger.Info("bitpart started", "version", version, "bind", cfg.Server.Bind, "database", cfg.Database.Path)

	<-gctx.Done()
	logger.Info("shutting down...")

	done := make(chan error, 1)
	go func() {
		channels.Close()
		messageBus.Close()
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// newInterpreter returns the HTTP interpreter when one is configured and
// the built-in echo interpreter otherwise.
func newInterpreter(ctx context.Context, cfg config.InterpreterConfig) (domain.Interpreter, error) {
	if cfg.URL == "" {
		logger.Warn("no interpreter configured, replies echo the inbound text")
		return interpreter.Echo(), nil
	}
	h, err := interpreter.NewHTTP(interpreter.HTTPConfig{
		URL:     cfg.URL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout(),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("interpreter: %w", err)
	}
	if err := h.Healthy(ctx); err != nil {
		logger.Warn("interpreter unhealthy at startup", "url", cfg.URL, "err", err)
	} else {
		logger.Info("interpreter healthy", "url", cfg.URL)
	}
	return h, nil
}

func logEvents(events *bus.EventBus) {
	events.On("*", func(ev bus.Event) {
		switch ev.Type {
		case bus.EventMessageFailed, bus.EventSendFailed, bus.EventLinkFailed, bus.EventSyncFailed:
			logger.Warn("event", "type", ev.Type, "source", ev.Source, "payload", ev.Payload)
		case bus.EventMessageReceived, bus.EventMessageProcessed, bus.EventMessageDiscarded:
			logger.Debug("event", "type", ev.Type, "source", ev.Source, "payload", ev.Payload)
		default:
			logger.Info("event", "type", ev.Type, "source", ev.Source, "payload", ev.Payload)
		}
	})
}

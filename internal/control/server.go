// Package control serves the operator-facing control plane: a websocket
// command protocol for managing bots and channels, plus health and metrics
// routes.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"bitpart/internal/domain"
	"bitpart/internal/metrics"

	"github.com/gin-gonic/gin"
)

const (
	defaultReadTimeout = 10 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Bots is the bot registry as seen by the control plane.
type Bots interface {
	Add(ctx context.Context, cfg domain.BotConfig) (string, error)
	Put(ctx context.Context, cfg domain.BotConfig) (bool, error)
	Get(ctx context.Context, botID string) (domain.Bot, error)
	List(ctx context.Context, limit, offset int) ([]string, error)
	Versions(ctx context.Context, botID string) ([]domain.BotVersion, error)
	Rollback(ctx context.Context, botID, versionID string) error
	Remove(ctx context.Context, botID string) error
}

// Channels is the channel manager as seen by the control plane.
type Channels interface {
	Create(ctx context.Context, botID, kind, account string) (domain.Channel, error)
	Get(ctx context.Context, channelID string) (domain.Channel, error)
	List(ctx context.Context, botID string) ([]domain.Channel, error)
	Delete(ctx context.Context, channelID string) error
	Link(ctx context.Context, channelID, deviceName string) (string, error)
	Devices(ctx context.Context, account string) ([]domain.Device, error)
	Running(account string) []uint32
}

// Messenger sends on behalf of bots and runs chat turns.
type Messenger interface {
	SendMessage(ctx context.Context, botID, recipient, text string) (string, error)
	Chat(ctx context.Context, botID, user, text string) ([]domain.Action, error)
}

type Config struct {
	// Bind is a TCP host:port or a unix socket path.
	Bind        string
	Auth        string
	ReadTimeout time.Duration
	// MetricsPath mounts the metrics handler; empty disables it.
	MetricsPath string

	Bots      Bots
	Channels  Channels
	Messenger Messenger
	Logger    *slog.Logger
}

type Server struct {
	bind        string
	auth        string
	readTimeout time.Duration
	metricsPath string
	bots        Bots
	channels    Channels
	messenger   Messenger
	logger      *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if len(cfg.Auth) == 0 {
		return nil, errors.New("control plane needs an auth secret")
	}
	if cfg.Bots == nil || cfg.Channels == nil || cfg.Messenger == nil {
		return nil, errors.New("control plane needs bots, channels and a messenger")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Server{
		bind:        cfg.Bind,
		auth:        cfg.Auth,
		readTimeout: cfg.ReadTimeout,
		metricsPath: cfg.MetricsPath,
		bots:        cfg.Bots,
		channels:    cfg.Channels,
		messenger:   cfg.Messenger,
		logger:      cfg.Logger,
	}, nil
}

// Router builds the HTTP handler.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if s.metricsPath != "" {
		r.GET(s.metricsPath, gin.WrapF(metrics.Collector.Handler()))
	}

	api := r.Group("/api/v1")
	api.Use(RequireAuth(s.auth))
	api.GET("/ws", s.serveSocket)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("control request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// IsUnixSocket reports whether bind names a unix socket path rather than a
// TCP address.
func IsUnixSocket(bind string) bool {
	return strings.HasPrefix(bind, "/") || strings.HasPrefix(bind, "./") || strings.HasSuffix(bind, ".sock")
}

// listen opens the configured bind address. A stale socket file is removed
// first.
func listen(bind string) (net.Listener, error) {
	if IsUnixSocket(bind) {
		if err := os.Remove(bind); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		l, err := net.Listen("unix", bind)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(bind, 0o600); err != nil {
			l.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		return l, nil
	}
	return net.Listen("tcp", bind)
}

// Serve runs the control plane until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	l, err := listen(s.bind)
	if err != nil {
		return fmt.Errorf("control plane listen on %s: %w", s.bind, err)
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: s.readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("control plane listening", "bind", l.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control plane shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

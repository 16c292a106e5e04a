// ABOUTME: Gateway orchestrator that assembles frontends, store and engine
// ABOUTME: Manages the HTTP server, prune loop and graceful shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/hearthward/switchboard/internal/config"
	"github.com/hearthward/switchboard/internal/correlate"
	"github.com/hearthward/switchboard/internal/frontend"
	"github.com/hearthward/switchboard/internal/frontend/console"
	"github.com/hearthward/switchboard/internal/frontend/matrix"
	"github.com/hearthward/switchboard/internal/frontend/queue"
	"github.com/hearthward/switchboard/internal/frontend/webui"
	"github.com/hearthward/switchboard/internal/orchestrator"
	"github.com/hearthward/switchboard/internal/store"
)

// Gateway wires the configured frontends, the conversation engine and the
// store into one running process.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store       store.Store
	composite   *frontend.Composite
	engine      *orchestrator.Orchestrator
	web         *webui.Frontend
	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New assembles a gateway from config. The invoker is injected: it is the
// capability that actually runs an agent, and the gateway is agnostic to its
// implementation.
func New(cfg *config.Config, invoker orchestrator.Invoker, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	g := &Gateway{
		config: cfg,
		logger: logger,
		store:  s,
	}

	frontends, err := g.buildFrontends()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if len(frontends) == 0 {
		_ = s.Close()
		return nil, fmt.Errorf("no frontends enabled")
	}

	composite, err := frontend.NewComposite(logger, frontends...)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("building composite: %w", err)
	}
	g.composite = composite
	g.engine = orchestrator.New(invoker, sessionStore{s}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if g.web != nil {
		g.web.RegisterRoutes(mux)
	}
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// initStore creates the SQLite store, honoring the SWITCHBOARD_DB_PATH
// override used by deployment scripts.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	return store.NewSQLiteStore(dbPath)
}

// buildFrontends constructs every enabled frontend.
func (g *Gateway) buildFrontends() ([]frontend.Frontend, error) {
	cfg := g.config
	var frontends []frontend.Frontend

	if cfg.Frontends.WebUI.Enabled {
		g.web = webui.New(g.store, cfg.Agents.IDs, g.logger)
		frontends = append(frontends, g.web)
	}

	if cfg.Frontends.Console.Enabled {
		frontends = append(frontends, console.New(console.Config{
			AgentID: cfg.Frontends.Console.AgentID,
			Sender:  cfg.Frontends.Console.Sender,
		}, os.Stdin, os.Stdout, g.logger))
	}

	if cfg.Frontends.Queue.Enabled {
		mapper := correlate.NewMapper(g.store, g.logger)
		frontends = append(frontends, queue.New(queue.Config{
			URL:             cfg.Frontends.Queue.URL,
			ConsumeQueue:    cfg.Frontends.Queue.ConsumeQueue,
			PublishQueue:    cfg.Frontends.Queue.PublishQueue,
			DeadLetterQueue: cfg.Frontends.Queue.DeadLetterQueue,
		}, mapper, g.store, cfg.Agents.IDs, g.logger))
	}

	if cfg.Frontends.Matrix.Enabled {
		m, err := matrix.New(matrix.Config{
			Homeserver:    cfg.Frontends.Matrix.Homeserver,
			UserID:        cfg.Frontends.Matrix.UserID,
			AccessToken:   cfg.Frontends.Matrix.AccessToken,
			AgentID:       cfg.Frontends.Matrix.AgentID,
			AllowedRooms:  cfg.Frontends.Matrix.AllowedRooms,
			CommandPrefix: cfg.Frontends.Matrix.CommandPrefix,
		}, g.logger)
		if err != nil {
			return nil, fmt.Errorf("building matrix frontend: %w", err)
		}
		frontends = append(frontends, m)
	}

	return frontends, nil
}

// sessionStore adapts store.Store to the orchestrator's narrower interface.
type sessionStore struct {
	s store.Store
}

func (ss sessionStore) LoadSession(ctx context.Context, key frontend.ConversationKey) (*orchestrator.Session, error) {
	state, err := ss.s.GetSessionState(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &orchestrator.Session{Key: key, State: state, UpdatedAt: time.Now()}, nil
}

func (ss sessionStore) SaveSession(ctx context.Context, sess *orchestrator.Session) error {
	return ss.s.SaveSessionState(ctx, sess.Key, sess.State)
}

// Run starts the message pipeline and the HTTP server, blocking until the
// context is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	pipelineCtx, cancelPipeline := context.WithCancel(ctx)
	defer cancelPipeline()

	// The pipeline: merged prompts in, grouped execution, fan-out back.
	prompts := g.composite.ReadPrompts(pipelineCtx)
	fragments := g.engine.Run(pipelineCtx, prompts)

	deliverDone := make(chan error, 1)
	go func() {
		deliverDone <- g.composite.Deliver(pipelineCtx, fragments)
	}()

	go g.pruneLoop(pipelineCtx)

	httpLn, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// Stop the frontends first so the prompt stream closes, then wait for
	// in-flight replies to drain before tearing down the servers.
	cancelPipeline()
	select {
	case <-deliverDone:
	case <-time.After(5 * time.Second):
		g.logger.Warn("timed out waiting for reply delivery to drain")
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// pruneLoop periodically expires stale correlation records.
func (g *Gateway) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-g.config.Correlation.Expiry)
			n, err := g.store.PruneCorrelations(ctx, cutoff)
			if err != nil {
				g.logger.Error("correlation prune failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("pruned stale correlation records", "count", n)
			}
		}
	}
}

// setupListener creates the HTTP listener, via tsnet when Tailscale is
// enabled.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if !g.config.Tailscale.Enabled {
		ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
		return ln, nil
	}

	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr)
	}

	stateDir, err := resolveTailscaleStateDir(g.config.Tailscale.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	g.tsnetServer = &tsnet.Server{
		Dir:       stateDir,
		Hostname:  g.config.Tailscale.Hostname,
		AuthKey:   g.config.Tailscale.AuthKey,
		Ephemeral: g.config.Tailscale.Ephemeral,
	}

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logger.Info("tailscale up",
		"hostname", g.config.Tailscale.Hostname,
		"dns_name", status.Self.DNSName)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using a default
// under the user's home if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
}

// gracefulShutdown stops the servers and closes the store. Uses a fresh
// context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	g.logger.Info("gateway stopped")
	return nil
}

// ABOUTME: Gateway server orchestrator: listeners, health endpoints, lifecycle
// ABOUTME: Wires state, dispatcher, ticker, and store behind one HTTP mux

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/loom-gateway/internal/approval"
	"github.com/2389/loom-gateway/internal/auth"
	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/node"
	"github.com/2389/loom-gateway/internal/pairing"
	"github.com/2389/loom-gateway/internal/store"
)

// pairSweepInterval is how often expired pair requests are evicted.
const pairSweepInterval = time.Minute

// Version is stamped into the handshake server info. Overridden at build
// time via -ldflags.
var Version = "dev"

// Server is the loom-gateway process: one WebSocket control plane plus
// health endpoints.
type Server struct {
	config      *config.Config
	state       *State
	dispatcher  *Dispatcher
	ticker      *Ticker
	store       *store.SQLiteStore
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the SQLite store, honoring the LOOM_DB_PATH override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("LOOM_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildAuthOptions translates auth config into handshake options.
func buildAuthOptions(cfg *config.Config, logger *slog.Logger) (AuthOptions, error) {
	opts := AuthOptions{
		PasswordHash:  cfg.Auth.PasswordHash,
		StaticToken:   cfg.Auth.Token,
		AllowLoopback: cfg.Auth.AllowLoopback,
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return AuthOptions{}, fmt.Errorf("creating JWT verifier: %w", err)
		}
		opts.Verifier = verifier
		logger.Info("JWT auth enabled")
	}
	if cfg.Auth.AllowLoopback {
		logger.Warn("loopback connections are granted full scopes without credentials")
	}
	return opts, nil
}

// New creates a gateway server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	pairState, err := pairing.New(s, cfg.Broadcast.PairTTL)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	registry := node.NewRegistry(logger)
	approvals := approval.NewManager(cfg.Broadcast.ApprovalTimeout, logger)
	state := NewState(registry, pairState, approvals, logger)
	dispatcher := NewDispatcher(state, s, logger)

	authOpts, err := buildAuthOptions(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	wsHandler := NewWSHandler(state, dispatcher, authOpts, s, cfg.Broadcast.HandshakeTimeout, Version, logger)

	srv := &Server{
		config:     cfg,
		state:      state,
		dispatcher: dispatcher,
		ticker:     NewTicker(state, cfg.Broadcast.TickInterval, logger),
		store:      s,
		logger:     logger.With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/health/ready", srv.handleReady)

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

// State exposes the shared gateway state, mainly for tests and embedding.
func (s *Server) State() *State {
	return s.state
}

// Run starts the listener and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	tickCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go s.ticker.Run(tickCtx)
	go s.sweepPairRequests(tickCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// sweepPairRequests evicts expired pair requests periodically.
func (s *Server) sweepPairRequests(ctx context.Context) {
	ticker := time.NewTicker(pairSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.state.Pairing().EvictExpired()
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown announces the stop to connected clients, then closes the
// listener, the client set, Tailscale, and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	// Best effort: clients that miss this learn from the closed socket.
	s.state.Broadcast("shutdown", nil, BroadcastOpts{DropIfSlow: true})

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.state.KickAll("gateway shutting down")
	s.dispatcher.Close()

	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates the TCP or Tailscale listener per configuration.
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.ListenAddr != "" {
			s.logger.Warn("server.listen_addr is ignored when tailscale is enabled",
				"listen_addr", s.config.Server.ListenAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", s.config.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.ListenAddr, err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, defaulting under
// the user's data dir when unset.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "loom-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener brings up the tsnet node and returns its
// listener, optionally with Funnel or tailnet TLS.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return s.setupTailscaleTLSListener()
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale port: %w", err)
		}
		return ln, nil
	}
}

// setupTailscaleTLSListener serves HTTPS with Tailscale-provisioned certs.
func (s *Server) setupTailscaleTLSListener() (net.Listener, error) {
	s.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := s.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one node is attached.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	count := s.state.Nodes().Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no nodes connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes)", count)
}

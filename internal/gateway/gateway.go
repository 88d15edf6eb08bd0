// ABOUTME: Gateway orchestrator that wires the store, pool, sessions, OAuth broker and transports
// ABOUTME: Owns the HTTP server lifecycle over plain TCP or a Tailscale tsnet listener

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

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/config"
	"github.com/2389/tablegate/internal/mcp"
	"github.com/2389/tablegate/internal/metrics"
	"github.com/2389/tablegate/internal/pool"
	"github.com/2389/tablegate/internal/session"
	"github.com/2389/tablegate/internal/store"
	"github.com/2389/tablegate/internal/tools"
)

const (
	serverName        = "tablegate"
	stateTTL          = 10 * time.Minute
	maxPendingStates  = 10_000
	grantPurgeEvery   = time.Hour
	readyProbeTimeout = 3 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Gateway orchestrates the tablegate server components.
type Gateway struct {
	config     *config.Config
	store      *store.SQLiteStore
	pool       *pool.Manager
	sessions   *session.Manager
	states     *auth.StateStore
	broker     *auth.Broker
	sse        *mcp.SSE
	metrics    *metrics.Metrics
	httpServer *http.Server
	handler    http.Handler

	tsnetServer *tsnet.Server
	logger      *slog.Logger
	version     string
	httpClient  *http.Client
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithVersion sets the version reported in the initialize handshake.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithHTTPClient sets the client used to reach the identity provider.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// initStore opens the gateway's own state database.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Store.Path
	if envPath := os.Getenv("TABLEGATE_STORE_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func poolConfig(cfg config.DatabaseConfig) pool.Config {
	return pool.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
		Pragmas:         cfg.Pragmas,
	}
}

func oauthConfig(cfg config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizeURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gw := &Gateway{
		config:  cfg,
		logger:  logger.With("component", "gateway"),
		version: "dev",
	}
	for _, opt := range opts {
		opt(gw)
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw.store = st

	if cfg.Metrics.Enabled {
		gw.metrics = metrics.New()
	}

	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	gw.pool = pool.NewManager(poolConfig(cfg.Database),
		pool.WithLogger(logger),
		pool.WithMetrics(gw.metrics),
	)

	gw.sessions = session.NewManager(session.Config{
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
	}, tools.DefaultCatalog(), gw.pool, st,
		session.WithLogger(logger),
		session.WithMetrics(gw.metrics),
	)

	gw.states = auth.NewStateStore(stateTTL, maxPendingStates)
	gw.broker, err = auth.NewBroker(auth.BrokerConfig{
		OAuth:            oauthConfig(cfg.OAuth),
		UserInfoURL:      cfg.OAuth.UserInfoURL,
		BaseURL:          cfg.Server.BaseURL,
		AllowedLogins:    cfg.Access.AllowedLogins,
		PrivilegedLogins: cfg.Access.PrivilegedLogins,
		StateTTL:         stateTTL,
		HTTPClient:       gw.httpClient,
	}, issuer, gw.states, st, logger, gw.metrics)
	if err != nil {
		gw.states.Close()
		_ = st.Close()
		return nil, fmt.Errorf("creating oauth broker: %w", err)
	}

	dispatcher := mcp.NewDispatcher(serverName, gw.version, logger.With("component", "mcp"))
	streamable := mcp.NewStreamable(gw.sessions, dispatcher, logger.With("component", "mcp"))
	gw.sse = mcp.NewSSE(gw.sessions, dispatcher, "/sse/message", logger.With("component", "mcp"))
	requireAuth := auth.RequirePrincipal(auth.NewAuthenticator(issuer, st), cfg.Server.BaseURL, logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// OAuth broker and discovery
	mux.HandleFunc("/authorize", gw.broker.HandleAuthorize)
	mux.HandleFunc("/callback", gw.broker.HandleCallback)
	mux.Handle(auth.ProtectedResourcePath, auth.ProtectedResourceHandler(cfg.Server.BaseURL, cfg.OAuth.Scopes))

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, gw.metrics.Handler())
	}

	// MCP transports - bearer token required
	mux.Handle("/mcp", requireAuth(streamable))
	mux.Handle("/sse", requireAuth(http.HandlerFunc(gw.sse.HandleStream)))
	mux.Handle("/sse/message", requireAuth(http.HandlerFunc(gw.sse.HandleMessage)))

	gw.handler = mux
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// SSE handlers only return once their session ends.
	gw.httpServer.RegisterOnShutdown(gw.sessions.Close)

	logger.Info("gateway configured",
		"base_url", cfg.Server.BaseURL,
		"database_driver", cfg.Database.Driver,
		"metrics", cfg.Metrics.Enabled,
	)
	return gw, nil
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

// setupListener picks tsnet or TCP based on config.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is canceled or a component fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return g.sessions.Run(egCtx)
	})
	eg.Go(func() error {
		g.purgeGrants(egCtx)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// purgeGrants removes expired bearer token grants on a fixed interval.
func (g *Gateway) purgeGrants(ctx context.Context) {
	ticker := time.NewTicker(grantPurgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.PurgeExpiredGrants(ctx, time.Now())
			if err != nil {
				g.logger.Warn("failed to purge expired grants", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("purged expired grants", "count", n)
			}
		}
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tablegate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

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

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName,
		"base_url", g.config.Server.BaseURL)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
// Funnel is required when the identity provider must reach /callback from outside the tailnet.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, suspends live sessions and releases the
// pool, tailnet node and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// The shutdown hook runs asynchronously; close again so the pool is released before the store.
	g.sessions.Close()
	g.states.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the backend database is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()

	if _, err := g.pool.GetPool(ctx); err != nil {
		g.logger.Warn("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.sessions.Count())
}

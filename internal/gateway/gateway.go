// ABOUTME: Gateway orchestrator wiring store, auth, backends, registry and servers together
// ABOUTME: Manages HTTP/WebSocket and optional gRPC health listeners and their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/evdash-gateway/internal/auth"
	"github.com/2389/evdash-gateway/internal/backend"
	"github.com/2389/evdash-gateway/internal/config"
	"github.com/2389/evdash-gateway/internal/entity"
	"github.com/2389/evdash-gateway/internal/store"
)

// Backend names used in logs, metrics and health.
const (
	BackendThings           = "things"
	BackendEnergyManager    = "energymanager"
	BackendChargingSessions = "chargingsessions"
)

// HTTP API paths.
const (
	LoginPath   = "/evdash/api/login"
	RefreshPath = "/evdash/api/refresh"
	SessionPath = "/evdash/api/session"
)

// Gateway orchestrates the evdash-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	auth   *auth.Service
	logger *slog.Logger

	registry   *Registry
	router     *Router
	correlator *Correlator
	fanout     *Fanout
	metrics    *Metrics
	promReg    *prometheus.Registry

	things   *backend.Client
	energy   *backend.Client
	sessions *backend.Client
	entities *entity.Aggregator

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpAddr     string

	enabled atomic.Bool

	// runCtx outlives individual connections; async backend queries use it.
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

type options struct {
	store    store.Store
	things   backend.Transport
	energy   backend.Transport
	sessions backend.Transport
	clock    func() time.Time
}

// Option customises New, mostly for tests.
type Option func(*options)

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTransports replaces the D-Bus transports of the three backends.
func WithTransports(things, energy, sessions backend.Transport) Option {
	return func(o *options) {
		o.things = things
		o.energy = energy
		o.sessions = sessions
	}
}

// WithClock replaces the token store clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// initStore opens the configured SQLite database.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// dbusTransport builds the transport for one configured backend.
func dbusTransport(bus string, bc config.BackendConfig, logger *slog.Logger) *backend.DBusTransport {
	return backend.NewDBusTransport(backend.DBusConfig{
		Bus:           bus,
		Service:       bc.Service,
		Path:          bc.Path,
		Interface:     bc.Interface,
		QueryMethod:   bc.QueryMethod,
		AddedSignal:   bc.AddedSignal,
		RemovedSignal: bc.RemovedSignal,
		ChangedSignal: bc.ChangedSignal,
	}, logger)
}

// loadEnabled reads the persisted enabled flag. Unset means enabled.
func loadEnabled(ctx context.Context, s store.SettingsStore) (bool, error) {
	value, err := s.GetSetting(ctx, store.SettingEnabled)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading enabled setting: %w", err)
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parsing enabled setting %q: %w", value, err)
	}
	return enabled, nil
}

// resolveHTTPAddr applies a persisted listen_port override to addr.
func resolveHTTPAddr(ctx context.Context, s store.SettingsStore, addr string) (string, error) {
	port, err := s.GetSetting(ctx, store.SettingListenPort)
	if errors.Is(err, store.ErrNotFound) || port == "" {
		return addr, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading listen_port setting: %w", err)
	}
	if n, convErr := strconv.Atoi(port); convErr != nil || n < 0 || n > 65535 {
		return "", fmt.Errorf("invalid listen_port setting %q", port)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("parsing http_addr %q: %w", addr, err)
	}
	return net.JoinHostPort(host, port), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx := context.Background()

	s := o.store
	if s == nil {
		var err error
		s, err = initStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	authOpts := []auth.Option{auth.WithLogger(logger.With("component", "auth"))}
	if o.clock != nil {
		authOpts = append(authOpts, auth.WithClock(o.clock))
	}
	authService, err := auth.NewService(ctx, s, auth.Config{
		Secret:            []byte(cfg.Auth.TokenSecret),
		TokenLifetime:     cfg.Auth.TokenLifetime,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
	}, authOpts...)
	if err != nil {
		return nil, fmt.Errorf("initializing auth: %w", err)
	}

	enabled, err := loadEnabled(ctx, s)
	if err != nil {
		return nil, err
	}
	httpAddr, err := resolveHTTPAddr(ctx, s, cfg.Server.HTTPAddr)
	if err != nil {
		return nil, err
	}

	if o.things == nil {
		bus := cfg.Backends.Bus
		o.things = dbusTransport(bus, cfg.Backends.Things, logger)
		o.energy = dbusTransport(bus, cfg.Backends.EnergyManager, logger)
		o.sessions = dbusTransport(bus, cfg.Backends.ChargingSessions, logger)
	}

	timeout := cfg.Requests.Timeout
	things := backend.NewClient(backend.Config{
		Name: BackendThings, KeyField: cfg.Backends.Things.KeyField, Mirror: true, QueryTimeout: timeout,
	}, o.things, logger)
	energy := backend.NewClient(backend.Config{
		Name: BackendEnergyManager, KeyField: cfg.Backends.EnergyManager.KeyField, Mirror: true, QueryTimeout: timeout,
	}, o.energy, logger)
	sessions := backend.NewClient(backend.Config{
		Name: BackendChargingSessions, KeyField: cfg.Backends.ChargingSessions.KeyField, QueryTimeout: timeout,
	}, o.sessions, logger)

	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	metrics.watchTokens(authService.TokenCount)

	runCtx, runCancel := context.WithCancel(context.Background())

	gw := &Gateway{
		config:    cfg,
		store:     s,
		auth:      authService,
		logger:    logger.With("component", "gateway"),
		metrics:   metrics,
		promReg:   promReg,
		things:    things,
		energy:    energy,
		sessions:  sessions,
		entities:  entity.NewAggregator(things, energy),
		httpAddr:  httpAddr,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	gw.enabled.Store(enabled)

	gw.registry = NewRegistry(logger.With("component", "registry"))
	gw.correlator = NewCorrelator(timeout, gw.onRequestTimeout, logger.With("component", "correlator"))
	gw.fanout = NewFanout(gw.registry, authService, metrics, logger.With("component", "fanout"))
	gw.router = NewRouter(authService, metrics, logger.With("component", "router"))
	gw.registerActions()

	gw.registry.OnRemove(func(id ConnID) {
		purged := gw.correlator.PurgeConnection(id)
		gw.metrics.pending.Sub(float64(purged))
		gw.metrics.connections.Dec()
	})

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	mux.HandleFunc(LoginPath, gw.handleLogin)
	mux.HandleFunc(RefreshPath, gw.handleRefresh)
	mux.Handle(SessionPath, auth.HTTPAuthMiddleware(authService)(http.HandlerFunc(gw.handleSession)))
	mux.HandleFunc(cfg.Server.WSPath, gw.handleWebSocket)

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		logger.Info("metrics endpoint enabled", "path", cfg.Metrics.Path)
	}

	gw.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.healthServer = newHealthGRPCServer()
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the API, WebSocket and health endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Auth returns the credential and token store.
func (g *Gateway) Auth() *auth.Service {
	return g.auth
}

// Enabled reports whether new dashboard connections are accepted.
func (g *Gateway) Enabled() bool {
	return g.enabled.Load()
}

// Start launches the backend clients, the event loop and the correlator
// expiry. It is called by Run and may be called directly when serving
// Handler from another server.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		g.correlator.Start()

		for _, c := range []*backend.Client{g.things, g.energy, g.sessions} {
			g.wg.Add(1)
			go func() {
				defer g.wg.Done()
				_ = c.Run(g.runCtx)
			}()
		}

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.eventLoop(g.runCtx)
		}()

		g.logger.Info("gateway started", "enabled", g.Enabled())
	})
}

// setupListeners creates TCP listeners for HTTP and, if configured, gRPC.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.httpAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"ws_path", g.config.Server.WSPath,
	)

	httpLn, err = net.Listen("tcp", g.httpAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// startServers starts HTTP and gRPC servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a listener cannot be bound
// or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	g.Start()

	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes every connection, stops the servers and background work,
// and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.registry.CloseAll(websocket.StatusGoingAway, "server shutting down")

	g.shutdownGRPCServer(ctx)

	g.runCancel()
	g.wg.Wait()
	g.correlator.Stop()

	errs = appendCloseError(errs, "store close", g.store.Close())
	g.metrics.Unregister()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

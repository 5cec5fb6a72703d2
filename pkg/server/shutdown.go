package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitechdev/ChatMux/pkg/logger"
)

// GracefulServer serves the local status endpoint and drains in-flight
// requests before stopping.
type GracefulServer struct {
	server           *http.Server
	listener         net.Listener
	shutdownTimeout  time.Duration
	drainTimeout     time.Duration
	inFlightRequests atomic.Int64
	isShuttingDown   atomic.Bool
	shutdownOnce     sync.Once
	shutdownComplete chan struct{}

	callbacksMu sync.Mutex
	callbacks   []ShutdownCallback
}

// Config holds configuration for the graceful server
type Config struct {
	Addr            string
	Handler         http.Handler
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// ShutdownCallback runs before the HTTP server stops, e.g. to disconnect
// the realtime session or flush the error tracker.
type ShutdownCallback func(context.Context) error

func NewGracefulServer(config Config) *GracefulServer {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 60 * time.Second
	}

	gs := &GracefulServer{
		shutdownTimeout:  config.ShutdownTimeout,
		drainTimeout:     config.DrainTimeout,
		shutdownComplete: make(chan struct{}),
	}
	gs.server = &http.Server{
		Addr:         config.Addr,
		Handler:      gs.TrackRequestsMiddleware(config.Handler),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return gs
}

// TrackRequestsMiddleware counts in-flight requests and rejects new ones
// once shutdown has begun.
func (gs *GracefulServer) TrackRequestsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gs.isShuttingDown.Load() {
			http.Error(w, `{"error":"service_unavailable","message":"Server is shutting down"}`, http.StatusServiceUnavailable)
			return
		}

		gs.inFlightRequests.Add(1)
		defer gs.inFlightRequests.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// SetHandler replaces the served handler. Call before Start.
func (gs *GracefulServer) SetHandler(h http.Handler) {
	gs.server.Handler = gs.TrackRequestsMiddleware(h)
}

// Start binds the listener and serves in the background. Errors other than
// a clean close are logged.
func (gs *GracefulServer) Start() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", gs.server.Addr, err)
	}
	gs.listener = ln

	go func() {
		logger.Info("Status server listening on %s", ln.Addr())
		if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded, else the configured one.
func (gs *GracefulServer) Addr() string {
	if gs.listener != nil {
		return gs.listener.Addr().String()
	}
	return gs.server.Addr
}

// OnShutdown registers cb to run, in registration order, during ShutdownWithCallbacks.
func (gs *GracefulServer) OnShutdown(cb ShutdownCallback) {
	gs.callbacksMu.Lock()
	defer gs.callbacksMu.Unlock()
	gs.callbacks = append(gs.callbacks, cb)
}

// Shutdown drains requests and stops the HTTP server. Safe to call twice.
func (gs *GracefulServer) Shutdown(ctx context.Context) error {
	var shutdownErr error

	gs.shutdownOnce.Do(func() {
		logger.Info("Starting graceful shutdown...")
		gs.isShuttingDown.Store(true)

		shutdownCtx, cancel := context.WithTimeout(ctx, gs.shutdownTimeout)
		defer cancel()

		drainCtx, drainCancel := context.WithTimeout(shutdownCtx, gs.drainTimeout)
		defer drainCancel()

		shutdownErr = gs.drainRequests(drainCtx)
		if shutdownErr != nil {
			logger.Error("Error draining requests: %v", shutdownErr)
		}

		if err := gs.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down server: %v", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}

		logger.Info("Graceful shutdown complete")
		close(gs.shutdownComplete)
	})

	return shutdownErr
}

// ShutdownWithCallbacks runs the registered callbacks, then Shutdown.
func (gs *GracefulServer) ShutdownWithCallbacks(ctx context.Context) error {
	if err := gs.executeCallbacks(ctx); err != nil {
		logger.Error("Error executing shutdown callbacks: %v", err)
	}
	return gs.Shutdown(ctx)
}

func (gs *GracefulServer) executeCallbacks(ctx context.Context) error {
	gs.callbacksMu.Lock()
	callbacks := make([]ShutdownCallback, len(gs.callbacks))
	copy(callbacks, gs.callbacks)
	gs.callbacksMu.Unlock()

	var errs []error
	for i, cb := range callbacks {
		logger.Debug("Executing shutdown callback %d/%d", i+1, len(callbacks))
		if err := cb(ctx); err != nil {
			logger.Error("Shutdown callback %d failed: %v", i+1, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (gs *GracefulServer) drainRequests(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	startTime := time.Now()
	for {
		inFlight := gs.inFlightRequests.Load()
		if inFlight == 0 {
			logger.Debug("All requests drained in %v", time.Since(startTime))
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Warn("Drain timeout exceeded with %d requests still in flight", inFlight)
			return fmt.Errorf("drain timeout exceeded: %d requests still in flight", inFlight)
		case <-ticker.C:
		}
	}
}

func (gs *GracefulServer) InFlightRequests() int64 {
	return gs.inFlightRequests.Load()
}

func (gs *GracefulServer) IsShuttingDown() bool {
	return gs.isShuttingDown.Load()
}

// Wait blocks until shutdown is complete
func (gs *GracefulServer) Wait() {
	<-gs.shutdownComplete
}

// Package server assembles and hosts the stronghold service.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/stronghold/internal/api/httpapi"
	"github.com/louisbranch/stronghold/internal/handoff"
	"github.com/louisbranch/stronghold/internal/passkey"
	platformotel "github.com/louisbranch/stronghold/internal/platform/otel"
	"github.com/louisbranch/stronghold/internal/storage"
	redisstore "github.com/louisbranch/stronghold/internal/storage/redis"
	"github.com/louisbranch/stronghold/internal/storage/sqlite"
	"github.com/louisbranch/stronghold/internal/telemetry"
)

const sweepInterval = time.Minute

// Server hosts the passkey HTTP API.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	redis      *redisstore.Store
	ceremonies storage.CeremonyStore
	handoffs   storage.HandoffStore
}

// New creates a configured server listening on the provided address.
//
// Durable records always live in SQLite. The short-lived ceremony and
// hand-off stores move to Redis when STRONGHOLD_REDIS_URL is set, so
// horizontally scaled instances share challenge state.
func New(ctx context.Context, addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	store, err := openStore()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	var (
		redisStore *redisstore.Store
		ceremonies storage.CeremonyStore = store
		handoffs   storage.HandoffStore  = store
	)
	if redisURL := strings.TrimSpace(os.Getenv("STRONGHOLD_REDIS_URL")); redisURL != "" {
		redisStore, err = redisstore.Open(ctx, redisURL)
		if err != nil {
			_ = listener.Close()
			_ = store.Close()
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		ceremonies = redisStore
		handoffs = redisStore
	}

	events := telemetry.NewEmitter(store)
	passkeys, err := passkey.NewService(passkey.LoadConfigFromEnv(), store, store, ceremonies, events)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		if redisStore != nil {
			_ = redisStore.Close()
		}
		return nil, fmt.Errorf("configure passkey service: %w", err)
	}
	bridge := handoff.NewBridge(handoffs, handoff.LoadConfigFromEnv())
	handler := httpapi.NewHandler(passkeys, bridge, store)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler.Routes()},
		store:      store,
		redis:      redisStore,
		ceremonies: ceremonies,
		handoffs:   handoffs,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, addr string) error {
	srv, err := New(ctx, addr)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStores()

	shutdownTracing, err := platformotel.Setup(serverCtx, "stronghold")
	if err != nil {
		log.Printf("tracing setup: %v", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	s.startSweeper(serverCtx)

	log.Printf("stronghold server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		if err := <-serveErr; err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// startSweeper deletes expired ceremonies and hand-off tokens in the
// background. Correctness never depends on the sweep; consumption checks
// expiry on every read. This only keeps the tables from growing.
func (s *Server) startSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				if err := s.ceremonies.DeleteExpiredCeremonies(ctx, now); err != nil {
					log.Printf("sweep ceremonies: %v", err)
				}
				if err := s.handoffs.DeleteExpiredHandoffTokens(ctx, now); err != nil {
					log.Printf("sweep handoff tokens: %v", err)
				}
			}
		}
	}()
}

func openStore() (*sqlite.Store, error) {
	path := strings.TrimSpace(os.Getenv("STRONGHOLD_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "stronghold.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStores() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("close redis store: %v", err)
		}
	}
}

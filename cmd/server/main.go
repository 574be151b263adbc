package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/tabrelay/internal/api"
	"github.com/shehryarbajwa/tabrelay/internal/config"
	"github.com/shehryarbajwa/tabrelay/internal/host"
	"github.com/shehryarbajwa/tabrelay/internal/ratelimit"
	"github.com/shehryarbajwa/tabrelay/internal/router"
	"github.com/shehryarbajwa/tabrelay/internal/transport"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	sc := cfg.Server

	log.Println("Starting tabrelay bridge...")

	target, err := router.NewTarget(sc.TargetPattern)
	if err != nil {
		log.Fatalf("Invalid target pattern: %v", err)
	}

	dialer, err := newDialer(sc)
	if err != nil {
		log.Fatalf("Failed to set up transport: %v", err)
	}
	log.Printf("✓ Transport: %s (%s)", sc.Transport, sc.ChannelName)

	hub := host.NewHub()

	// the connector and router refer to each other; r is set before Run
	var r *router.Router
	conn := transport.NewConnector(dialer, transport.Options{
		Name:           sc.ChannelName,
		ReconnectDelay: sc.ReconnectDelay,
		OnMessage: func(ctx context.Context, raw []byte) {
			r.HandleRequest(ctx, raw)
		},
		OnConnect: func(ctx context.Context) {
			r.BroadcastReadinessCheck(ctx)
		},
	})
	r = router.New(hub, conn, target, router.Options{DedupeResponses: sc.DedupeResponses})
	hub.Attach(r)
	log.Printf("✓ Router targeting %s", target.Pattern())

	rateLimiter := ratelimit.NewLimiter(sc.RateLimitPerHour, sc.RateLimitBurst)
	log.Printf("✓ Rate limiter initialized (%d commands/hour per client)", sc.RateLimitPerHour)

	handler := api.NewHandler(r, conn)
	routes := handler.SetupRoutes(hub.HandleConnection, rateLimiter)

	srv := &http.Server{
		Addr:        sc.ListenAddr,
		Handler:     routes,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("🚀 Server starting on %s", sc.ListenAddr)
		log.Printf("📍 Pages attach at ws://localhost%s/v1/contexts/ws", sc.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := conn.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("⏳ Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Bridge stopped with error: %v", err)
	}
	log.Println("✅ Bridge stopped cleanly")
}

func newDialer(sc config.ServerConfig) (transport.Dialer, error) {
	switch sc.Transport {
	case config.TransportWebSocket:
		d, err := transport.NewWebSocketDialer(sc.TransportURL, sc.ChannelName)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return &transport.NativeHostDialer{
			ManifestDir: sc.NativeManifestDir,
			Name:        sc.ChannelName,
			Origin:      "tabrelay://bridge/",
		}, nil
	}
}

// Command rendezvous runs the altairdrop rendezvous server.
//
// Peers register a username and their public endpoints, look each other
// up, and fall back to a relay through the server when a direct path is
// unavailable.
//
// Usage:
//
//	rendezvous [flags]
//
// Flags:
//
//	-addr string         Listen address (default ":9876")
//	-log-level string    Log level (default "info")
//	-log-json            Emit logs as JSON
//	-version             Show version and exit
//
// Endpoints:
//
//	WebSocket: ws://host:port/ws (or ws://host:port/)
//	Health:    GET /health
//	Stats:     GET /api/stats
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/saintparish4/altairdrop/internal/logging"
	"github.com/saintparish4/altairdrop/internal/rendezvous"
)

var (
	version = "dev" // Set via ldflags
)

func main() {
	def := rendezvous.DefaultConfig()

	addr := flag.String("addr", envOr("RENDEZVOUS_ADDR", def.Addr), "Listen address (e.g., :9876 or 0.0.0.0:9876)")
	level := flag.String("log-level", envOr("RENDEZVOUS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	jsonLogs := flag.Bool("log-json", false, "Emit logs as JSON")
	pingInterval := flag.Duration("ping-interval", def.PingInterval, "Interval between keepalive pings")
	staleTimeout := flag.Duration("stale-timeout", def.StaleTimeout, "Disconnect peers silent for this long")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rendezvous %s\n", version)
		os.Exit(0)
	}

	logger, err := logging.New(*level, *jsonLogs)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	cfg := def
	cfg.Addr = *addr
	cfg.PingInterval = *pingInterval
	cfg.PongWait = 2 * *pingInterval
	cfg.StaleTimeout = *staleTimeout
	cfg.Logger = logging.Component(logger, "rendezvous")

	server := rendezvous.NewServer(cfg)

	printBanner(*addr, *level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Error("server error")
		os.Exit(1)
	}
	logger.WithField("uptime", time.Since(start).Round(time.Second).String()).Info("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printBanner(addr, level string) {
	host := addr
	if len(host) > 0 && host[0] == ':' {
		host = "localhost" + host
	}

	pterm.DefaultHeader.WithFullWidth(false).Println("altairdrop rendezvous " + version)
	pterm.Println()
	pterm.Printf(" WebSocket:  ws://%s/ws\n", host)
	pterm.Printf(" Health:     http://%s/health\n", host)
	pterm.Printf(" Stats:      http://%s/api/stats\n", host)
	pterm.Println()
	pterm.Printf(" Log level:  %s\n", level)
	pterm.Println(" Press Ctrl+C to stop")
	pterm.Println()
}

// Command altairdrop sends and receives files between peers.
//
// Peers register with a rendezvous server under a username. A file is then
// sent either through a relay on the server or directly over UDP when the
// receiver's address is known.
//
// Usage:
//
//	# Show your public endpoints
//	altairdrop discover
//
//	# List registered peers
//	altairdrop peers --server ws://rv.example.com:9876/ws
//
//	# Receive through the relay
//	altairdrop receive --user bob
//
//	# Send through the relay
//	altairdrop send --user alice --to bob --file report.pdf
//
//	# Direct transfer to a registered peer's public endpoint
//	altairdrop receive --listen :9001
//	altairdrop send --to bob --file report.pdf --direct
//
//	# Direct transfer to a known address
//	altairdrop send --file report.pdf --addr 203.0.113.7:9001
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/internal/config"
	"github.com/saintparish4/altairdrop/internal/logging"
)

var (
	version = "dev" // Set via ldflags
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"discover", "Discover your public IPv4/IPv6 endpoints using STUN", discoverCmd},
	{"peers", "List peers registered on the rendezvous server", peersCmd},
	{"send", "Send a file to a peer", sendCmd},
	{"receive", "Receive a file from a peer", receiveCmd},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	switch name {
	case "help", "-h", "--help":
		printUsage()
		return
	case "version", "--version":
		fmt.Printf("altairdrop %s\n", version)
		return
	}

	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := cmd.run(ctx, os.Args[2:])
		stop()

		if err != nil && !errors.Is(err, flag.ErrHelp) {
			pterm.Error.Println(err)
			os.Exit(1)
		}
		return
	}

	pterm.Error.Printf("Unknown command: %s\n\n", name)
	printUsage()
	os.Exit(1)
}

// app carries what every subcommand needs after flag parsing.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
}

func (a *app) component(name string) *logrus.Entry {
	return logging.Component(a.logger, name)
}

// newFlagSet returns a flag set with the shared flags bound to cfg.
// Environment variables provide the defaults.
func newFlagSet(name string, cfg *config.Config) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	return fs
}

// parse parses args, validates the configuration and builds the logger.
func parse(fs *flag.FlagSet, cfg *config.Config, args []string) (*app, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return newApp(*cfg)
}

func newApp(cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger}, nil
}

func printUsage() {
	pterm.DefaultHeader.WithFullWidth(false).Println("altairdrop " + version)
	pterm.Println()
	pterm.Println("Usage:")
	pterm.Println("  altairdrop <command> [options]")
	pterm.Println()
	pterm.Println("Commands:")
	for _, cmd := range commands {
		pterm.Printf("  %-10s %s\n", cmd.name, cmd.usage)
	}
	pterm.Printf("  %-10s %s\n", "version", "Print the version")
	pterm.Println()
	pterm.Println("Environment variables:")
	pterm.Printf("  %-18s Rendezvous server URL (default: %s)\n", config.EnvServer, config.DefaultServerURL)
	pterm.Printf("  %-18s STUN server (default: %s)\n", config.EnvSTUN, config.DefaultSTUNServer)
	pterm.Printf("  %-18s Username to register as\n", config.EnvUser)
	pterm.Printf("  %-18s Download directory (default: downloads)\n", config.EnvDownloads)
	pterm.Printf("  %-18s Log level (default: info)\n", config.EnvLogLevel)
	pterm.Println()
	pterm.Println("Run 'altairdrop <command> --help' for command-specific options.")
}

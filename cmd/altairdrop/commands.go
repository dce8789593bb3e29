package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/altairdrop/internal/config"
	"github.com/saintparish4/altairdrop/pkg/session"
	"github.com/saintparish4/altairdrop/pkg/signaling"
	"github.com/saintparish4/altairdrop/pkg/stun"
	"github.com/saintparish4/altairdrop/pkg/transfer"
	"github.com/saintparish4/altairdrop/pkg/types"
)

func discoverCmd(ctx context.Context, args []string) error {
	cfg := config.FromEnv()
	fs := newFlagSet("discover", &cfg)
	retries := fs.Int("stun-retries", 2, "Extra STUN attempts per address family")
	a, err := parse(fs, &cfg, args)
	if err != nil {
		return err
	}

	pterm.Info.Printf("Discovering public endpoints using STUN server: %s\n", a.cfg.STUNServer)

	client := stun.NewClient()
	client.Logger = a.component("stun")

	families := []types.Family{types.FamilyIPv4, types.FamilyIPv6}
	results := make([]*types.Endpoint, len(families))
	errs := make([]error, len(families))

	var g errgroup.Group
	for i, family := range families {
		g.Go(func() error {
			results[i], errs[i] = client.DiscoverWithRetry(ctx, a.cfg.STUNServer, family, *retries)
			return nil
		})
	}
	g.Wait()

	data := pterm.TableData{{"Family", "Public endpoint", "IP", "Port"}}
	found := false
	for i, family := range families {
		if errs[i] != nil {
			data = append(data, []string{family.String(), "unavailable", errs[i].Error(), ""})
			continue
		}
		found = true
		ep := results[i]
		data = append(data, []string{family.String(), ep.String(), ep.IP, fmt.Sprint(ep.Port)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("discovery failed for every address family")
	}
	return nil
}

func peersCmd(ctx context.Context, args []string) error {
	cfg := config.FromEnv()
	fs := newFlagSet("peers", &cfg)
	a, err := parse(fs, &cfg, args)
	if err != nil {
		return err
	}

	ch, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if a.cfg.Username != "" {
		if _, err := ch.Register(ctx, a.cfg.Username); err != nil {
			return err
		}
	}

	peers, err := ch.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	if len(peers) == 0 {
		pterm.Info.Println("No peers registered")
		return nil
	}

	data := pterm.TableData{{"#", "Username"}}
	for i, peer := range peers {
		name := peer
		if peer == a.cfg.Username {
			name += " (you)"
		}
		data = append(data, []string{fmt.Sprint(i + 1), name})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func sendCmd(ctx context.Context, args []string) error {
	cfg := config.FromEnv()
	fs := newFlagSet("send", &cfg)
	to := fs.String("to", "", "Username of the receiving peer")
	file := fs.String("file", "", "Path to the file to send (required)")
	direct := fs.Bool("direct", false, "Send over UDP to the endpoint --to registered instead of the relay")
	addr := fs.String("addr", "", "Receiver address host:port for a direct UDP transfer without the server")
	a, err := parse(fs, &cfg, args)
	if err != nil {
		return err
	}

	if *file == "" {
		fs.Usage()
		return errors.New("--file is required")
	}
	if *to == "" && *addr == "" {
		fs.Usage()
		return errors.New("specify --to for a transfer to a registered peer or --addr for a direct transfer")
	}

	info, err := os.Stat(*file)
	if err != nil {
		return err
	}
	pterm.Info.Printf("File: %s (%s)\n", info.Name(), transfer.FormatBytes(info.Size()))

	progress := newReporter()
	sess := a.newSession(progress)

	switch {
	case *addr != "":
		pterm.Info.Printf("Sending directly to %s\n", *addr)
		err = sess.SendDirect(ctx, *file, *addr)
	case *direct:
		err = a.sendDirectTo(ctx, sess, *to, *file)
	default:
		err = a.sendRelay(ctx, sess, *to, *file)
	}
	progress.stop(err == nil)
	if err != nil {
		return err
	}

	printSummary(sess.Snapshot())
	return nil
}

func (a *app) sendRelay(ctx context.Context, sess *session.Session, to, file string) error {
	if a.cfg.Username == "" {
		return errors.New("--user is required for relay transfers")
	}

	ch, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.Register(ctx, a.cfg.Username); err != nil {
		return err
	}
	pterm.Info.Printf("Sending to %s through the relay\n", to)
	return sess.SendRelay(ctx, ch, to, file)
}

func (a *app) sendDirectTo(ctx context.Context, sess *session.Session, to, file string) error {
	ch, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if a.cfg.Username != "" {
		if _, err := ch.Register(ctx, a.cfg.Username); err != nil {
			return err
		}
	}
	pterm.Info.Printf("Sending directly to %s's registered endpoint\n", to)
	return sess.SendDirectTo(ctx, ch, to, file)
}

func receiveCmd(ctx context.Context, args []string) error {
	cfg := config.FromEnv()
	fs := newFlagSet("receive", &cfg)
	listen := fs.String("listen", "", "Bind address for a direct UDP transfer, e.g. :9001 (registers too when --user is set)")
	a, err := parse(fs, &cfg, args)
	if err != nil {
		return err
	}

	progress := newReporter()
	sess := a.newSession(progress)

	if *listen != "" {
		err = a.receiveDirect(ctx, sess, *listen)
	} else {
		err = a.receiveRelay(ctx, sess)
	}
	progress.stop(err == nil)

	snap := sess.Snapshot()
	if err != nil {
		if snap.FilePath != "" && snap.BytesTransferred > 0 {
			pterm.Warning.Printf("Partial file kept at %s\n", snap.FilePath)
		}
		return err
	}

	printSummary(snap)
	return nil
}

// receiveDirect registers first when a username is set, so senders can
// resolve this peer with send --direct.
func (a *app) receiveDirect(ctx context.Context, sess *session.Session, listen string) error {
	if a.cfg.Username != "" {
		ch, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer ch.Close()

		if _, err := ch.Register(ctx, a.cfg.Username); err != nil {
			return err
		}
		pterm.Info.Printf("Registered as %s\n", a.cfg.Username)
	}

	pterm.Info.Printf("Waiting for a direct transfer on %s\n", listen)
	_, err := sess.ReceiveDirect(ctx, listen, a.cfg.DownloadDir)
	return err
}

func (a *app) receiveRelay(ctx context.Context, sess *session.Session) error {
	if a.cfg.Username == "" {
		return errors.New("--user is required to receive through the relay")
	}

	ch, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.Register(ctx, a.cfg.Username); err != nil {
		return err
	}
	pterm.Info.Printf("Registered as %s, waiting for a sender\n", a.cfg.Username)

	_, err = sess.ReceiveRelay(ctx, ch, a.cfg.DownloadDir)
	return err
}

func (a *app) connect(ctx context.Context) (*signaling.Channel, error) {
	ch, err := signaling.Connect(ctx, a.cfg.Signaling(a.component("signaling")))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", a.cfg.ServerURL, err)
	}
	return ch, nil
}

func (a *app) newSession(progress *reporter) *session.Session {
	log := a.component("session")

	cfg := session.DefaultConfig()
	cfg.Logger = log
	cfg.Datagram = a.cfg.Datagram(a.component("datagram"))
	cfg.Relay = a.cfg.Relay(a.component("relay"))
	cfg.OnProgress = progress.update
	cfg.OnStateChange = func(from, to session.State) {
		log.Debugf("state %s -> %s", from, to)
	}
	return session.New(cfg)
}

func printSummary(snap session.Snapshot) {
	elapsed := snap.EndedAt.Sub(snap.StartedAt)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	speed := float64(snap.BytesTransferred) / elapsed.Seconds()

	pterm.Success.Println("Transfer complete!")
	pterm.Printf("  File:          %s\n", snap.FilePath)
	pterm.Printf("  Size:          %s\n", transfer.FormatBytes(snap.BytesTransferred))
	pterm.Printf("  Transport:     %s\n", snap.Transport)
	if snap.Peer != "" {
		pterm.Printf("  Peer:          %s\n", snap.Peer)
	}
	pterm.Printf("  Time:          %s\n", transfer.FormatDuration(elapsed))
	pterm.Printf("  Average speed: %s/s\n", transfer.FormatBytes(int64(speed)))
}

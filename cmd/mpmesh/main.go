// mpmesh: peer process of the multiplayer mesh.
//
// It joins rooms on a lobby service, links to the other peers over WebRTC
// DataChannels and keeps every player's pose in sync. Commands are read
// from stdin (type "help").
//
// With -offline the lobby and WebRTC are replaced by an in-process hub,
// optionally populated with wandering bots (-bots) that join whatever room
// is hosted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/mpmesh/internal/config"
	"github.com/1ureka/mpmesh/internal/console"
	"github.com/1ureka/mpmesh/internal/lobby"
	"github.com/1ureka/mpmesh/internal/relay"
	"github.com/1ureka/mpmesh/internal/session"
	"github.com/1ureka/mpmesh/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()
	config.RegisterFlags(flag.CommandLine, &cfg)
	bots := flag.Int("bots", 0, "Number of wandering bots to add (offline only)")
	flag.Parse()

	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("mpmesh v%s", version))
	pterm.Println()

	var err error
	if cfg.Network.Offline {
		err = runOffline(ctx, cfg, *bots)
	} else {
		err = runOnline(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runOnline connects to the lobby service and links to peers over WebRTC.
func runOnline(ctx context.Context, cfg config.Config) error {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Network.ConnectTimeout)
	client, err := lobby.Dial(dialCtx, cfg.Network.LobbyURL)
	cancel()
	if err != nil {
		return err
	}

	rtc := relay.NewRTC(client, cfg.Network.STUNServers)
	defer rtc.Close()
	util.LogSuccess("connected to lobby %s as %s", cfg.Network.LobbyURL, client.ID())

	local := newWorld("you", false)
	m := session.New(ctx, cfg, rtc, local, newVisual)
	defer m.Close()

	return loop(ctx, cfg, m, client.Done(), nil)
}

// runOffline runs against an in-process hub with optional bots.
func runOffline(ctx context.Context, cfg config.Config, bots int) error {
	hub := relay.NewHub()

	local := newWorld("you", false)
	m := session.New(ctx, cfg, hub.NewPeer(), local, newVisual)
	defer m.Close()

	ctl := &offlineController{Machine: m}
	for i := range bots {
		w := newWorld(fmt.Sprintf("bot%d", i+1), true)
		b := session.New(ctx, cfg, hub.NewPeer(), w, nil)
		defer b.Close()
		ctl.bots = append(ctl.bots, bot{b, w})
	}
	util.LogInfo("offline with %d bots, type \"host <name>\" to start", bots)

	return loop(ctx, cfg, ctl, nil, ctl.advance)
}

type bot struct {
	m *session.Machine
	w *world
}

// offlineController makes the bots join every room the local peer hosts.
type offlineController struct {
	*session.Machine
	bots []bot
}

func (c *offlineController) Host(name string, maxPlayers int, done func(error)) error {
	return c.Machine.Host(name, maxPlayers, func(err error) {
		if err == nil {
			c.joinBots()
		}
		if done != nil {
			done(err)
		}
	})
}

func (c *offlineController) joinBots() {
	id, err := c.LobbyID()
	if err != nil {
		return
	}
	for _, b := range c.bots {
		if err := b.m.Join(id, nil); err != nil {
			util.LogWarning("%s could not join: %v", b.w.name, err)
		}
	}
}

func (c *offlineController) advance(dt time.Duration) {
	for _, b := range c.bots {
		b.w.advance(dt.Seconds())
		b.m.Tick(dt)
	}
}

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

// controller is the console surface plus the frame step.
type controller interface {
	console.Controller
	Tick(dt time.Duration)
}

// loop runs the simulation at the configured tick rate on this goroutine
// and executes console lines between frames.
func loop(ctx context.Context, cfg config.Config, ctl controller, lost <-chan struct{}, extra func(time.Duration)) error {
	con := console.New(ctl, os.Stdout, cfg.Session.MaxPlayers)
	lines := readLines(ctx)

	util.StartStatsReporter(ctx)

	frame := time.Duration(float64(time.Second) / cfg.Session.TickRate)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return fmt.Errorf("lost connection to lobby")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			con.Report(con.Execute(line))
		case <-ticker.C:
			ctl.Tick(frame)
			if extra != nil {
				extra(frame)
			}
		}
	}
}

// readLines feeds stdin lines into a channel until EOF.
func readLines(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

var _ controller = (*offlineController)(nil)

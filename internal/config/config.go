// Package config holds the runtime configuration and its CLI flag bindings.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config stores every tunable of a peer process.
type Config struct {
	Network NetworkConfig
	Session SessionConfig
	Sync    SyncConfig
	Damage  DamageConfig
	Debug   bool
}

// NetworkConfig covers the lobby service and peer links.
type NetworkConfig struct {
	LobbyURL       string        // websocket URL of the lobby service
	STUNServers    []string      // ICE servers for peer links
	ConnectTimeout time.Duration // bound on a single peer connect
	InboxSize      int           // inbound message queue capacity
	Offline        bool          // use an in-process hub instead of the lobby
}

// SessionConfig covers the per-frame scheduling of the session.
type SessionConfig struct {
	TickRate            float64       // simulation frames per second
	SnapshotRate        float64       // local snapshots sent per second
	HandshakeInterval   time.Duration // WorldInitRequest retry period
	MaxMessagesPerFrame int           // inbound drain cap per frame
	TeleportHold        time.Duration // outgoing snapshots stay flagged as teleports this long
	WorldStateInterval  time.Duration // host WorldStateSync period
	MaxPlayers          int           // default room size for "host"
}

// SyncConfig covers remote entity smoothing.
type SyncConfig struct {
	WarmupTeleport time.Duration // forced-teleport window after entity creation
	RejectStale    bool          // drop snapshots older than the last applied one
}

// DamageScale is a pair of multipliers: Active applies to damage this peer
// deals, Passive to damage it receives.
type DamageScale struct {
	Active  float32
	Passive float32
}

// DamageConfig scales player-versus-player damage per damage kind.
type DamageConfig struct {
	All   DamageScale
	Kinds map[string]DamageScale
	Other DamageScale // kinds not listed in Kinds
}

// Default returns the configuration used when no flag overrides it.
func Default() Config {
	return Config{
		Network: NetworkConfig{
			LobbyURL: "ws://127.0.0.1:8787/ws",
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			ConnectTimeout: 5 * time.Second,
			InboxSize:      1024,
		},
		Session: SessionConfig{
			TickRate:            60,
			SnapshotRate:        30,
			HandshakeInterval:   2 * time.Second,
			MaxMessagesPerFrame: 50,
			TeleportHold:        500 * time.Millisecond,
			WorldStateInterval:  time.Second,
			MaxPlayers:          4,
		},
		Sync: SyncConfig{
			WarmupTeleport: 5 * time.Second,
			RejectStale:    true,
		},
		Damage: DefaultDamage(),
	}
}

// DefaultDamage returns the stock PvP multipliers. Dealt damage is cut to a
// fifth except for the hammer, which would otherwise be negligible.
func DefaultDamage() DamageConfig {
	one := DamageScale{Active: 1, Passive: 1}
	rebarExplosion := one
	return DamageConfig{
		All: DamageScale{Active: 0.2, Passive: 1},
		Kinds: map[string]DamageScale{
			"Hammer":         {Active: 5, Passive: 1},
			"rebar":          one,
			"returnrebar":    one,
			"rebarexplosion": rebarExplosion,
			"explosion":      rebarExplosion,
			"piton":          one,
			"flare":          one,
			"ice":            one,
		},
		Other: one,
	}
}

func (d DamageConfig) scale(kind string) DamageScale {
	if s, ok := d.Kinds[kind]; ok {
		return s
	}
	return d.Other
}

// Dealt scales damage this peer inflicts on a remote entity.
func (d DamageConfig) Dealt(kind string, amount float32) float32 {
	return amount * d.All.Active * d.scale(kind).Active
}

// Taken scales damage a remote peer inflicted on this peer.
func (d DamageConfig) Taken(kind string, amount float32) float32 {
	return amount * d.All.Passive * d.scale(kind).Passive
}

// Validate rejects values that would stall or spin the simulation.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick rate must be positive, got %v", c.Session.TickRate))
	}
	if c.Session.SnapshotRate <= 0 {
		errs = append(errs, fmt.Errorf("snapshot rate must be positive, got %v", c.Session.SnapshotRate))
	}
	if c.Session.HandshakeInterval <= 0 {
		errs = append(errs, fmt.Errorf("handshake interval must be positive, got %v", c.Session.HandshakeInterval))
	}
	if c.Session.MaxMessagesPerFrame <= 0 {
		errs = append(errs, fmt.Errorf("max messages per frame must be positive, got %d", c.Session.MaxMessagesPerFrame))
	}
	if c.Session.MaxPlayers < 2 {
		errs = append(errs, fmt.Errorf("max players must be at least 2, got %d", c.Session.MaxPlayers))
	}
	if c.Network.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect timeout must be positive, got %v", c.Network.ConnectTimeout))
	}
	if c.Network.InboxSize <= 0 {
		errs = append(errs, fmt.Errorf("inbox size must be positive, got %d", c.Network.InboxSize))
	}
	return errors.Join(errs...)
}

// RegisterFlags binds c's fields to fs. Values already in c become the
// flag defaults.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Network.LobbyURL, "lobby", c.Network.LobbyURL, "WebSocket URL of the lobby service")
	fs.Func("stun", "Comma-separated STUN server URLs", func(v string) error {
		c.Network.STUNServers = splitList(v)
		return nil
	})
	fs.DurationVar(&c.Network.ConnectTimeout, "connectTimeout", c.Network.ConnectTimeout, "Peer connect timeout")
	fs.BoolVar(&c.Network.Offline, "offline", c.Network.Offline, "Run against an in-process hub (no lobby, no network)")

	fs.Float64Var(&c.Session.TickRate, "tickRate", c.Session.TickRate, "Simulation frames per second")
	fs.Float64Var(&c.Session.SnapshotRate, "snapshotRate", c.Session.SnapshotRate, "Local snapshots sent per second")
	fs.IntVar(&c.Session.MaxMessagesPerFrame, "maxMessages", c.Session.MaxMessagesPerFrame, "Inbound messages handled per frame")
	fs.IntVar(&c.Session.MaxPlayers, "maxPlayers", c.Session.MaxPlayers, "Default room size for the host command")

	fs.BoolVar(&c.Sync.RejectStale, "rejectStale", c.Sync.RejectStale, "Drop snapshots older than the last applied one")

	fs.Func("dealt", "Multiplier on all damage dealt to other players", floatSetter(&c.Damage.All.Active))
	fs.Func("taken", "Multiplier on all damage taken from other players", floatSetter(&c.Damage.All.Passive))

	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
}

func floatSetter(dst *float32) func(string) error {
	return func(v string) error {
		var f float32
		if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
			return fmt.Errorf("invalid number %q: %w", v, err)
		}
		*dst = f
		return nil
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

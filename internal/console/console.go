// Package console parses the text commands a player types and runs them
// against the session.
package console

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/transport"
)

var (
	// ErrUnknownCommand is returned for a command nobody registered.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage is returned when arguments do not match a command's usage.
	ErrUsage = errors.New("usage")
)

// Controller is the session surface the console drives.
type Controller interface {
	Host(name string, maxPlayers int, done func(error)) error
	Join(roomID string, done func(error)) error
	Leave()
	Talk(text string) error
	FindPeer(suffix uint64) (protocol.PeerID, error)
	TeleportTo(peer protocol.PeerID) error
	LobbyID() (string, error)
	Connections() []transport.Connection
}

type command struct {
	usage string
	help  string
	run   func(args []string) error
}

// Console maps command lines to Controller calls. Output goes to w.
type Console struct {
	ctl        Controller
	w          io.Writer
	maxPlayers int
	commands   map[string]command
}

// New returns a Console. maxPlayers is the room size used when "host" is
// given no explicit size.
func New(ctl Controller, w io.Writer, maxPlayers int) *Console {
	c := &Console{ctl: ctl, w: w, maxPlayers: maxPlayers}
	c.commands = map[string]command{
		"host":           {"host <name> [max_players]", "create a lobby and host it", c.host},
		"join":           {"join <lobby_id>", "join an existing lobby", c.join},
		"leave":          {"leave", "leave the current lobby", c.leave},
		"talk":           {"talk <message...>", "send a chat line to everyone", c.talk},
		"tpto":           {"tpto <player_id_suffix>", "teleport to a player (suffix match, e.g. 6422)", c.tpto},
		"getlobbyid":     {"getlobbyid", "print the current lobby id", c.lobbyID},
		"getconnections": {"getconnections", "list peer connections", c.connections},
		"help":           {"help", "list commands", c.help},
	}
	return c
}

// Execute runs one command line. Blank lines are ignored.
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, ok := c.commands[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("%w: %s (try help)", ErrUnknownCommand, fields[0])
	}
	return cmd.run(fields[1:])
}

// Report prints err the way command failures are shown.
func (c *Console) Report(err error) {
	if err != nil {
		fmt.Fprint(c.w, pterm.Error.Sprintln(err.Error()))
	}
}

func (c *Console) info(format string, args ...interface{}) {
	fmt.Fprint(c.w, pterm.Info.Sprintfln(format, args...))
}

func (c *Console) usage(name string) error {
	return fmt.Errorf("%w: %s", ErrUsage, c.commands[name].usage)
}

// done reports the result of an asynchronous host or join.
func (c *Console) done(what string) func(error) {
	return func(err error) {
		if err != nil {
			c.Report(fmt.Errorf("%s failed: %w", what, err))
		}
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (c *Console) host(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return c.usage("host")
	}
	maxPlayers := c.maxPlayers
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 2 {
			return fmt.Errorf("%w: max_players must be a number >= 2", ErrUsage)
		}
		maxPlayers = n
	}
	if err := c.ctl.Host(args[0], maxPlayers, c.done("host")); err != nil {
		return err
	}
	c.info("creating lobby %q for %d players...", args[0], maxPlayers)
	return nil
}

func (c *Console) join(args []string) error {
	if len(args) != 1 {
		return c.usage("join")
	}
	if err := c.ctl.Join(args[0], c.done("join")); err != nil {
		return err
	}
	c.info("joining lobby %s...", args[0])
	return nil
}

func (c *Console) leave(args []string) error {
	if len(args) != 0 {
		return c.usage("leave")
	}
	c.ctl.Leave()
	return nil
}

func (c *Console) talk(args []string) error {
	if len(args) == 0 {
		return c.usage("talk")
	}
	return c.ctl.Talk(strings.Join(args, " "))
}

func (c *Console) tpto(args []string) error {
	if len(args) != 1 {
		return c.usage("tpto")
	}
	suffix, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: player id suffix must be decimal digits", ErrUsage)
	}
	id, err := c.ctl.FindPeer(suffix)
	if err != nil {
		return err
	}
	if err := c.ctl.TeleportTo(id); err != nil {
		return err
	}
	c.info("teleporting to %s", id)
	return nil
}

func (c *Console) lobbyID(args []string) error {
	if len(args) != 0 {
		return c.usage("getlobbyid")
	}
	id, err := c.ctl.LobbyID()
	if err != nil {
		return err
	}
	c.info("Lobby Id: %s", id)
	return nil
}

func (c *Console) connections(args []string) error {
	if len(args) != 0 {
		return c.usage("getconnections")
	}
	if _, err := c.ctl.LobbyID(); err != nil {
		return err
	}

	data := pterm.TableData{{"Peer", "Role", "State"}}
	for _, conn := range c.ctl.Connections() {
		st := "up"
		if conn.Pending {
			st = "connecting"
		}
		data = append(data, []string{conn.Peer.String(), conn.Role.String(), st})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.w, out)
	return nil
}

func (c *Console) help(args []string) error {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	data := pterm.TableData{{"Command", "Description"}}
	for _, name := range names {
		cmd := c.commands[name]
		data = append(data, []string{cmd.usage, cmd.help})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.w, out)
	return nil
}

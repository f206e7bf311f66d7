package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/mpmesh/internal/protocol"
	"github.com/1ureka/mpmesh/internal/util"
)

// Client is one peer's connection to the lobby server.
//
// Requests (Create, Join, Leave) wait for a matching result. Everything
// else the server pushes goes to the handler set with SetHandler.
type Client struct {
	id  protocol.PeerID
	out *sender

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan Message
	handler func(Message)

	done chan struct{}
	once sync.Once
}

// Dial connects to the lobby at url and waits for the server to assign
// an id.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lobby: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var welcome Message
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("lobby handshake failed: %w", err)
	}
	if welcome.Type != MsgWelcome {
		conn.Close()
		return nil, fmt.Errorf("lobby handshake failed: unexpected %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		id:      welcome.Peer,
		out:     &sender{conn: conn},
		pending: make(map[uint64]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop(conn)

	util.LogDebug("lobby: connected as %s", c.id)
	return c, nil
}

// ID returns the id the server assigned to this client.
func (c *Client) ID() protocol.PeerID { return c.id }

// Done is closed once the connection to the server is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// SetHandler sets the callback for pushed messages (membership changes
// and signals). It runs on the read goroutine.
func (c *Client) SetHandler(fn func(Message)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Create opens a new room owned by this client.
func (c *Client) Create(ctx context.Context, name string, maxPlayers int) (Room, error) {
	return c.roomRequest(ctx, Message{Type: MsgCreate, Name: name, MaxPlayers: maxPlayers})
}

// Join enters an existing room.
func (c *Client) Join(ctx context.Context, roomID string) (Room, error) {
	return c.roomRequest(ctx, Message{Type: MsgJoin, RoomID: roomID})
}

// Leave exits the current room, if any.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.request(ctx, Message{Type: MsgLeave})
	return err
}

// Signal relays a signaling payload to another member of the room. It does
// not wait for delivery.
func (c *Client) Signal(to protocol.PeerID, sig Signal) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.out.send(Message{Type: MsgSignal, Peer: to, Signal: &sig})
}

// Close disconnects from the server. Pending requests fail with ErrClosed.
func (c *Client) Close() {
	c.out.close("bye")
	c.shutdown()
}

func (c *Client) roomRequest(ctx context.Context, msg Message) (Room, error) {
	reply, err := c.request(ctx, msg)
	if err != nil {
		return Room{}, err
	}
	if reply.Room == nil {
		return Room{}, fmt.Errorf("%s: empty reply", msg.Type)
	}
	return *reply.Room, nil
}

func (c *Client) request(ctx context.Context, msg Message) (Message, error) {
	msg.Seq = c.seq.Add(1)
	ch := make(chan Message, 1)

	c.mu.Lock()
	c.pending[msg.Seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Seq)
		c.mu.Unlock()
	}()

	if err := c.out.send(msg); err != nil {
		return Message{}, fmt.Errorf("%s: %w", msg.Type, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, fmt.Errorf("%s: %w", msg.Type, errorFor(reply.Error))
		}
		return reply, nil
	case <-c.done:
		return Message{}, fmt.Errorf("%s: %w", msg.Type, ErrClosed)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.shutdown()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				util.LogDebug("lobby: read failed: %v", err)
			}
			return
		}

		c.mu.Lock()
		if msg.Type == MsgResult {
			if ch, ok := c.pending[msg.Seq]; ok {
				ch <- msg
			}
			c.mu.Unlock()
			continue
		}
		fn := c.handler
		c.mu.Unlock()

		if fn != nil {
			fn(msg)
		}
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func errorFor(code string) error {
	if err, ok := errorCodes[code]; ok {
		return err
	}
	return errors.New(code)
}

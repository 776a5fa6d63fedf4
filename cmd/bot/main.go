// Command bot plays a minimal plugin against a running server: it builds a
// server, drive bay and terminal, optionally inserts a disk, then stores,
// queries and retrieves one item type.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/protocol"
	"mss.voxelcraft.ai/internal/topology"
)

type options struct {
	URL      string
	Name     string
	Token    string
	Actor    string
	World    string
	X, Y, Z  int
	Disk     string
	ItemType string
	Quantity int64
	Keep     bool
}

func main() {
	var o options
	flag.StringVar(&o.URL, "url", "ws://localhost:8080/v1/ws", "ws url")
	flag.StringVar(&o.Name, "name", "bot", "client name sent in HELLO")
	flag.StringVar(&o.Token, "token", os.Getenv("MSS_TOKEN"), "shared secret")
	flag.StringVar(&o.Actor, "actor", "bot", "player the requests act for")
	flag.StringVar(&o.World, "world", "world", "world name")
	flag.IntVar(&o.X, "x", 0, "origin x")
	flag.IntVar(&o.Y, "y", 64, "origin y")
	flag.IntVar(&o.Z, "z", 0, "origin z")
	flag.StringVar(&o.Disk, "disk", "", "disk id to insert (see admin give)")
	flag.StringVar(&o.ItemType, "item", "COBBLESTONE", "item type to store")
	flag.Int64Var(&o.Quantity, "qty", 64, "quantity to store")
	flag.BoolVar(&o.Keep, "keep", false, "leave the blocks in place afterwards")
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, o, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

type client struct {
	conn *websocket.Conn
	seq  atomic.Int64
}

func dial(ctx context.Context, o options, logger *log.Logger) (*client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, o.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: o.Name}
	if o.Token != "" {
		hello.Auth = &protocol.HelloAuth{Token: o.Token}
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var w protocol.WelcomeMsg
	if err := conn.ReadJSON(&w); err != nil {
		conn.Close()
		return nil, fmt.Errorf("WELCOME: %w", err)
	}
	if w.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", w.Type)
	}
	logger.Printf("WELCOME session=%s max_blocks=%d cooldown=%dms bay_slots=%d",
		w.SessionID, w.Limits.MaxNetworkBlocks, w.Limits.OperationCooldownMs, w.Limits.DriveBaySlots)
	return &client{conn: conn}, nil
}

// call sends one request and waits for its RESULT. The server may answer
// concurrent requests out of order; results for other ids are dropped.
func (c *client) call(ctx context.Context, typ string, body map[string]any) (protocol.ResultMsg, error) {
	id := fmt.Sprintf("bot-%d", c.seq.Add(1))
	msg := map[string]any{"type": typ, "protocol_version": protocol.Version, "req_id": id}
	for k, v := range body {
		msg[k] = v
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return protocol.ResultMsg{}, err
	}
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	for {
		var r protocol.ResultMsg
		if err := c.conn.ReadJSON(&r); err != nil {
			return protocol.ResultMsg{}, err
		}
		if r.ReqID == id {
			return r, nil
		}
	}
}

func (c *client) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

type step struct {
	typ  string
	body map[string]any
	// soft steps log a failure and continue.
	soft bool
}

func script(o options) []step {
	at := func(dx int) topology.Location {
		return topology.Location{World: o.World, X: o.X + dx, Y: o.Y, Z: o.Z}
	}
	stack := protocol.Stack{Item: item.Descriptor{Type: strings.ToUpper(o.ItemType)}, Quantity: o.Quantity}
	steps := []step{
		{typ: protocol.TypeBlockAdded, body: map[string]any{"at": at(0), "role": topology.RoleServer}},
		{typ: protocol.TypeBlockAdded, body: map[string]any{"at": at(1), "role": topology.RoleDriveBay}},
		{typ: protocol.TypeBlockAdded, body: map[string]any{"at": at(2), "role": topology.RoleTerminal}},
	}
	if o.Disk != "" {
		steps = append(steps, step{typ: protocol.TypeDiskInsert, body: map[string]any{"bay": at(1), "slot": 0, "disk_id": o.Disk}})
	}
	steps = append(steps,
		step{typ: protocol.TypeStore, body: map[string]any{"actor": o.Actor, "at": at(2), "items": []protocol.Stack{stack}}, soft: true},
		step{typ: protocol.TypeQuery, body: map[string]any{"at": at(2)}},
		step{typ: protocol.TypeRetrieve, body: map[string]any{"actor": o.Actor, "at": at(2), "item": stack.Item, "quantity": (o.Quantity + 1) / 2}, soft: true},
	)
	if !o.Keep {
		if o.Disk != "" {
			steps = append(steps, step{typ: protocol.TypeDiskEject, body: map[string]any{"bay": at(1), "slot": 0}})
		}
		for dx := 2; dx >= 0; dx-- {
			steps = append(steps, step{typ: protocol.TypeBlockRemoved, body: map[string]any{"at": at(dx)}})
		}
	}
	return steps
}

var errStep = errors.New("step failed")

func run(ctx context.Context, o options, logger *log.Logger) error {
	c, err := dial(ctx, o, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, s := range script(o) {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := c.call(ctx, s.typ, s.body)
		if err != nil {
			return fmt.Errorf("%s: %w", s.typ, err)
		}
		data, _ := json.Marshal(r.Data)
		if !r.OK {
			logger.Printf("%s failed: %s %s", s.typ, r.Code, r.Message)
			if !s.soft {
				return fmt.Errorf("%w: %s %s", errStep, s.typ, r.Code)
			}
			continue
		}
		logger.Printf("%s ok %s", s.typ, data)
	}
	return nil
}

// Package bms implements the request/response session with a LiFePO4 battery
// management system over BLE. A Client owns one connection and runs one
// transaction at a time: encode and write a request, collect the notification
// chunks of the reply, reassemble and validate the frame, decode telemetry.
package bms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veldt-labs/batmon/internal/ble"
	"github.com/veldt-labs/batmon/internal/ble/protocol"
)

var (
	// ErrBusy is returned when a request is issued while another is in
	// flight. The in-flight transaction is not disturbed; requests are
	// rejected rather than queued because reply latency over BLE is too
	// variable to bound a queue.
	ErrBusy = errors.New("bms: request already in flight")

	// ErrNotConnected is returned when no BLE connection is established.
	ErrNotConnected = errors.New("bms: not connected")

	// ErrTimedOut is returned when no complete valid response arrived
	// within the request timeout.
	ErrTimedOut = errors.New("bms: request timed out")
)

// Options configures the client.
type Options struct {
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string

	// RequestTimeout bounds one whole transaction, armed at write time and
	// independent of notification activity. A stalled chunk stream fails
	// rather than hanging.
	RequestTimeout time.Duration
}

// DefaultOptions returns the Nordic UART UUIDs the BMS exposes and a timeout
// matching its observed worst-case reply latency.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:    ble.UARTServiceUUID,
		WriteUUID:      ble.UARTWriteUUID,
		NotifyUUID:     ble.UARTNotifyUUID,
		RequestTimeout: 5 * time.Second,
	}
}

// txState tracks where the single in-flight transaction is.
type txState uint8

const (
	stateIdle txState = iota
	stateSent
	stateReassembling
)

// Client talks to one BMS. Safe for concurrent use; concurrent requests are
// rejected with ErrBusy rather than serialized.
type Client struct {
	adapter ble.Adapter
	opts    Options

	mu         sync.Mutex
	conn       ble.Connection
	writeChar  ble.Characteristic
	notifyChar ble.Characteristic
	connected  bool
	state      txState
	generation uint64 // bumped per transaction; stale notification chunks are dropped
}

// NewClient creates a client using the given BLE adapter.
func NewClient(adapter ble.Adapter, opts Options) *Client {
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = ble.UARTServiceUUID
	}
	if opts.WriteUUID == "" {
		opts.WriteUUID = ble.UARTWriteUUID
	}
	if opts.NotifyUUID == "" {
		opts.NotifyUUID = ble.UARTNotifyUUID
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &Client{adapter: adapter, opts: opts}
}

// Connect establishes the BLE connection and resolves the UART write and
// notify characteristics. A dropped connection is only flagged; reconnect
// policy belongs to the caller, like retry policy.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("bms: enable adapter: %w", err)
	}

	conn, err := c.adapter.Connect(ctx, addr)
	if err != nil {
		return fmt.Errorf("bms: connect to %s: %w", addr, err)
	}

	writeChar, err := conn.DiscoverCharacteristic(c.opts.ServiceUUID, c.opts.WriteUUID)
	if err != nil {
		conn.Disconnect()
		return fmt.Errorf("bms: discover write characteristic: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(c.opts.ServiceUUID, c.opts.NotifyUUID)
	if err != nil {
		conn.Disconnect()
		return fmt.Errorf("bms: discover notify characteristic: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writeChar = writeChar
	c.notifyChar = notifyChar
	c.connected = true
	c.mu.Unlock()

	conn.OnDisconnect(func() {
		slog.Warn("[BMS] connection lost", "addr", addr)
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.writeChar = nil
		c.notifyChar = nil
		c.mu.Unlock()
	})

	slog.Info("[BMS] connected", "addr", addr)
	return nil
}

// Close disconnects from the device.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Disconnect()
	}
	c.connected = false
	c.conn = nil
	c.writeChar = nil
	c.notifyChar = nil
	return nil
}

// Request runs one transaction: write req, reassemble the notification
// stream into a frame, validate and decode it. Exactly one transaction may
// be in flight; a second concurrent call fails with ErrBusy immediately.
// Cancel via ctx; the notification subscription is released on every exit
// path and the client returns to idle.
func (c *Client) Request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return protocol.Response{}, ErrNotConnected
	}
	if c.state != stateIdle {
		c.mu.Unlock()
		return protocol.Response{}, ErrBusy
	}
	c.state = stateSent
	c.generation++
	gen := c.generation
	writeChar := c.writeChar
	notifyChar := c.notifyChar
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = stateIdle
		c.mu.Unlock()
	}()

	frame, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}

	// Subscribe before writing so no reply chunk can be missed. Chunks are
	// tagged with the transaction generation: a sloppy peripheral may still
	// deliver chunks for an aborted transaction after the next one starts,
	// and those must not leak into this reassembly.
	chunks := make(chan []byte, 32)
	err = notifyChar.Subscribe(func(data []byte) {
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			slog.Debug("[BMS] dropping stale notification chunk", "len", len(data))
			return
		}
		select {
		case chunks <- data:
		default:
			// Channel full means the device is flooding far beyond any
			// legal frame; the reassembler will flag the overflow.
		}
	})
	if err != nil {
		return protocol.Response{}, fmt.Errorf("bms: subscribe: %w", err)
	}
	defer notifyChar.Unsubscribe()

	if err := writeChar.Write(frame); err != nil {
		return protocol.Response{}, fmt.Errorf("bms: write request: %w", err)
	}
	slog.Debug("[BMS] request sent", "command", fmt.Sprintf("%#02x", req.Command), "len", len(frame))

	// One timer for the whole transaction. Chunk arrival does not extend it.
	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	var asm protocol.Assembler
	var prev []byte
	for {
		select {
		case <-ctx.Done():
			return protocol.Response{}, fmt.Errorf("bms: request cancelled: %w", ctx.Err())

		case <-timer.C:
			return protocol.Response{}, fmt.Errorf("%w after %s (%d of %d bytes)",
				ErrTimedOut, c.opts.RequestTimeout, asm.Len(), asm.Expected())

		case chunk := <-chunks:
			// The link re-delivers some notifications verbatim; a repeat of
			// the previous chunk is a transport artifact, not data.
			if prev != nil && bytes.Equal(chunk, prev) {
				slog.Debug("[BMS] dropping duplicate notification chunk", "len", len(chunk))
				continue
			}
			prev = chunk

			c.mu.Lock()
			c.state = stateReassembling
			c.mu.Unlock()

			raw, done, err := asm.Feed(chunk)
			if err != nil {
				return protocol.Response{}, err
			}
			if !done {
				slog.Debug("[BMS] frame incomplete", "have", asm.Len(), "want", asm.Expected())
				continue
			}
			resp, err := protocol.DecodeResponse(raw)
			if err != nil {
				return protocol.Response{}, err
			}
			slog.Debug("[BMS] response complete", "status", fmt.Sprintf("%#02x", resp.Status), "payload", len(resp.Payload))
			return resp, nil
		}
	}
}

// FetchTelemetry polls the full telemetry block and decodes it.
func (c *Client) FetchTelemetry(ctx context.Context) (*TelemetryRecord, error) {
	resp, err := c.Request(ctx, protocol.Request{Command: protocol.CmdReadStatus})
	if err != nil {
		return nil, err
	}
	return DecodeTelemetry(resp)
}

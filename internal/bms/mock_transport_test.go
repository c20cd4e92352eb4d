package bms

import (
	"context"
	"fmt"
	"sync"

	"github.com/veldt-labs/batmon/internal/ble"
	"github.com/veldt-labs/batmon/internal/ble/protocol"
)

// fakeCharacteristic records writes and delivers simulated notifications.
type fakeCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)

	// onWrite, when set, observes every write (device simulation hook).
	onWrite func([]byte)
}

func (c *fakeCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *fakeCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *fakeCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	return nil
}

func (c *fakeCharacteristic) notify(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *fakeCharacteristic) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

type fakeConnection struct {
	writeChar    *fakeCharacteristic
	notifyChar   *fakeCharacteristic
	disconnectCb func()
}

func (c *fakeConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	switch charUUID {
	case ble.UARTWriteUUID:
		return c.writeChar, nil
	case ble.UARTNotifyUUID:
		return c.notifyChar, nil
	default:
		return nil, fmt.Errorf("fake: unknown characteristic UUID %q", charUUID)
	}
}

func (c *fakeConnection) Disconnect() error      { return nil }
func (c *fakeConnection) OnDisconnect(cb func()) { c.disconnectCb = cb }

type fakeAdapter struct {
	conn *fakeConnection
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{conn: &fakeConnection{
		writeChar:  &fakeCharacteristic{},
		notifyChar: &fakeCharacteristic{},
	}}
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(_ context.Context, _ ble.ScanFilter) ([]ble.Device, error) {
	return []ble.Device{{Name: "BT_HC6172", Address: "aa:bb:cc:dd:ee:ff"}}, nil
}

func (a *fakeAdapter) Connect(_ context.Context, _ string) (ble.Connection, error) {
	return a.conn, nil
}

var _ ble.Adapter = (*fakeAdapter)(nil)

// respond wires a device simulation: on every request write, reply with the
// given notification chunks.
func (a *fakeAdapter) respond(chunks ...[]byte) {
	a.conn.writeChar.onWrite = func([]byte) {
		for _, chunk := range chunks {
			a.conn.notifyChar.notify(chunk)
		}
	}
}

// deviceFrame builds a response frame the way the BMS does: marker, status,
// length, payload, CRC-16/MODBUS low byte first.
func deviceFrame(status byte, payload []byte) []byte {
	frame := append([]byte{protocol.FrameMarker, status, byte(len(payload))}, payload...)
	crc := protocol.Checksum(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

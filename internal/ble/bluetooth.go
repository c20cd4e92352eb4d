package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// DefaultAdapter wraps tinygo-org/bluetooth around the platform's default
// BLE adapter (BlueZ on Linux, CoreBluetooth on macOS). On macOS, device
// addresses are CoreBluetooth UUID strings rather than MAC addresses; the
// Address fields throughout carry whichever form the platform uses.
type DefaultAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*gattConnection // keyed by device address
}

// NewDefaultAdapter creates a BLE adapter backed by the platform stack.
func NewDefaultAdapter() *DefaultAdapter {
	return &DefaultAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*gattConnection),
	}
}

func (a *DefaultAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Register the adapter-level connect/disconnect handler. tinygo/bluetooth
	// fires this callback with connected=false when a peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *DefaultAdapter) Scan(ctx context.Context, filter ScanFilter) ([]Device, error) {
	var svcUUID bluetooth.UUID
	if filter.ServiceUUID != "" {
		parsed, err := bluetooth.ParseUUID(filter.ServiceUUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID: %w", err)
		}
		svcUUID = parsed
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if filter.ServiceUUID != "" && !result.HasServiceUUID(svcUUID) {
			return
		}
		if filter.Name != "" && !strings.EqualFold(result.LocalName(), filter.Name) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *DefaultAdapter) Connect(ctx context.Context, addr string) (Connection, error) {
	var target bluetooth.Address
	target.Set(addr)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// Wrap it so our ctx cancellation is also respected.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(target, bluetooth.ConnectionParams{})
		ch <- connectResult{device: device, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", addr, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", addr, result.err)
		}
		conn := &gattConnection{device: &result.device}

		// Track this connection so the adapter-level disconnect handler
		// can find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[addr] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that DefaultAdapter implements Adapter.
var _ Adapter = (*DefaultAdapter)(nil)

type gattConnection struct {
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *gattConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &gattCharacteristic{char: &chars[0]}, nil
}

func (c *gattConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *gattConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type gattCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *gattCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *gattCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// tinygo may reuse the notification buffer; hand subscribers a copy.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}

func (c *gattCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}

// Package ble provides the Bluetooth Low Energy transport for talking to a
// LiFePO4 BMS. The BMS exposes a Nordic UART service: requests go to the
// write characteristic, responses come back as notifications on the notify
// characteristic. The protocol layered on top lives in internal/ble/protocol
// and internal/bms.
package ble

import "context"

// Nordic UART service UUIDs as exposed by the BMS.
const (
	UARTServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTWriteUUID   = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	UARTNotifyUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notification delivery. Safe to call when not subscribed.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// ScanFilter selects which advertising peripherals Scan reports. Zero-value
// fields match everything. The BMS advertises a vendor device name
// ("BT_HC6172" and friends) rather than a filterable service UUID, so name
// matching is the usual path.
type ScanFilter struct {
	Name        string
	ServiceUUID string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals matching the filter until ctx is
	// cancelled or times out.
	Scan(ctx context.Context, filter ScanFilter) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	// On Linux this is a MAC address; on macOS a CoreBluetooth UUID.
	Connect(ctx context.Context, addr string) (Connection, error)
}

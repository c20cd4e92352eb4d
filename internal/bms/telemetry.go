package bms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/veldt-labs/batmon/internal/ble/protocol"
)

var (
	// ErrUnknownStatus means the response status byte is not a telemetry
	// reply. The link and framing both succeeded; only interpretation failed.
	ErrUnknownStatus = errors.New("bms: unknown response status")

	// ErrShortPayload means the payload is shorter than the minimum needed
	// for the cell count it declares.
	ErrShortPayload = errors.New("bms: telemetry payload too short")

	// ErrDeviceException means the BMS rejected the request with an
	// exception response.
	ErrDeviceException = errors.New("bms: device exception")
)

// Telemetry payload layout, big-endian throughout. Fixed part:
//
//	[0]           cell count N
//	[1 : 1+2N]    per-cell voltage, mV
//	[1+2N : 3+2N] pack voltage, V/100
//
// Newer firmware appends, in order: pack current (signed, A/100), state of
// charge (%), residual capacity (Ah/100), cycle count, temperature sensor
// count followed by per-sensor readings (°C/10, signed), protection flags.
// The decoder takes whatever prefix of that tail is present.
const (
	maxCells = 32

	// cellAbsent is the sentinel the BMS reports for unpopulated cell
	// slots; such slots are omitted from the record.
	cellAbsent = 0xEE49

	// tempAbsent marks an unpopulated temperature sensor slot.
	tempAbsent = 0x7FFF
)

// ProtectionFlags is the bitfield of active protection conditions.
type ProtectionFlags uint16

const (
	ProtCellOvervolt ProtectionFlags = 1 << iota
	ProtCellUndervolt
	ProtPackOvervolt
	ProtPackUndervolt
	ProtChargeOvercurrent
	ProtDischargeOvercurrent
	ProtChargeOvertemp
	ProtDischargeOvertemp
	ProtUndertemp
	ProtShortCircuit
	ProtChargeMOSFault
	ProtDischargeMOSFault
)

var protectionNames = []struct {
	flag ProtectionFlags
	name string
}{
	{ProtCellOvervolt, "cell_overvoltage"},
	{ProtCellUndervolt, "cell_undervoltage"},
	{ProtPackOvervolt, "pack_overvoltage"},
	{ProtPackUndervolt, "pack_undervoltage"},
	{ProtChargeOvercurrent, "charge_overcurrent"},
	{ProtDischargeOvercurrent, "discharge_overcurrent"},
	{ProtChargeOvertemp, "charge_overtemperature"},
	{ProtDischargeOvertemp, "discharge_overtemperature"},
	{ProtUndertemp, "undertemperature"},
	{ProtShortCircuit, "short_circuit"},
	{ProtChargeMOSFault, "charge_mos_fault"},
	{ProtDischargeMOSFault, "discharge_mos_fault"},
}

// Set returns the names of all active conditions.
func (f ProtectionFlags) Set() []string {
	var out []string
	for _, p := range protectionNames {
		if f&p.flag != 0 {
			out = append(out, p.name)
		}
	}
	return out
}

func (f ProtectionFlags) String() string {
	names := f.Set()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// TelemetryRecord is one decoded telemetry snapshot. Values are in SI-ish
// display units (volts, amps, °C, amp-hours); scale conversion from the wire
// fixed-point representation already applied.
type TelemetryRecord struct {
	PackVoltage  float64   // V
	PackCurrent  float64   // A, negative while discharging
	CellVoltages []float64 // V, one per populated cell
	Temperatures []float64 // °C, one per populated sensor

	StateOfCharge    uint16  // %
	ResidualCapacity float64 // Ah
	Cycles           uint16

	Protection ProtectionFlags
}

// DecodeTelemetry interprets a validated response as a telemetry record.
func DecodeTelemetry(resp protocol.Response) (*TelemetryRecord, error) {
	if code, ok := resp.Exception(); ok {
		return nil, fmt.Errorf("%w: code %#02x", ErrDeviceException, code)
	}
	if resp.Status != protocol.CmdReadStatus {
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownStatus, resp.Status)
	}

	p := resp.Payload
	if len(p) < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrShortPayload)
	}
	cells := int(p[0])
	if cells < 1 || cells > maxCells {
		return nil, fmt.Errorf("%w: implausible cell count %d", ErrShortPayload, cells)
	}
	min := 1 + 2*cells + 2 // count, cells, pack voltage
	if len(p) < min {
		return nil, fmt.Errorf("%w: %d bytes, need %d for %d cells", ErrShortPayload, len(p), min, cells)
	}

	rec := &TelemetryRecord{}
	for i := 0; i < cells; i++ {
		mv := binary.BigEndian.Uint16(p[1+2*i:])
		if mv == cellAbsent {
			continue
		}
		rec.CellVoltages = append(rec.CellVoltages, float64(mv)/1000)
	}

	off := 1 + 2*cells
	rec.PackVoltage = float64(binary.BigEndian.Uint16(p[off:])) / 100
	off += 2

	// Optional tail. Older firmware stops after the pack voltage; decode
	// fields in order for as long as they fully fit.
	tail := p[off:]
	if len(tail) >= 2 {
		rec.PackCurrent = float64(int16(binary.BigEndian.Uint16(tail))) / 100
		tail = tail[2:]
	}
	if len(tail) >= 2 {
		rec.StateOfCharge = binary.BigEndian.Uint16(tail)
		tail = tail[2:]
	}
	if len(tail) >= 2 {
		rec.ResidualCapacity = float64(binary.BigEndian.Uint16(tail)) / 100
		tail = tail[2:]
	}
	if len(tail) >= 2 {
		rec.Cycles = binary.BigEndian.Uint16(tail)
		tail = tail[2:]
	}
	if len(tail) >= 1 {
		sensors := int(tail[0])
		tail = tail[1:]
		if len(tail) >= 2*sensors {
			for i := 0; i < sensors; i++ {
				raw := binary.BigEndian.Uint16(tail[2*i:])
				if raw == tempAbsent {
					continue
				}
				rec.Temperatures = append(rec.Temperatures, float64(int16(raw))/10)
			}
			tail = tail[2*sensors:]
		} else {
			tail = nil
		}
	}
	if len(tail) >= 2 {
		rec.Protection = ProtectionFlags(binary.BigEndian.Uint16(tail))
	}

	return rec, nil
}

// Command batmon reads telemetry from a LiFePO4 BMS over Bluetooth Low
// Energy and prints it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/veldt-labs/batmon/internal/ble"
	"github.com/veldt-labs/batmon/internal/bms"
	"github.com/veldt-labs/batmon/internal/config"
)

func main() {
	var (
		cfgPath  string
		address  string
		name     string
		timeout  time.Duration
		logLevel string
	)

	var cfg *config.Config

	root := &cobra.Command{
		Use:   "batmon",
		Short: "Read LiFePO4 BMS telemetry over Bluetooth Low Energy",
		Long: strings.TrimSpace(`
batmon talks to LiFePO4 battery management systems that expose the vendor
request/response protocol over the Nordic UART BLE service (tested with
Li-gen packs sold under the BT_HC* device names). It reports pack voltage,
per-cell voltages, current, state of charge, temperatures and protection
state.`),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			cfg = loaded

			// Flags changed on the command line win over the file.
			cmd.Flags().Visit(func(f *pflag.Flag) {
				switch f.Name {
				case "address":
					cfg.Device.Address = address
				case "name":
					cfg.Device.Name = name
				case "timeout":
					cfg.Timeouts.Request = timeout
				case "log-level":
					cfg.LogLevel = logLevel
				}
			})

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			setupLogging(cfg.LogLevel)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: ~/.config/batmon/config.yaml)")
	root.PersistentFlags().StringVar(&address, "address", "", "BMS address (MAC on Linux, CoreBluetooth UUID on macOS)")
	root.PersistentFlags().StringVar(&name, "name", "", "advertised device name to scan for")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "request timeout")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "List advertising BLE peripherals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), cfg)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Read one telemetry snapshot and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cfg)
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll telemetry continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cfg)
		},
	}

	root.AddCommand(scanCmd, statusCmd, watchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); err != nil {
			// No config file is fine; defaults cover the common device.
			return config.Default(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runScan(ctx context.Context, cfg *config.Config) error {
	adapter := ble.NewDefaultAdapter()
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Scan)
	defer cancel()

	slog.Info("[SCAN] scanning", "timeout", cfg.Timeouts.Scan)
	devices, err := adapter.Scan(scanCtx, ble.ScanFilter{})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("no devices found")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%-24s %-40s %d dBm\n", name, d.Address, d.RSSI)
	}
	return nil
}

// connect resolves the device address (scanning by name if needed) and
// establishes the BMS session.
func connect(ctx context.Context, cfg *config.Config) (*bms.Client, error) {
	adapter := ble.NewDefaultAdapter()

	addr := cfg.Device.Address
	if addr == "" {
		if err := adapter.Enable(); err != nil {
			return nil, fmt.Errorf("enable adapter: %w", err)
		}
		scanCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Scan)
		defer cancel()

		slog.Info("[SCAN] looking for device", "name", cfg.Device.Name)
		devices, err := adapter.Scan(scanCtx, ble.ScanFilter{Name: cfg.Device.Name})
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("device %q not found", cfg.Device.Name)
		}
		addr = devices[0].Address
	}

	client := bms.NewClient(adapter, bms.Options{
		ServiceUUID:    cfg.UUIDs.Service,
		WriteUUID:      cfg.UUIDs.Write,
		NotifyUUID:     cfg.UUIDs.Notify,
		RequestTimeout: cfg.Timeouts.Request,
	})
	if err := client.Connect(ctx, addr); err != nil {
		return nil, err
	}
	return client, nil
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := client.FetchTelemetry(ctx)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ticker := time.NewTicker(cfg.Timeouts.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := client.FetchTelemetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Single poll failures are common over BLE; log and keep going.
			slog.Warn("[BMS] poll failed", "error", err)
		} else {
			printRecord(rec)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printRecord(rec *bms.TelemetryRecord) {
	fmt.Printf("pack:     %.2f V", rec.PackVoltage)
	if rec.PackCurrent != 0 {
		fmt.Printf("  %.2f A", rec.PackCurrent)
	}
	fmt.Println()

	if rec.StateOfCharge > 0 {
		fmt.Printf("charge:   %d %%  (%.2f Ah residual, %d cycles)\n",
			rec.StateOfCharge, rec.ResidualCapacity, rec.Cycles)
	}

	for i, v := range rec.CellVoltages {
		if i%4 == 0 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Print("cells:   ")
		}
		fmt.Printf(" %2d=%.3fV", i+1, v)
	}
	if len(rec.CellVoltages) > 0 {
		fmt.Println()
	}

	if len(rec.Temperatures) > 0 {
		fmt.Print("temps:   ")
		for _, tc := range rec.Temperatures {
			fmt.Printf(" %.1f°C", tc)
		}
		fmt.Println()
	}

	fmt.Printf("protect:  %s\n", rec.Protection)
}

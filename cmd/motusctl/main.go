package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/chaz8081/motusctl/internal/ble"
	"github.com/chaz8081/motusctl/internal/config"
	"github.com/chaz8081/motusctl/internal/control"
	"github.com/chaz8081/motusctl/internal/jog"
	"github.com/chaz8081/motusctl/internal/server"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/motusctl/config.yaml)")
	address := flag.String("address", "", "device address to connect to (overrides device.address)")
	scan := flag.Bool("scan", false, "scan for the device before connecting")
	listen := flag.String("listen", "", "WebSocket bridge address (overrides server.listen)")
	enableJog := flag.Bool("jog", false, "enable global jog hotkeys (overrides jog.enabled)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *address != "" {
		cfg.Device.Address = *address
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *enableJog {
		cfg.Jog.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	// Initialize the radio
	adapter := ble.NewTinyGoAdapter(newHost(cfg.BLE.Adapter))
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v\n\nEnsure Bluetooth is on and this process may use it.", err)
	}
	log.Println("Bluetooth adapter ready")

	manager := ble.NewManager(adapter, ble.Options{
		MotorService:   cfg.MotorServiceUUID(),
		MotorChar:      cfg.MotorCharUUID(),
		ConnectTimeout: cfg.BLE.ConnectTimeout,
		BondTimeout:    cfg.BLE.BondTimeout,
		ReadOnDiscover: cfg.BLE.ReadOnDiscover,
	})
	scanner := ble.NewScanner(adapter, ble.ScannerOptions{Period: cfg.Scan.Period})
	orch := control.NewOrchestrator(manager, scanner, control.Options{
		ScanTimeout:  cfg.Scan.Timeout,
		PollInterval: cfg.Scan.PollInterval,
		Debounce:     cfg.Connect.Debounce,
		SettleDelay:  cfg.Connect.SettleDelay,
	})
	motor := control.NewMotor(manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logStates(ctx, manager)

	// WebSocket bridge
	if cfg.Server.Listen != "" {
		srv := server.New(cfg.Server.Listen, orch, motor, server.Feeds{
			State:           manager.State(),
			Characteristics: manager.Characteristics(),
			Devices:         scanner.Devices(),
			Scanning:        scanner.Scanning(),
			Search:          orch.Search(),
			Motor:           motor.State(),
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Printf("ERROR: WebSocket bridge: %v", err)
			}
		}()
		go func() {
			select {
			case <-srv.Ready():
				log.Printf("WebSocket bridge listening on ws://%s/ws", srv.BoundAddr())
			case <-ctx.Done():
			}
		}()
	}

	// Jog hotkeys
	var listener *jog.Listener
	if cfg.Jog.Enabled {
		listener = jog.NewListener(jog.DefaultBindings())
		go listener.Start()
		go jog.Drive(ctx, listener.Events(), motor, jog.Steps{Angle: cfg.Jog.AngleStep, RPM: cfg.Jog.RPMStep})
		log.Println("Jog hotkeys ready (Ctrl+Shift+arrows, Ctrl+Shift+Space to stop)")
	}

	// Initial connect
	if cfg.Device.Address != "" {
		if *scan {
			log.Printf("Scanning for %s...", cfg.Device.Address)
			orch.StartScanning(cfg.Device.Address)
		} else {
			log.Printf("Connecting to %s...", cfg.Device.Address)
			orch.ConnectToDevice(cfg.Device.Address)
		}
	} else if *scan {
		if err := orch.Discover(); err != nil {
			log.Printf("ERROR: scan failed: %v", err)
		}
	}

	log.Println("Ready! Ctrl+C to quit.")

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	cancel()
	orch.Close()
	if err := motor.Stop(); err != nil {
		slog.Debug("stop on shutdown skipped", "error", err)
	}
	manager.Disconnect()
	if listener != nil {
		listener.Stop()
	}
	log.Println("Goodbye!")
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
}

// newHost picks the platform helper for power, access and bonding.
func newHost(adapterName string) ble.Host {
	if runtime.GOOS != "linux" {
		return ble.PassiveHost{}
	}
	host, err := ble.NewBlueZHost(adapterName)
	if err != nil {
		log.Printf("WARNING: BlueZ unavailable (%v), power and bonding are left to the OS", err)
		return ble.PassiveHost{}
	}
	return host
}

// logStates prints connection state changes until ctx is done.
func logStates(ctx context.Context, manager *ble.Manager) {
	ch, stop := manager.State().Watch()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			switch st := st.(type) {
			case ble.Idle:
				log.Println("Disconnected")
			case ble.Connecting:
				log.Printf("Connecting to %s...", st.Address)
			case ble.Connected:
				log.Printf("Connected to %s (%s)", st.Address, st.DeviceName)
			case ble.Failed:
				log.Printf("ERROR: connection failed: %s", st.Reason)
			}
		}
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	device := cfg.Device.Address
	if device == "" {
		device = "(none)"
	} else if cfg.Device.Name != "" {
		device += " (" + cfg.Device.Name + ")"
	}
	bridge := cfg.Server.Listen
	if bridge == "" {
		bridge = "disabled"
	}

	fmt.Println("=== motusctl ===")
	fmt.Printf("  Device:  %s\n", device)
	fmt.Printf("  Motor:   %s / %s\n", cfg.BLE.MotorService, cfg.BLE.MotorChar)
	fmt.Printf("  Connect: timeout %s, debounce %s\n", cfg.BLE.ConnectTimeout, cfg.Connect.Debounce)
	fmt.Printf("  Bridge:  %s\n", bridge)
	fmt.Printf("  Jog:     %t\n", cfg.Jog.Enabled)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("================")
}

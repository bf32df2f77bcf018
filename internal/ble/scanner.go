package ble

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/motusctl/internal/observe"
)

// ScannerOptions configures device discovery.
type ScannerOptions struct {
	Period time.Duration // a scan session stops by itself after Period
}

// DefaultScannerOptions returns the production settings.
func DefaultScannerOptions() ScannerOptions {
	return ScannerOptions{Period: 10 * time.Second}
}

// Scanner runs bounded scan sessions and accumulates every device seen.
// The device set only shrinks through ClearDevices.
type Scanner struct {
	adapter Adapter
	opts    ScannerOptions

	mu      sync.Mutex
	cancel  context.CancelFunc
	session uint64

	devices  *observe.Value[[]Device]
	scanning *observe.Value[bool]
}

// NewScanner creates an idle Scanner.
func NewScanner(adapter Adapter, opts ScannerOptions) *Scanner {
	if opts.Period <= 0 {
		opts.Period = DefaultScannerOptions().Period
	}
	return &Scanner{
		adapter:  adapter,
		opts:     opts,
		devices:  observe.NewValue([]Device{}),
		scanning: observe.NewValue(false),
	}
}

// Devices returns the discovered-device feed, in discovery order.
func (s *Scanner) Devices() observe.Watchable[[]Device] { return s.devices }

// Scanning returns the scan-active feed.
func (s *Scanner) Scanning() observe.Watchable[bool] { return s.scanning }

// IsScanning reports whether a scan session is running.
func (s *Scanner) IsScanning() bool { return s.scanning.Load() }

// StartScanning begins a scan session. It is a no-op while a session runs.
// When the radio is off it asks the platform to enable it and returns
// ErrRadioDisabled; without permissions it returns ErrPermissionDenied.
func (s *Scanner) StartScanning() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}
	if err := s.adapter.CheckPermissions(); err != nil {
		slog.Error("[SCAN] missing Bluetooth scan permission", "error", err)
		return ErrPermissionDenied
	}
	enabled, err := s.adapter.Enabled()
	if err != nil {
		slog.Error("[SCAN] cannot read adapter state", "error", err)
		if errors.Is(err, ErrPermissionDenied) {
			return ErrPermissionDenied
		}
		return err
	}
	if !enabled {
		slog.Warn("[SCAN] Bluetooth is disabled, requesting enable")
		if err := s.adapter.RequestEnable(); err != nil {
			slog.Error("[SCAN] enable request failed", "error", err)
		}
		return ErrRadioDisabled
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Period)
	s.session++
	id := s.session
	s.cancel = cancel
	s.scanning.Store(true)
	slog.Info("[SCAN] starting BLE scan", "period", s.opts.Period)

	go s.run(ctx, id)
	return nil
}

func (s *Scanner) run(ctx context.Context, id uint64) {
	defer s.finish(id)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[SCAN] scan panicked", "panic", r)
		}
	}()
	if err := s.adapter.Scan(ctx, s.addDevice); err != nil && ctx.Err() == nil {
		slog.Error("[SCAN] scan failed", "error", err)
	}
}

// finish ends session id unless a newer session replaced it.
func (s *Scanner) finish(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != id || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.scanning.Store(false)
	slog.Info("[SCAN] scan finished", "devices", len(s.devices.Load()))
}

// StopScanning ends the running session, if any.
func (s *Scanner) StopScanning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	slog.Info("[SCAN] stopping BLE scan")
	s.cancel()
	s.cancel = nil
	s.scanning.Store(false)
}

// ClearDevices empties the discovered-device set.
func (s *Scanner) ClearDevices() {
	s.devices.Store([]Device{})
}

// HasDevice reports whether address was seen. Addresses compare
// case-insensitively.
func (s *Scanner) HasDevice(address string) bool {
	for _, d := range s.devices.Load() {
		if strings.EqualFold(d.Address, address) {
			return true
		}
	}
	return false
}

func (s *Scanner) addDevice(d Device) {
	s.devices.Update(func(list []Device) []Device {
		for i, existing := range list {
			if !strings.EqualFold(existing.Address, d.Address) {
				continue
			}
			if existing.Name != "" && existing.RSSI == d.RSSI {
				return list
			}
			out := make([]Device, len(list))
			copy(out, list)
			if out[i].Name == "" {
				out[i].Name = d.Name
			}
			out[i].RSSI = d.RSSI
			return out
		}
		slog.Debug("[SCAN] device found", "address", d.Address, "name", d.Name, "rssi", d.RSSI)
		out := make([]Device, len(list), len(list)+1)
		copy(out, list)
		return append(out, d)
	})
}

// Package control sits between the outer surfaces (CLI, WebSocket bridge,
// jog keys) and the BLE link: it turns "find this device and connect" into
// scan, poll and connect steps, and keeps the commanded motor state.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/motusctl/internal/ble"
	"github.com/chaz8081/motusctl/internal/observe"
)

var (
	// ErrScanTimeout means the target did not show up before ScanTimeout.
	ErrScanTimeout = errors.New("control: device not found before scan timeout")
	// ErrConnectRejected means the target was found but the connect request
	// was dropped by the debounce window.
	ErrConnectRejected = errors.New("control: connect request rejected")
)

// SearchState reports scan-and-connect progress.
type SearchState int

const (
	SearchIdle SearchState = iota
	SearchScanning
	SearchSuccess
	SearchFailed
)

func (s SearchState) String() string {
	switch s {
	case SearchIdle:
		return "idle"
	case SearchScanning:
		return "scanning"
	case SearchSuccess:
		return "success"
	case SearchFailed:
		return "failed"
	default:
		return fmt.Sprintf("SearchState(%d)", int(s))
	}
}

// Connector is the part of ble.Manager the orchestrator drives.
type Connector interface {
	Connect(address string) error
	Disconnect()
	ConnectionState() ble.ConnectionState
	ConnectedAddress() string
}

// DeviceScanner is the part of ble.Scanner the orchestrator drives.
type DeviceScanner interface {
	StartScanning() error
	StopScanning()
	HasDevice(address string) bool
}

// Options configures scan-and-connect timing.
type Options struct {
	ScanTimeout  time.Duration // give up looking for the target after this
	PollInterval time.Duration // how often the device list is checked
	Debounce     time.Duration // minimum spacing between accepted connects
	SettleDelay  time.Duration // pause after dropping a link before reconnecting
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:  10 * time.Second,
		PollInterval: 100 * time.Millisecond,
		Debounce:     2 * time.Second,
		SettleDelay:  500 * time.Millisecond,
	}
}

// Orchestrator runs scan-and-connect tasks on top of a Connector and a
// DeviceScanner. At most one scan task and one pending settle run at a time.
type Orchestrator struct {
	conn    Connector
	scanner DeviceScanner
	opts    Options
	limiter *rate.Limiter

	mu           sync.Mutex
	scanCancel   context.CancelFunc
	scanDone     chan struct{}
	settleCancel context.CancelFunc
	wg           sync.WaitGroup

	search *observe.Value[SearchState]
}

// NewOrchestrator creates an Orchestrator. Zero option fields take their
// defaults.
func NewOrchestrator(conn Connector, scanner DeviceScanner, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = def.SettleDelay
	}
	return &Orchestrator{
		conn:    conn,
		scanner: scanner,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.Debounce), 1),
		search:  observe.NewValue(SearchIdle),
	}
}

// Search returns the scan-and-connect progress feed.
func (o *Orchestrator) Search() observe.Watchable[SearchState] { return o.search }

// StartScanning replaces any running scan task with one looking for
// target and returns immediately.
func (o *Orchestrator) StartScanning(target string) {
	o.mu.Lock()
	if o.scanCancel != nil {
		o.scanCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.scanCancel = cancel
	prev := o.scanDone
	done := make(chan struct{})
	o.scanDone = done
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer close(done)
		// The replaced task stops the scanner on its way out.
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		if err := o.ScanAndConnect(ctx, target); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("[CTRL] scan and connect failed", "target", target, "error", err)
		}
	}()
}

// Discover starts a plain scan session with no target, for listing devices.
func (o *Orchestrator) Discover() error {
	if err := o.scanner.StartScanning(); err != nil {
		return fmt.Errorf("control: start scan: %w", err)
	}
	return nil
}

// ScanAndConnect scans until target is seen, then connects to it. It
// returns ErrScanTimeout if the target is not found within ScanTimeout, and
// ErrConnectRejected if the connect request is dropped.
// The scan is stopped on every return path.
func (o *Orchestrator) ScanAndConnect(ctx context.Context, target string) error {
	slog.Info("[CTRL] searching for device", "target", target, "timeout", o.opts.ScanTimeout)
	if err := o.scanner.StartScanning(); err != nil {
		o.search.Store(SearchFailed)
		return fmt.Errorf("control: start scan: %w", err)
	}
	defer o.scanner.StopScanning()
	o.search.Store(SearchScanning)

	ctx, cancel := context.WithTimeout(ctx, o.opts.ScanTimeout)
	defer cancel()
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		if o.scanner.HasDevice(target) {
			slog.Info("[CTRL] device found", "target", target)
			if !o.ConnectToDevice(target) {
				slog.Warn("[CTRL] connect request rejected", "target", target)
				o.search.Store(SearchFailed)
				return ErrConnectRejected
			}
			o.search.Store(SearchSuccess)
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				slog.Warn("[CTRL] device not found", "target", target)
				o.search.Store(SearchFailed)
				return ErrScanTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopScanning cancels the scan task and resets the search state.
func (o *Orchestrator) StopScanning() {
	o.mu.Lock()
	if o.scanCancel != nil {
		o.scanCancel()
		o.scanCancel = nil
	}
	o.mu.Unlock()
	o.scanner.StopScanning()
	o.search.Store(SearchIdle)
}

// ConnectToDevice connects to address unless the call is malformed or
// debounced. It reports whether the request was accepted. Dropping an
// existing link waits SettleDelay before the new connect; a later connect
// or Disconnect cancels that wait.
func (o *Orchestrator) ConnectToDevice(address string) bool {
	if !ble.ValidAddress(address) {
		slog.Warn("[CTRL] invalid device address", "address", address)
		return false
	}
	if !o.limiter.Allow() {
		slog.Debug("[CTRL] connect debounced", "address", address)
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelSettleLocked()

	state := o.conn.ConnectionState()
	if ble.IsConnected(state) && strings.EqualFold(o.conn.ConnectedAddress(), address) {
		slog.Info("[CTRL] already connected", "address", address)
		return true
	}

	switch state.(type) {
	case ble.Connected, ble.Connecting:
		slog.Info("[CTRL] dropping current link before connecting", "address", address)
		o.conn.Disconnect()
		o.settleLocked(address)
	case ble.Idle, ble.Failed:
		o.connect(address)
	}
	return true
}

// settleLocked schedules a connect after SettleDelay (caller must hold mu).
func (o *Orchestrator) settleLocked(address string) {
	ctx, cancel := context.WithCancel(context.Background())
	o.settleCancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		timer := time.NewTimer(o.opts.SettleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			slog.Debug("[CTRL] pending connect cancelled", "address", address)
		case <-timer.C:
			o.connect(address)
		}
	}()
}

func (o *Orchestrator) connect(address string) {
	if err := o.conn.Connect(address); err != nil {
		slog.Error("[CTRL] connect failed", "address", address, "error", err)
	}
}

func (o *Orchestrator) cancelSettleLocked() {
	if o.settleCancel != nil {
		o.settleCancel()
		o.settleCancel = nil
	}
}

// Disconnect cancels pending scan and connect tasks and drops the link.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	o.cancelSettleLocked()
	scanning := o.scanCancel != nil
	if scanning {
		o.scanCancel()
		o.scanCancel = nil
	}
	o.mu.Unlock()

	if scanning {
		o.search.Store(SearchIdle)
	}
	o.conn.Disconnect()
}

// Close cancels every task and waits for them to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.cancelSettleLocked()
	if o.scanCancel != nil {
		o.scanCancel()
		o.scanCancel = nil
	}
	o.mu.Unlock()
	o.wg.Wait()
}

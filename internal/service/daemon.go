// Package service wires the detector, mount manager, card analyzer and sync
// engine together into the cardsync daemon, and exposes the query/command
// surface the CLI consumes.
package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	clog "github.com/charmbracelet/log"

	"github.com/gajzzs/cardsync/internal/card"
	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/device"
	"github.com/gajzzs/cardsync/internal/events"
	"github.com/gajzzs/cardsync/internal/logging"
	"github.com/gajzzs/cardsync/internal/mount"
	"github.com/gajzzs/cardsync/internal/syncer"
)

// Daemon is the orchestrator: it reacts to device events, runs the
// mount -> analyze -> sync pipeline, and does periodic maintenance.
type Daemon struct {
	cfg      *config.Config
	bus      *events.Bus
	detector *device.Detector
	mounts   *mount.Manager
	analyzer *card.Analyzer
	engine   *syncer.Engine
	log      *clog.Logger

	// locks serializes mount/unmount/sync per device path; independent
	// devices proceed concurrently.
	locks keyedLocks

	// onFailure is called when a device fails its recovery cycle.
	onFailure func(devPath string, err error)

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDaemon assembles the full component graph from configuration.
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	bus := events.NewBus()

	detector, err := device.New(cfg.Detection, bus)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		bus:      bus,
		detector: detector,
		mounts:   mount.NewManager(cfg.Storage, cfg.Detection, bus),
		analyzer: card.NewAnalyzer(cfg.ContentTypes),
		engine:   syncer.NewEngine(cfg.Sync, cfg.Storage, cfg.ContentTypes, bus),
		log:      logging.For("daemon"),
	}
	d.onFailure = func(devPath string, err error) {
		d.log.Error("device failed recovery", "device", devPath, "err", err)
	}

	bus.Subscribe(events.DeviceDetected, d.onDeviceDetected)
	bus.Subscribe(events.DeviceRemoved, d.onDeviceRemoved)
	if cfg.Notifications.Enabled {
		notify := logging.For("notify")
		bus.SubscribeAll(func(e events.Event) {
			notify.Info(e.Message, "event", string(e.Type), "device", e.DevicePath)
		})
	}
	return d, nil
}

// Bus exposes the event stream for the notification layer.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Start brings the daemon up: storage directories, stale mount cleanup,
// device detection, maintenance loops. Non-blocking.
func (d *Daemon) Start() error {
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	for _, dir := range []string{
		d.cfg.Storage.ContentDirectory,
		d.cfg.Storage.MountBase,
		d.cfg.Storage.TempDirectory,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := d.mounts.CleanupStale(); err != nil {
		d.log.Warn("stale mount cleanup failed", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if err := d.detector.Start(ctx); err != nil {
		cancel()
		return err
	}

	d.wg.Add(3)
	go d.maintenanceLoop(ctx)
	go d.healthLoop(ctx)
	go d.watchSignals(ctx)

	if err := CreatePidFile(); err != nil {
		d.log.Warn("could not create PID file", "err", err)
	}

	d.running = true
	d.log.Info("cardsync daemon started")
	return nil
}

// Stop shuts everything down and waits for in-flight handlers.
func (d *Daemon) Stop() error {
	if !d.running {
		return fmt.Errorf("daemon not running")
	}
	d.log.Info("stopping cardsync daemon")

	d.cancel()
	d.detector.Stop()
	d.wg.Wait()
	d.running = false

	RemovePidFile()
	d.log.Info("cardsync daemon stopped")
	return nil
}

// onDeviceDetected runs the insert pipeline. Every stage's failure is
// contained here: logged, turned into an event, never propagated upward.
func (d *Daemon) onDeviceDetected(e events.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		unlock := d.locks.lock(e.DevicePath)
		defer unlock()

		d.bus.Publish(events.Event{
			Type:       events.CardInserted,
			DevicePath: e.DevicePath,
			Message:    "card inserted",
		})

		if _, err := d.processDevice(context.Background(), e.DevicePath); err != nil {
			d.log.Error("device pipeline failed", "device", e.DevicePath, "err", err)
		}
	}()
}

func (d *Daemon) onDeviceRemoved(e events.Event) {
	cancelled := d.engine.CancelForDevice(e.DevicePath)
	if len(cancelled) > 0 {
		d.log.Warn("device removed mid-sync", "device", e.DevicePath, "operations", cancelled)
	}
	// The node is gone; the lazy step of the unmount ladder cleans up the
	// kernel-side mount and the mount point.
	if err := d.mounts.Unmount(context.Background(), e.DevicePath); err != nil {
		d.log.Warn("unmount after removal failed", "device", e.DevicePath, "err", err)
	}
	d.bus.Publish(events.Event{
		Type:       events.CardRemoved,
		DevicePath: e.DevicePath,
		Message:    fmt.Sprintf("card removed, %d operation(s) cancelled", len(cancelled)),
	})
}

// processDevice is the mount -> analyze -> create-missing -> sync pipeline
// for one device. Caller must hold the device lock.
func (d *Daemon) processDevice(ctx context.Context, devPath string) (string, error) {
	dev, ok := d.detector.Device(devPath)
	if !ok {
		return "", fmt.Errorf("device %s is not registered", devPath)
	}

	mountPath, err := d.mounts.Mount(ctx, dev)
	if err != nil {
		return "", err
	}
	d.detector.SetMounted(devPath, mountPath, true)
	dev.Mounted = true
	dev.MountPath = mountPath

	analysis, err := d.analyzer.Analyze(dev)
	if err != nil {
		return "", err
	}

	if len(analysis.MissingContentTypes) > 0 && !analysis.ReadOnly {
		if analysis, err = d.analyzer.CreateMissingDirectories(analysis); err != nil {
			return "", err
		}
	}

	return d.engine.StartSync(ctx, dev, analysis)
}

// TriggerSync manually re-runs the sync pipeline for a registered device
// and returns its operation id. This is the whole-operation retry path.
func (d *Daemon) TriggerSync(devPath string) (string, error) {
	unlock := d.locks.lock(devPath)
	defer unlock()
	return d.processDevice(context.Background(), devPath)
}

// Rescan forces an immediate device rescan.
func (d *Daemon) Rescan() { d.detector.Rescan() }

// AnalyzeDevice mounts a registered device if needed and returns its card
// analysis without starting a sync.
func (d *Daemon) AnalyzeDevice(devPath string) (*card.Analysis, error) {
	unlock := d.locks.lock(devPath)
	defer unlock()

	dev, ok := d.detector.Device(devPath)
	if !ok {
		return nil, fmt.Errorf("device %s is not registered", devPath)
	}
	mountPath, err := d.mounts.Mount(context.Background(), dev)
	if err != nil {
		return nil, err
	}
	d.detector.SetMounted(devPath, mountPath, true)
	dev.Mounted = true
	dev.MountPath = mountPath
	return d.analyzer.Analyze(dev)
}

// DetectedDevices lists all currently registered devices.
func (d *Daemon) DetectedDevices() []device.Device {
	return d.detector.Devices()
}

// SyncOperation returns one operation snapshot by id.
func (d *Daemon) SyncOperation(id string) (syncer.Operation, bool) {
	return d.engine.Operation(id)
}

// ActiveOperations lists all unfinished sync operations.
func (d *Daemon) ActiveOperations() []syncer.Operation {
	return d.engine.ActiveOperations()
}

// SyncStats aggregates operation counters.
func (d *Daemon) SyncStats() syncer.Stats {
	return d.engine.Stats()
}

// CancelSync cancels one operation by id.
func (d *Daemon) CancelSync(opID string) bool {
	return d.engine.Cancel(opID)
}

// watchSignals re-scans and re-syncs on SIGUSR1 so an operator can poke the
// daemon without restarting it.
func (d *Daemon) watchSignals(ctx context.Context) {
	defer d.wg.Done()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			d.log.Info("SIGUSR1 received, rescanning devices")
			d.detector.Rescan()
			for _, dev := range d.detector.Devices() {
				devPath := dev.Path
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					unlock := d.locks.lock(devPath)
					defer unlock()
					if _, err := d.processDevice(ctx, devPath); err != nil {
						d.log.Error("triggered sync failed", "device", devPath, "err", err)
					}
				}()
			}
		}
	}
}

// keyedLocks hands out one mutex per device path.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

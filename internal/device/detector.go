package device

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/events"
	"github.com/gajzzs/cardsync/internal/logging"
)

const (
	// sweepInterval is the polling safety net behind the /dev watcher.
	sweepInterval = 30 * time.Second
	// settleDelay gives the kernel time to finish publishing sysfs
	// attributes after a new node appears before we probe it.
	settleDelay = 500 * time.Millisecond
)

// Detector watches for removable storage partitions appearing and vanishing,
// validates them, and owns the registry of detected devices.
type Detector struct {
	bus       *events.Bus
	log       *clog.Logger
	minSize   uint64
	monitored []string
	p         prober

	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	devices map[string]*Device

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Detector from the detection configuration.
func New(cfg config.Detection, bus *events.Bus) (*Detector, error) {
	minSize, err := ParseSize(cfg.MinDeviceSize)
	if err != nil {
		return nil, &config.ConfigurationError{
			Field:  "detection.min_device_size",
			Reason: err.Error(),
		}
	}

	return &Detector{
		bus:       bus,
		log:       logging.For("detector"),
		minSize:   minSize,
		monitored: cfg.MonitoredTypes,
		p:         newProber(),
		devices:   make(map[string]*Device),
	}, nil
}

// Start enumerates already-attached devices, then watches /dev for new block
// device nodes with a periodic sysfs sweep as fallback.
func (d *Detector) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	// Replay attach handling for anything already plugged in.
	d.Rescan()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create device watcher: %w", err)
	}
	if err := watcher.Add(d.p.devDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", d.p.devDir, err)
	}
	d.watcher = watcher

	d.wg.Add(2)
	go d.watchLoop(ctx)
	go d.sweepLoop(ctx)

	d.log.Info("device detection started", "watching", d.p.devDir)
	return nil
}

// Stop shuts down the watcher and waits for the loops to exit.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.wg.Wait()
}

func (d *Detector) watchLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !isPartitionName(name) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				d.wg.Add(1)
				go func(node string) {
					defer d.wg.Done()
					time.Sleep(settleDelay)
					d.handleAttach(node)
				}(name)
			case ev.Op&fsnotify.Remove != 0:
				d.handleDetach(d.p.nodePath(name))
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("device watcher error", "err", err)
		}
	}
}

func (d *Detector) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Rescan()
		}
	}
}

// Rescan reconciles the registry against what sysfs currently reports:
// unseen partitions get the full attach treatment, registered devices whose
// nodes vanished are removed.
func (d *Detector) Rescan() {
	present := make(map[string]bool)
	disks, err := listDir(d.p.sysBlock)
	if err != nil {
		d.log.Warn("sysfs enumeration failed", "err", err)
		return
	}

	for _, disk := range disks {
		if !d.p.removable(disk) {
			continue
		}
		for _, part := range d.p.partitions(disk) {
			present[d.p.nodePath(part)] = true
			d.handleAttach(part)
		}
	}

	d.mu.RLock()
	var gone []string
	for path := range d.devices {
		if !present[path] {
			gone = append(gone, path)
		}
	}
	d.mu.RUnlock()

	for _, path := range gone {
		d.handleDetach(path)
	}
}

// handleAttach runs a new partition through the resolve/validate/register
// pipeline. Failures are logged and the device stays unregistered; they are
// never fatal to the service.
func (d *Detector) handleAttach(part string) {
	path := d.p.nodePath(part)

	d.mu.RLock()
	_, known := d.devices[path]
	d.mu.RUnlock()
	if known {
		return
	}

	dev, err := d.resolve(part)
	if err != nil {
		d.log.Debug("skipping device", "path", path, "reason", err)
		return
	}
	if err := d.validate(dev); err != nil {
		d.log.Info("device failed validation", "path", path, "reason", err)
		return
	}

	d.mu.Lock()
	d.devices[path] = dev
	d.mu.Unlock()

	d.log.Info("device registered", "path", path, "fs", dev.FileSystem,
		"size", dev.Info.Size, "product", dev.Info.Product)
	d.bus.Publish(events.Event{
		Type:       events.DeviceDetected,
		DevicePath: path,
		Message:    fmt.Sprintf("detected %s", dev),
	})
}

func (d *Detector) handleDetach(path string) {
	d.mu.Lock()
	dev, ok := d.devices[path]
	if ok {
		delete(d.devices, path)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.log.Info("device removed", "path", path,
		"vendor", dev.Info.VendorID, "product", dev.Info.ProductID)
	d.bus.Publish(events.Event{
		Type:       events.DeviceRemoved,
		DevicePath: path,
		Message:    fmt.Sprintf("removed %s", dev),
	})
}

// resolve maps a partition name to a populated Device, or explains why the
// partition does not qualify.
func (d *Detector) resolve(part string) (*Device, error) {
	disk := baseDisk(part)
	path := d.p.nodePath(part)

	if !d.p.removable(disk) {
		return nil, &DeviceError{Path: path, Reason: "not removable"}
	}
	if !d.p.onMonitoredBus(disk, d.monitored) {
		return nil, &DeviceError{Path: path, Reason: "not on a monitored bus"}
	}

	info := d.p.info(disk)
	info.Size = d.p.partitionSize(disk, part)

	return &Device{
		Path:       path,
		Info:       info,
		FileSystem: d.p.fsType(path),
		Ready:      true,
	}, nil
}

// validate enforces the filesystem allow-list and the minimum size.
func (d *Detector) validate(dev *Device) error {
	if dev.FileSystem == "" {
		return &DeviceError{Path: dev.Path, Reason: "no recognizable filesystem"}
	}
	if !SupportedFilesystem(dev.FileSystem) {
		return &DeviceError{Path: dev.Path, Reason: fmt.Sprintf("unsupported filesystem %q", dev.FileSystem)}
	}
	if dev.Info.Size < d.minSize {
		return &DeviceError{Path: dev.Path, Reason: fmt.Sprintf("size %d below minimum %d", dev.Info.Size, d.minSize)}
	}
	return nil
}

// Devices returns a snapshot of all registered devices, ordered by path.
func (d *Detector) Devices() []Device {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Device returns a snapshot of one registered device.
func (d *Detector) Device(path string) (Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[path]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// SetMounted flips a device's mount state after the mount manager has
// verified it. Only verified mounts make a device report Mounted.
func (d *Detector) SetMounted(path, mountPath string, mounted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[path]
	if !ok {
		return
	}
	dev.Mounted = mounted
	if mounted {
		dev.MountPath = mountPath
	} else {
		dev.MountPath = ""
	}
}

// Package mount mounts and unmounts validated removable devices under a
// dedicated mount base, with a prioritized strategy ladder and verified
// mount state.
package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/device"
	"github.com/gajzzs/cardsync/internal/events"
	"github.com/gajzzs/cardsync/internal/logging"
)

// MountError reports a mount or unmount failure after the ladder is
// exhausted.
type MountError struct {
	Device string
	Stage  string
	Reason string
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s: %s: %s", e.Device, e.Stage, e.Reason)
}

// Manager owns the device-path -> mount-path table. Callers must serialize
// Mount/Unmount for a single device; the orchestrator holds per-device locks.
type Manager struct {
	base     string
	attempts int
	delay    time.Duration
	timeout  time.Duration
	bus      *events.Bus
	log      *clog.Logger

	strategies []strategy
	run        Runner
	// verify and tableLookup are fields so tests can stand in for the
	// live mount table.
	verify      func(target string) error
	tableLookup func(devPath string) (string, bool)

	mu     sync.Mutex
	mounts map[string]string
}

// NewManager builds a Manager over the configured mount base and retry
// policy.
func NewManager(storage config.Storage, det config.Detection, bus *events.Bus) *Manager {
	run := Runner(execRunner)
	m := &Manager{
		base:     storage.MountBase,
		attempts: det.MountRetryAttempts,
		delay:    det.MountRetryDelay,
		timeout:  det.MountTimeout,
		bus:      bus,
		log:      logging.For("mount"),
		strategies: []strategy{
			udisksStrategy{run: run},
			newRawStrategy(),
		},
		run:    run,
		mounts: make(map[string]string),
	}
	if m.attempts < 1 {
		m.attempts = 1
	}
	if m.timeout <= 0 {
		m.timeout = 30 * time.Second
	}
	m.verify = m.verifyMount
	m.tableLookup = liveMountPoint
	return m
}

// liveMountPoint consults the live mount table for a device node.
func liveMountPoint(devPath string) (string, bool) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return "", false
	}
	for _, p := range parts {
		if p.Device == devPath {
			return p.Mountpoint, true
		}
	}
	return "", false
}

// Mount mounts the device and returns the verified mount path. Calling it
// for an already-mounted device returns the existing path without touching
// any strategy.
func (m *Manager) Mount(ctx context.Context, dev device.Device) (string, error) {
	m.mu.Lock()
	if path, ok := m.mounts[dev.Path]; ok {
		m.mu.Unlock()
		return path, nil
	}
	m.mu.Unlock()

	// Adopt mounts made outside the daemon (or left from a crash).
	if path, ok := m.tableLookup(dev.Path); ok && path != "" {
		if err := m.verify(path); err == nil {
			m.remember(dev.Path, path)
			m.log.Info("adopted existing mount", "device", dev.Path, "path", path)
			return path, nil
		}
	}

	target := filepath.Join(m.base,
		fmt.Sprintf("%s-%d", filepath.Base(dev.Path), time.Now().Unix()))
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", &MountError{Device: dev.Path, Stage: "mkdir", Reason: err.Error()}
	}

	var lastErr error
	for _, strat := range m.strategies {
		for attempt := 1; attempt <= m.attempts; attempt++ {
			attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
			err := strat.mount(attemptCtx, dev, target)
			cancel()

			if err == nil {
				if verr := m.verify(target); verr == nil {
					m.remember(dev.Path, target)
					m.log.Info("mounted", "device", dev.Path, "path", target, "strategy", strat.name())
					return target, nil
				} else {
					err = verr
				}
			}

			lastErr = err
			m.log.Warn("mount attempt failed", "device", dev.Path,
				"strategy", strat.name(), "attempt", attempt, "err", err)

			if attempt < m.attempts {
				select {
				case <-ctx.Done():
					lastErr = ctx.Err()
					attempt = m.attempts // bail out of retries
				case <-time.After(m.delay):
				}
			}
		}
	}

	// Leave no empty directory behind on failure.
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		m.log.Warn("could not remove failed mount point", "path", target, "err", err)
	}

	m.bus.Publish(events.Event{
		Type:       events.MountFailed,
		DevicePath: dev.Path,
		Message:    fmt.Sprintf("all mount strategies failed: %v", lastErr),
	})
	return "", &MountError{Device: dev.Path, Stage: "mount", Reason: fmt.Sprint(lastErr)}
}

func (m *Manager) remember(devPath, target string) {
	m.mu.Lock()
	m.mounts[devPath] = target
	m.mu.Unlock()
}

// verifyMount requires the target to be a readable directory present in the
// live mount table.
func (m *Manager) verifyMount(target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point %s is not a directory", target)
	}
	if _, err := os.ReadDir(target); err != nil {
		return fmt.Errorf("mount point not readable: %w", err)
	}

	parts, err := disk.Partitions(true)
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}
	for _, p := range parts {
		if p.Mountpoint == target {
			return nil
		}
	}
	return fmt.Errorf("%s not present in mount table", target)
}

// Unmount releases the device's mount with its own ladder: user-space
// unmount, graceful umount, then forced lazy umount, then mount-point
// cleanup.
func (m *Manager) Unmount(ctx context.Context, devPath string) error {
	m.mu.Lock()
	target, known := m.mounts[devPath]
	m.mu.Unlock()
	if !known {
		if path, ok := m.tableLookup(devPath); ok && path != "" {
			target = path
		} else {
			return nil // nothing mounted, nothing to do
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var lastErr error
	unmounted := false
	ladder := [][]string{
		{"udisksctl", "unmount", "-b", devPath, "--no-user-interaction"},
		{"umount", target},
		{"umount", "-l", target},
	}
	for _, cmd := range ladder {
		if _, err := m.run(ctx, cmd[0], cmd[1:]...); err == nil {
			unmounted = true
			break
		} else {
			lastErr = err
			m.log.Debug("unmount step failed", "device", devPath, "cmd", cmd[0], "err", err)
		}
	}

	if !unmounted {
		return &MountError{Device: devPath, Stage: "unmount", Reason: fmt.Sprint(lastErr)}
	}

	m.mu.Lock()
	delete(m.mounts, devPath)
	m.mu.Unlock()

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		m.log.Warn("could not remove mount point", "path", target, "err", err)
	}
	m.log.Info("unmounted", "device", devPath, "path", target)
	return nil
}

// MountPath returns the tracked mount path for a device, if any.
func (m *Manager) MountPath(devPath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.mounts[devPath]
	return path, ok
}

// CleanupStale removes leftover mount-point directories from a previous run
// that no longer verify as active mounts. Run once at startup.
func (m *Manager) CleanupStale() error {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(m.base, 0755)
		}
		return err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.base, e.Name())

		m.mu.Lock()
		active := false
		for _, mounted := range m.mounts {
			if mounted == path {
				active = true
			}
		}
		m.mu.Unlock()
		if active {
			continue
		}

		if err := m.verify(path); err == nil {
			continue // still a live mount from before the restart
		}
		if err := os.Remove(path); err != nil {
			m.log.Warn("stale mount point not removed", "path", path, "err", err)
		} else {
			m.log.Info("removed stale mount point", "path", path)
		}
	}
	return nil
}

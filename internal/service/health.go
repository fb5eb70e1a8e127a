package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health is a point-in-time snapshot of the daemon and its subsystems.
type Health struct {
	Status     string            `json:"status"`
	Uptime     time.Duration     `json:"uptime"`
	Subsystems map[string]string `json:"subsystems"`
	Errors     []string          `json:"errors"`
	Warnings   []string          `json:"warnings"`
}

// maintenanceLoop periodically cancels sync operations that have been
// running longer than the configured stale timeout.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.Sync.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := d.engine.Maintain(d.cfg.Sync.StaleOperationTimeout)
			for _, id := range stale {
				d.log.Warn("cancelled stale sync operation", "operation", id)
			}
		}
	}
}

// healthLoop re-verifies every mounted device and tries exactly one
// unmount/remount cycle when a mount has gone bad.
func (d *Daemon) healthLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.cfg.Sync.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkMounts(ctx)
		}
	}
}

func (d *Daemon) checkMounts(ctx context.Context) {
	for _, dev := range d.detector.Devices() {
		if !dev.Mounted || dev.MountPath == "" {
			continue
		}
		if mountHealthy(dev.MountPath) {
			continue
		}

		devPath := dev.Path
		d.log.Warn("mount unhealthy, attempting remount", "device", devPath, "path", dev.MountPath)

		unlock := d.locks.lock(devPath)
		if err := d.remount(ctx, devPath); err != nil {
			unlock()
			d.detector.SetMounted(devPath, "", false)
			d.onFailure(devPath, err)
			continue
		}
		unlock()
		d.log.Info("remount recovered device", "device", devPath)
	}
}

// remount performs the single recovery attempt: unmount, then mount again.
func (d *Daemon) remount(ctx context.Context, devPath string) error {
	if err := d.mounts.Unmount(ctx, devPath); err != nil {
		return fmt.Errorf("unmount: %w", err)
	}
	d.detector.SetMounted(devPath, "", false)

	dev, ok := d.detector.Device(devPath)
	if !ok {
		return fmt.Errorf("device %s no longer registered", devPath)
	}
	mountPath, err := d.mounts.Mount(ctx, dev)
	if err != nil {
		return err
	}
	d.detector.SetMounted(devPath, mountPath, true)
	return nil
}

// mountHealthy reports whether a mount point is still usable. A stale or
// yanked mount typically fails the stat or the directory read.
func mountHealthy(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_, err = f.Readdirnames(1)
	f.Close()
	// An empty mount is fine; an input/output error is not.
	return err == nil || errors.Is(err, io.EOF)
}

// HealthCheck reports overall daemon health for the status command.
func (d *Daemon) HealthCheck() Health {
	h := Health{
		Status:     "healthy",
		Subsystems: make(map[string]string),
	}

	if d.running {
		h.Subsystems["daemon"] = "running"
	} else {
		h.Subsystems["daemon"] = "stopped"
		h.Errors = append(h.Errors, "daemon is not running")
	}

	if info, err := host.Info(); err == nil {
		h.Uptime = time.Duration(info.Uptime) * time.Second
	}

	if usage, err := disk.Usage(d.cfg.Storage.ContentDirectory); err != nil {
		h.Subsystems["storage"] = "unavailable"
		h.Errors = append(h.Errors, fmt.Sprintf("content directory: %v", err))
	} else {
		h.Subsystems["storage"] = "ok"
		if usage.UsedPercent > 90 {
			h.Warnings = append(h.Warnings, fmt.Sprintf("content directory %.0f%% full", usage.UsedPercent))
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent > 95 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("system memory %.0f%% used", vm.UsedPercent))
	}

	unhealthy := 0
	for _, dev := range d.detector.Devices() {
		if dev.Mounted && !mountHealthy(dev.MountPath) {
			unhealthy++
			h.Errors = append(h.Errors, fmt.Sprintf("mount for %s is not responding", dev.Path))
		}
	}
	if unhealthy == 0 {
		h.Subsystems["mounts"] = "ok"
	} else {
		h.Subsystems["mounts"] = fmt.Sprintf("%d unhealthy", unhealthy)
	}

	active := len(d.engine.ActiveOperations())
	h.Subsystems["sync"] = fmt.Sprintf("%d active operation(s)", active)

	switch {
	case len(h.Errors) > 0:
		h.Status = "unhealthy"
	case len(h.Warnings) > 0:
		h.Status = "degraded"
	}
	return h
}

package device

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// runner executes an external tool and returns its trimmed stdout.
type runner func(name string, args ...string) (string, error)

func execRunner(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

// prober reads device facts from sysfs and blkid. The roots are fields so
// tests can point it at a fabricated tree.
type prober struct {
	sysBlock string // normally /sys/block
	devDir   string // normally /dev
	run      runner
}

func newProber() prober {
	return prober{sysBlock: "/sys/block", devDir: "/dev", run: execRunner}
}

var partitionPattern = regexp.MustCompile(`^(sd[a-z]+[0-9]+|mmcblk[0-9]+p[0-9]+|nvme[0-9]+n[0-9]+p[0-9]+)$`)

func isPartitionName(name string) bool {
	return partitionPattern.MatchString(name)
}

// baseDisk maps a partition name to its parent disk: sdb1 -> sdb,
// mmcblk0p2 -> mmcblk0.
func baseDisk(part string) string {
	if i := strings.LastIndex(part, "p"); i > 0 && strings.HasPrefix(part, "mmcblk") {
		return part[:i]
	}
	if i := strings.LastIndex(part, "p"); i > 0 && strings.HasPrefix(part, "nvme") {
		return part[:i]
	}
	return strings.TrimRight(part, "0123456789")
}

func (p prober) readAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// removable reports whether the parent disk advertises itself as removable.
func (p prober) removable(disk string) bool {
	return p.readAttr(filepath.Join(p.sysBlock, disk, "removable")) == "1"
}

// onMonitoredBus checks the resolved sysfs path of the disk for one of the
// configured bus names (usb, mmc, ...). The sysfs block entry is a symlink
// into the device topology, so the bus shows up as a path component.
func (p prober) onMonitoredBus(disk string, buses []string) bool {
	if len(buses) == 0 {
		return true
	}
	target, err := filepath.EvalSymlinks(filepath.Join(p.sysBlock, disk))
	if err != nil {
		target = filepath.Join(p.sysBlock, disk)
	}
	lower := strings.ToLower(target)
	for _, bus := range buses {
		if strings.Contains(lower, strings.ToLower(bus)) {
			return true
		}
	}
	// mmcblk devices carry their bus in the name itself.
	for _, bus := range buses {
		if strings.HasPrefix(disk, strings.ToLower(bus)) {
			return true
		}
	}
	return false
}

// partitions lists the partition node names under a disk's sysfs entry.
func (p prober) partitions(disk string) []string {
	entries, err := os.ReadDir(filepath.Join(p.sysBlock, disk))
	if err != nil {
		return nil
	}
	var parts []string
	for _, e := range entries {
		if isPartitionName(e.Name()) {
			parts = append(parts, e.Name())
		}
	}
	return parts
}

// partitionSize returns the partition size in bytes. sysfs reports size in
// 512-byte sectors regardless of the device's logical block size.
func (p prober) partitionSize(disk, part string) uint64 {
	sectors := p.readAttr(filepath.Join(p.sysBlock, disk, part, "size"))
	n, err := strconv.ParseUint(sectors, 10, 64)
	if err != nil {
		return 0
	}
	return n * 512
}

// info assembles the hardware identity of a disk from its sysfs attributes.
// The USB id pair lives a few levels up the device topology from the SCSI
// node, so climb until idVendor/idProduct turn up.
func (p prober) info(disk string) Info {
	deviceDir := filepath.Join(p.sysBlock, disk, "device")

	info := Info{
		Manufacturer: p.readAttr(filepath.Join(deviceDir, "vendor")),
		Product:      p.readAttr(filepath.Join(deviceDir, "model")),
		SerialNumber: p.readAttr(filepath.Join(deviceDir, "serial")),
	}

	dir, err := filepath.EvalSymlinks(deviceDir)
	if err != nil {
		dir = deviceDir
	}
	for i := 0; i < 6; i++ {
		vendorID := p.readAttr(filepath.Join(dir, "idVendor"))
		productID := p.readAttr(filepath.Join(dir, "idProduct"))
		if vendorID != "" && productID != "" {
			info.VendorID = vendorID
			info.ProductID = productID
			if info.SerialNumber == "" {
				info.SerialNumber = p.readAttr(filepath.Join(dir, "serial"))
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return info
}

// fsType asks blkid which filesystem lives on the node. Empty output means
// blkid could not identify one.
func (p prober) fsType(node string) string {
	out, err := p.run("blkid", "-s", "TYPE", "-o", "value", node)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// nodePath maps a partition name to its device node under devDir.
func (p prober) nodePath(part string) string {
	return filepath.Join(p.devDir, part)
}

func listDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

package mount

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/gajzzs/cardsync/internal/device"
)

// Runner executes an external tool and returns its combined trimmed output.
type Runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// strategy is one rung of the mount ladder. Strategies are tried in order
// with bounded retries each.
type strategy interface {
	name() string
	mount(ctx context.Context, dev device.Device, target string) error
}

// udisksStrategy lets udisks pick its own mount point, then bind-mounts the
// result into our target so the rest of the daemon sees a stable path under
// mount_base.
type udisksStrategy struct {
	run Runner
}

func (s udisksStrategy) name() string { return "udisksctl" }

var udisksMountedAt = regexp.MustCompile(`Mounted .+ at (\S+?)\.?$`)

func (s udisksStrategy) mount(ctx context.Context, dev device.Device, target string) error {
	out, err := s.run(ctx, "udisksctl", "mount", "-b", dev.Path, "--no-user-interaction")
	if err != nil {
		return fmt.Errorf("udisksctl mount %s: %w (%s)", dev.Path, err, out)
	}

	src := parseUdisksMountPath(out)
	if src == "" {
		return fmt.Errorf("udisksctl mount %s: could not parse mount point from %q", dev.Path, out)
	}

	if _, err := s.run(ctx, "mount", "--bind", src, target); err != nil {
		return fmt.Errorf("bind mount %s -> %s: %w", src, target, err)
	}
	return nil
}

func parseUdisksMountPath(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if m := udisksMountedAt.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1]
		}
	}
	return ""
}

// rawStrategy calls the mount syscall directly with filesystem-specific
// option sets. FAT-family and NTFS filesystems have no ownership metadata,
// so the daemon's uid/gid are forced.
type rawStrategy struct {
	mountFn func(source, target, fstype string, flags uintptr, data string) error
}

func newRawStrategy() rawStrategy {
	return rawStrategy{mountFn: unix.Mount}
}

func (s rawStrategy) name() string { return "mount-syscall" }

func (s rawStrategy) mount(ctx context.Context, dev device.Device, target string) error {
	fsType := normalizeFsType(dev.FileSystem)
	if err := s.mountFn(dev.Path, target, fsType, 0, mountOptions(fsType)); err != nil {
		return fmt.Errorf("mount %s on %s as %s: %w", dev.Path, target, fsType, err)
	}
	return nil
}

// normalizeFsType maps user-facing names to what the kernel expects.
func normalizeFsType(fs string) string {
	switch strings.ToLower(fs) {
	case "fat32":
		return "vfat"
	default:
		return strings.ToLower(fs)
	}
}

func mountOptions(fsType string) string {
	switch fsType {
	case "vfat", "exfat", "ntfs":
		return fmt.Sprintf("uid=%d,gid=%d,umask=022", os.Getuid(), os.Getgid())
	default:
		return ""
	}
}

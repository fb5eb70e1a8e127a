// Package card inspects a mounted device's content layout against the
// configured content types and can create missing structure.
package card

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	clog "github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/gajzzs/cardsync/internal/config"
	"github.com/gajzzs/cardsync/internal/device"
	"github.com/gajzzs/cardsync/internal/logging"
)

// AnalysisError reports a disk-space, permission or filesystem check
// failure.
type AnalysisError struct {
	Device string
	Reason string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analyze %s: %s", e.Device, e.Reason)
}

// Analysis is the result of inspecting one mounted card. It is recomputed
// on demand and never persisted.
type Analysis struct {
	Device               device.Device
	TotalSize            uint64
	FreeSize             uint64
	UsedSize             uint64
	DetectedContentTypes []string
	MissingContentTypes  []string
	UnknownDirectories   []string
	FileSystemSupported  bool
	ReadOnly             bool
	Errors               []string
}

// probeFileName is created and deleted to decide whether the card is
// writable.
const probeFileName = ".cardsync_probe"

// mediaExtensions feeds the best-effort unknown-directory scan; diagnostics
// only, never authoritative.
var mediaExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".mp3": true, ".flac": true, ".ogg": true, ".m4a": true,
	".epub": true, ".pdf": true, ".mobi": true,
	".jpg": true, ".jpeg": true, ".png": true,
}

// Analyzer inspects mounted cards. usage is a field so tests can run
// against plain temp directories.
type Analyzer struct {
	types map[string]config.ContentType
	log   *clog.Logger
	usage func(path string) (*disk.UsageStat, error)
}

func NewAnalyzer(types map[string]config.ContentType) *Analyzer {
	return &Analyzer{
		types: types,
		log:   logging.For("card"),
		usage: disk.Usage,
	}
}

// Analyze inspects a mounted device. The device must be mounted; analysis
// of an unmounted device is a caller bug, not a card problem.
func (a *Analyzer) Analyze(dev device.Device) (*Analysis, error) {
	if !dev.Mounted || dev.MountPath == "" {
		return nil, &AnalysisError{Device: dev.Path, Reason: "device is not mounted"}
	}

	an := &Analysis{
		Device:              dev,
		FileSystemSupported: device.SupportedFilesystem(dev.FileSystem),
	}

	if usage, err := a.usage(dev.MountPath); err != nil {
		an.Errors = append(an.Errors, fmt.Sprintf("disk usage: %v", err))
	} else {
		an.TotalSize = usage.Total
		an.FreeSize = usage.Free
		an.UsedSize = usage.Used
	}

	an.ReadOnly = !a.writable(dev.MountPath)

	detected := make(map[string]bool)
	for name, ct := range a.types {
		dir := filepath.Join(dev.MountPath, filepath.Clean("/"+ct.CardPath))
		ok, err := containsAllowedFile(dir, ct.FileExtensions)
		if err != nil {
			an.Errors = append(an.Errors, fmt.Sprintf("scan %s: %v", name, err))
			continue
		}
		if ok {
			detected[name] = true
		}
	}

	for name := range a.types {
		if detected[name] {
			an.DetectedContentTypes = append(an.DetectedContentTypes, name)
		} else {
			an.MissingContentTypes = append(an.MissingContentTypes, name)
		}
	}
	sort.Strings(an.DetectedContentTypes)
	sort.Strings(an.MissingContentTypes)

	an.UnknownDirectories = a.scanUnknownDirs(dev.MountPath)

	a.log.Debug("card analyzed", "device", dev.Path,
		"detected", an.DetectedContentTypes, "missing", an.MissingContentTypes,
		"readonly", an.ReadOnly)
	return an, nil
}

// writable probes the filesystem with a create-then-delete.
func (a *Analyzer) writable(mountPath string) bool {
	probe := filepath.Join(mountPath, probeFileName)
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// containsAllowedFile walks dir recursively looking for at least one file
// with an allowed extension. A directory holding only disallowed files
// counts as not detected.
func containsAllowedFile(dir string, extensions []string) (bool, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	found := false
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if extensionAllowed(d.Name(), extensions) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found, err
}

func extensionAllowed(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range extensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}

// scanUnknownDirs flags top-level directories outside the configured layout
// that nonetheless contain common media files. Best effort: errors are
// swallowed, output is diagnostics only.
func (a *Analyzer) scanUnknownDirs(mountPath string) []string {
	configured := make(map[string]bool)
	for _, ct := range a.types {
		top := strings.SplitN(strings.Trim(filepath.Clean("/"+ct.CardPath), "/"), "/", 2)[0]
		configured[top] = true
	}

	entries, err := os.ReadDir(mountPath)
	if err != nil {
		return nil
	}

	var unknown []string
	for _, e := range entries {
		if !e.IsDir() || configured[e.Name()] || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		sub, err := os.ReadDir(filepath.Join(mountPath, e.Name()))
		if err != nil {
			continue
		}
		for _, f := range sub {
			if !f.IsDir() && mediaExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				unknown = append(unknown, e.Name())
				break
			}
		}
	}
	sort.Strings(unknown)
	return unknown
}

// CreateMissingDirectories creates the card-relative directory plus a
// generated README for every missing content type, then re-analyzes.
func (a *Analyzer) CreateMissingDirectories(an *Analysis) (*Analysis, error) {
	if an.ReadOnly {
		return nil, &AnalysisError{Device: an.Device.Path, Reason: "card is read-only"}
	}

	for _, name := range an.MissingContentTypes {
		ct, ok := a.types[name]
		if !ok {
			continue
		}
		dir := filepath.Join(an.Device.MountPath, filepath.Clean("/"+ct.CardPath))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &AnalysisError{Device: an.Device.Path,
				Reason: fmt.Sprintf("create %s: %v", dir, err)}
		}
		readme := filepath.Join(dir, "README.txt")
		if err := os.WriteFile(readme, []byte(readmeText(name, ct)), 0644); err != nil {
			return nil, &AnalysisError{Device: an.Device.Path,
				Reason: fmt.Sprintf("write %s: %v", readme, err)}
		}
		a.log.Info("created content directory", "device", an.Device.Path, "type", name, "dir", dir)
	}

	return a.Analyze(an.Device)
}

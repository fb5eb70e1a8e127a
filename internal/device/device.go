// Package device discovers removable block devices and tracks their
// lifecycle from raw attach through validation to registration.
package device

import "fmt"

// Info holds the hardware identity of a detected device, read from sysfs.
type Info struct {
	VendorID     string
	ProductID    string
	Manufacturer string
	Product      string
	SerialNumber string
	Size         uint64
}

// Device is a registered, validated removable storage partition.
type Device struct {
	Path       string // block device node, e.g. /dev/sdb1
	MountPath  string
	Info       Info
	FileSystem string
	Mounted    bool
	Ready      bool
}

func (d Device) String() string {
	if d.Info.Product != "" {
		return fmt.Sprintf("%s (%s)", d.Path, d.Info.Product)
	}
	return d.Path
}

// DeviceError reports a detection or validation failure for one device.
// It never takes the whole service down.
type DeviceError struct {
	Path   string
	Reason string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s", e.Path, e.Reason)
}

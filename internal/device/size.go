package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Binary units throughout: a card sold as "32GB" is compared against
// 32 * 2^30, and configured thresholds like "1GB" parse the same way.
var sizeUnits = map[string]uint64{
	"":    1,
	"B":   1,
	"KB":  1 << 10,
	"KIB": 1 << 10,
	"MB":  1 << 20,
	"MIB": 1 << 20,
	"GB":  1 << 30,
	"GIB": 1 << 30,
	"TB":  1 << 40,
	"TIB": 1 << 40,
}

// ParseSize converts a human size string such as "1GB" or "512 MB" to bytes.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	numPart := s[:i]
	unitPart := strings.ToUpper(strings.TrimSpace(s[i:]))

	if numPart == "" {
		return 0, fmt.Errorf("invalid size %q: no numeric part", s)
	}

	mult, ok := sizeUnits[unitPart]
	if !ok {
		return 0, fmt.Errorf("invalid size %q: unknown unit %q", s, unitPart)
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}

	return uint64(value * float64(mult)), nil
}

// supportedFilesystems is the allow-list for registration; anything else is
// left unmounted and unregistered.
var supportedFilesystems = map[string]bool{
	"ext4":  true,
	"ext3":  true,
	"ext2":  true,
	"ntfs":  true,
	"fat32": true,
	"exfat": true,
	"vfat":  true,
}

// SupportedFilesystem reports whether the filesystem type can be handled.
func SupportedFilesystem(fs string) bool {
	return supportedFilesystems[strings.ToLower(strings.TrimSpace(fs))]
}

package device

import "testing"

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"1GB", 1073741824},
		{"1GiB", 1073741824},
		{"512MB", 512 << 20},
		{"32GB", 32 << 30},
		{"1.5GB", 1610612736},
		{"100", 100},
		{"100B", 100},
		{"4 KB", 4096},
		{"2TB", 2 << 40},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "GB", "ten gigabytes", "1XB", "1..5GB"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) should fail", in)
		}
	}
}

func TestSupportedFilesystem(t *testing.T) {
	for _, fs := range []string{"ext4", "ext3", "ext2", "ntfs", "fat32", "exfat", "vfat", "EXT4", " ExFAT "} {
		if !SupportedFilesystem(fs) {
			t.Errorf("SupportedFilesystem(%q) = false", fs)
		}
	}
	for _, fs := range []string{"", "btrfs", "xfs", "iso9660", "hfs+"} {
		if SupportedFilesystem(fs) {
			t.Errorf("SupportedFilesystem(%q) = true", fs)
		}
	}
}

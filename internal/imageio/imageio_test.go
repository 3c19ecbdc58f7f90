package imageio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Raw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "firmware.bin")
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02}
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	images, err := Load(path, 0x10000)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(images) != 1 {
		t.Fatalf("Load() returned %d images, want 1", len(images))
	}
	if images[0].Address != 0x10000 {
		t.Errorf("Address = 0x%X, want 0x10000", images[0].Address)
	}
	if string(images[0].Data) != string(want) {
		t.Errorf("Data = %v, want %v", images[0].Data, want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/firmware.bin", 0); err == nil {
		t.Fatal("Load() on a missing file returned nil error")
	}
}

func TestExt(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"firmware.bin", ".bin"},
		{"firmware.hex", ".hex"},
		{"firmware.ihex", ".ihex"},
		{"/a/b/noext", ""},
		{"/a.b/noext", ""},
	}
	for _, tc := range cases {
		if got := ext(tc.path); got != tc.want {
			t.Errorf("ext(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestHumanSize(t *testing.T) {
	// Only checks that formatting doesn't panic and is non-empty; the
	// exact rendering belongs to github.com/inhies/go-bytesize.
	if s := HumanSize(1536); s == "" {
		t.Error("HumanSize(1536) returned an empty string")
	}
}

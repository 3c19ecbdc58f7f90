// Package imageio loads firmware images for cmd/romflash. The protocol
// core (internal/session) never reads a file itself — images are opaque
// byte buffers to it (spec.md §1's Non-goals: "image parsing (payloads
// are opaque to the core)") — so file format and human-readable sizing
// live here, one layer up, the way a CLI driver is expected to supply
// them.
package imageio

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/inhies/go-bytesize"
	"github.com/marcinbor85/gohex"
)

// Image is a single contiguous byte buffer destined for one flash or RAM
// address. A multi-segment Intel HEX file yields one Image per segment,
// sorted by ascending address.
type Image struct {
	Address uint32
	Data    []byte
}

// Load reads path and returns one or more Images. A ".hex"/".ihex"
// extension is parsed as Intel HEX (one Image per contiguous segment,
// address taken from the record); anything else is loaded as a single raw
// binary Image at addr.
func Load(path string, addr uint32) ([]Image, error) {
	switch ext(path) {
	case ".hex", ".ihex":
		return loadIntelHex(path)
	default:
		return loadRaw(path, addr)
	}
}

func ext(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

func loadRaw(path string, addr uint32) ([]Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: read %s: %w", path, err)
	}
	return []Image{{Address: addr, Data: data}}, nil
}

// loadIntelHex parses path with gohex and flattens its segment list into
// Images ordered by ascending address, matching the order FLASH_BEGIN
// wants them written in.
func loadIntelHex(path string) ([]Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: open %s: %w", path, err)
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(bufio.NewReader(f)); err != nil {
		return nil, fmt.Errorf("imageio: parse intel hex %s: %w", path, err)
	}

	images := make([]Image, 0, len(mem.Segments))
	for _, seg := range mem.Segments {
		data := make([]byte, len(seg.Data))
		copy(data, seg.Data)
		images = append(images, Image{Address: seg.Address, Data: data})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Address < images[j].Address })
	if len(images) == 0 {
		return nil, fmt.Errorf("imageio: %s has no data segments", path)
	}
	return images, nil
}

// HumanSize renders n bytes the way the CLI reports progress and image
// sizes to a terminal, e.g. "512.00KB".
func HumanSize(n int) string {
	return bytesize.New(float64(n)).String()
}

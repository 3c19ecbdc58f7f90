// Package boardcfg loads per-board overrides for values spec.md §4.3
// otherwise leaves to collaborators or on-wire probing: the SPI pin mux
// word (§6.2's spi_pin_config), a default flash size to use ahead of (or
// instead of) the JEDEC probe, and the port/baud a board is normally found
// on. None of this is part of the protocol core — internal/session takes
// these as plain arguments — this package only exists so cmd/romflash
// doesn't need a pile of flags for boards flashed repeatedly.
package boardcfg

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Board is one named profile loaded from an INI file.
type Board struct {
	Name           string
	Port           string
	Baud           int
	SPIPinConfig   uint32
	DefaultFlash   uint32
	FlashOffset    uint32
	StayAfterFlash bool
}

// Load parses path (an INI file with one [board_name] section per board)
// into a name-keyed map. Missing keys fall back to the zero value, which
// for SPIPinConfig/DefaultFlash means "trust chip detection/the JEDEC
// probe instead of this override".
func Load(path string) (map[string]Board, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("boardcfg: load %s: %w", path, err)
	}

	boards := make(map[string]Board)
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		b := Board{
			Name:           sec.Name(),
			Port:           sec.Key("port").String(),
			Baud:           sec.Key("baud").MustInt(0),
			FlashOffset:    uint32(sec.Key("flash_offset").MustUint64(0)),
			StayAfterFlash: sec.Key("stay_after_flash").MustBool(false),
		}
		if v := sec.Key("spi_pin_config").MustUint64(0); v != 0 {
			b.SPIPinConfig = uint32(v)
		}
		if v := sec.Key("default_flash_size").MustUint64(0); v != 0 {
			b.DefaultFlash = uint32(v)
		}
		boards[sec.Name()] = b
	}
	return boards, nil
}

// Get looks up name in boards, returning ok=false if it isn't present.
func Get(boards map[string]Board, name string) (Board, bool) {
	b, ok := boards[name]
	return b, ok
}

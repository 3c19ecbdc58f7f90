package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/maruel/interrupt"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"romflash/internal/boardcfg"
	"romflash/internal/chiptab"
	"romflash/internal/detect"
	"romflash/internal/imageio"
	"romflash/internal/logging"
	"romflash/internal/port"
	"romflash/internal/protocol"
	"romflash/internal/session"
	"romflash/internal/slip"
	"romflash/internal/watch"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	portFlag     string
	baudFlag     int
	offsetFlag   uint32
	verifyFlag   bool
	rebootFlag   bool
	trialsFlag   int
	verboseFlag  bool
	boardFlag    string
	boardCfgFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "romflash",
		Short: "Flash and inspect ESP8266/ESP32-family targets over the ROM bootloader protocol",
		Long: `romflash drives the ROM bootloader protocol spoken by the ESP8266 and
ESP32-series SoCs: it syncs with a target in bootloader mode, identifies
the chip, streams an image to flash or RAM, and verifies what was written
against a digest reported by the device.`,
	}
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "serial port (auto-detect if not specified)")
	rootCmd.PersistentFlags().IntVarP(&baudFlag, "baud", "b", 115200, "baud rate for the sync handshake")
	rootCmd.PersistentFlags().IntVar(&trialsFlag, "trials", 5, "number of SYNC attempts before giving up")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&boardFlag, "board", "", "named board profile from --board-config")
	rootCmd.PersistentFlags().StringVar(&boardCfgFlag, "board-config", "", "INI file of board profiles (internal/boardcfg)")

	flashCmd := &cobra.Command{
		Use:   "flash <image>",
		Short: "Flash an image to the target's SPI flash",
		Long: `Flash writes image to the target's external SPI flash at --offset.

A raw binary is streamed uncompressed. An Intel HEX file (.hex/.ihex) is
split into its constituent segments and each one flashed at its own
recorded address, ignoring --offset.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().Uint32Var(&offsetFlag, "offset", 0x10000, "flash address (ignored for Intel HEX input)")
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", true, "verify the written image with SPI_FLASH_MD5")
	flashCmd.Flags().BoolVar(&rebootFlag, "reboot", true, "reboot into the flashed image when done")

	verifyCmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Verify flash contents against a local image without writing",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
	verifyCmd.Flags().Uint32Var(&offsetFlag, "offset", 0x10000, "flash address to verify against")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Connect and print chip identity, flash size, and chip ID",
		RunE:  runInfo,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	watchCmd := &cobra.Command{
		Use:   "watch <image>",
		Short: "Reflash image every time it changes on disk, until Ctrl-C",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().Uint32Var(&offsetFlag, "offset", 0x10000, "flash address")
	watchCmd.Flags().BoolVar(&verifyFlag, "verify", true, "verify after each flash")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("romflash %s (%s)\n", version, commit)
		},
	}

	rootCmd.AddCommand(flashCmd, verifyCmd, infoCmd, listCmd, watchCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLog() logging.Sink {
	level := logrus.InfoLevel
	if verboseFlag {
		level = logrus.DebugLevel
	}
	return logging.New(level)
}

// resolveBoard loads the --board profile from --board-config and returns
// it, or a zero Board when either flag is empty. It does not merge the
// profile with the flags; callers apply its fields themselves.
func resolveBoard() (boardcfg.Board, error) {
	if boardCfgFlag == "" || boardFlag == "" {
		return boardcfg.Board{}, nil
	}
	boards, err := boardcfg.Load(boardCfgFlag)
	if err != nil {
		return boardcfg.Board{}, err
	}
	b, ok := boardcfg.Get(boards, boardFlag)
	if !ok {
		return boardcfg.Board{}, fmt.Errorf("romflash: board %q not found in %s", boardFlag, boardCfgFlag)
	}
	return b, nil
}

// defaultOffsetFlag mirrors flashCmd/verifyCmd/watchCmd's --offset flag
// default; effectiveOffset compares --offset against it.
const defaultOffsetFlag = 0x10000

// effectiveOffset applies a board profile's flash_offset override
// (internal/boardcfg's Board.FlashOffset) whenever --offset equals its
// default. It compares values only, so an explicit --offset 0x10000 is
// also replaced by the profile's offset.
func effectiveOffset(b boardcfg.Board) uint32 {
	if offsetFlag == defaultOffsetFlag && b.FlashOffset != 0 {
		return b.FlashOffset
	}
	return offsetFlag
}

func openSession(log logging.Sink) (*session.Session, error) {
	b, err := resolveBoard()
	if err != nil {
		return nil, err
	}
	return openSessionWithBoard(b, log)
}

func openSessionWithBoard(b boardcfg.Board, log logging.Sink) (*session.Session, error) {
	portName := portFlag
	baud := baudFlag
	if portName == "" && b.Port != "" {
		portName = b.Port
	}
	if baud == 115200 && b.Baud != 0 {
		baud = b.Baud
	}

	if portName == "" {
		fmt.Println("Detecting target...")
		results, err := detect.Scan(baud, log)
		if err != nil || len(results) == 0 {
			return nil, fmt.Errorf("romflash: no target found: %w", err)
		}
		portName = results[0].Port
		fmt.Printf("Found %s on %s\n", results[0].ChipName, portName)
	}

	p, err := port.Open(portName, baud, slip.NewFrameReader(), log)
	if err != nil {
		return nil, fmt.Errorf("romflash: open %s: %w", portName, err)
	}

	s := session.New(p, log)
	if b.SPIPinConfig != 0 {
		s.SetSPIPinConfig(b.SPIPinConfig)
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := s.Connect(ctx, trialsFlag); err != nil {
		s.Close()
		return nil, fmt.Errorf("romflash: connect: %w", err)
	}

	if b.DefaultFlash != 0 {
		s.SetFlashSize(b.DefaultFlash)
	} else {
		s.ProbeAndSetFlashSize(ctx)
	}

	fmt.Printf("Connected: %s, flash size %s\n", s.Target(), imageio.HumanSize(int(s.FlashSize())))
	return s, nil
}

// connectTimeout bounds the whole Connect call (sync retries, chip
// detect, SPI_ATTACH/flash-begin quirk) rather than any single exchange —
// the per-command deadlines inside Connect are armed individually via
// engine.ArmDeadline.
const connectTimeout = 10 * time.Second

func runFlash(cmd *cobra.Command, args []string) error {
	interrupt.HandleCtrlC()
	log := newLog()

	b, err := resolveBoard()
	if err != nil {
		return err
	}

	images, err := imageio.Load(args[0], effectiveOffset(b))
	if err != nil {
		return err
	}

	s, err := openSessionWithBoard(b, log)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	for _, img := range images {
		if err := flashOne(ctx, s, img, verifyFlag); err != nil {
			return err
		}
	}

	// A board profile's stay_after_flash wins over --reboot: it describes
	// a board that should never be kicked out of the bootloader by this
	// command (e.g. one driven by a separate flashing harness afterward).
	if rebootFlag && !b.StayAfterFlash {
		fmt.Println("Rebooting...")
		if err := s.ResetTarget(); err != nil {
			return fmt.Errorf("romflash: reboot: %w", err)
		}
	}
	return nil
}

func flashOne(ctx context.Context, s *session.Session, img imageio.Image, verify bool) error {
	fmt.Printf("Flashing 0x%06X (%d bytes)...\n", img.Address, len(img.Data))

	if err := s.StartFlashWrite(ctx, img.Address, uint32(len(img.Data))); err != nil {
		return fmt.Errorf("romflash: flash_start: %w", err)
	}

	blockSize := int(protocol.FlashBlockSize)
	total := (len(img.Data) + blockSize - 1) / blockSize
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	for off := 0; off < len(img.Data); off += blockSize {
		if interrupt.IsSet() {
			return fmt.Errorf("romflash: interrupted")
		}
		end := off + blockSize
		if end > len(img.Data) {
			end = len(img.Data)
		}
		if err := s.WriteFlashBlock(ctx, img.Data[off:end]); err != nil {
			return fmt.Errorf("romflash: flash_write at 0x%06X: %w", img.Address+uint32(off), err)
		}
		bar.Add(1)
	}
	bar.Finish()

	// Stay in the loader regardless of --reboot: VerifyFlashMD5 needs the
	// bootloader still resident, and runFlash issues its own reset
	// afterward once every image (and its verify) has succeeded.
	if err := s.FinishFlashWrite(ctx, false); err != nil {
		return fmt.Errorf("romflash: flash_end: %w", err)
	}

	if verify {
		fmt.Println("Verifying...")
		if err := s.VerifyFlashMD5(ctx, s.FlashWriteOffset(), s.FlashImageSize()); err != nil {
			return fmt.Errorf("romflash: verify: %w", err)
		}
		fmt.Println("Verify OK")
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	log := newLog()

	b, err := resolveBoard()
	if err != nil {
		return err
	}

	images, err := imageio.Load(args[0], effectiveOffset(b))
	if err != nil {
		return err
	}

	s, err := openSessionWithBoard(b, log)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	for _, img := range images {
		// Compute the digest locally from the image bytes (the same
		// 4-byte rounding rule a raw write would apply) and compare it
		// against SPI_FLASH_MD5 without touching the target's flash.
		if err := s.VerifyImageMD5(ctx, img.Address, img.Data); err != nil {
			return err
		}
	}
	fmt.Println("Verify OK")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	log := newLog()
	s, err := openSession(log)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("Target:     %s\n", s.Target())
	fmt.Printf("Flash size: %s\n", imageio.HumanSize(int(s.FlashSize())))

	if s.Target() != chiptab.ESP8266 {
		if info, err := s.SecurityInfo(context.Background()); err == nil {
			fmt.Printf("Chip ID:    0x%02X (%s)\n", info.ChipID, protocol.ChipName(info.ChipID))
		}
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := port.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	interrupt.HandleCtrlC()
	log := newLog()
	path := args[0]

	b, err := resolveBoard()
	if err != nil {
		return err
	}

	return watch.File(path, func(path string) error {
		images, err := imageio.Load(path, effectiveOffset(b))
		if err != nil {
			return err
		}
		s, err := openSessionWithBoard(b, log)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		for _, img := range images {
			if err := flashOne(ctx, s, img, verifyFlag); err != nil {
				return err
			}
		}
		return nil
	})
}

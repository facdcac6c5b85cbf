package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/zswlink/internal/bus"
	"github.com/srg/zswlink/internal/events"
	"github.com/srg/zswlink/internal/gadgetbridge"
	"github.com/srg/zswlink/internal/notification"
	"github.com/srg/zswlink/pkg/config"
)

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Decode a captured phone byte stream",
	Long: `Feeds a capture of phone-to-watch traffic through the decoder and prints
every decoded message and notification store change.

The capture holds one BLE chunk per line. A line starting with a double quote
is a Go-quoted string, so escapes such as \x10 or \n can be used; any other
line is taken verbatim. Blank lines and lines starting with # are skipped.
Use "-" to read from stdin.

Example:
  zswlink replay capture.txt
  zswlink replay --format json --chunk-size 20 capture.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runReplayCmd,
}

var (
	replayFormat    string
	replayChunkSize int
	replayShowStore bool
)

func init() {
	replayCmd.Flags().StringVar(&replayFormat, "format", formatText, "Output format (text, json)")
	replayCmd.Flags().IntVar(&replayChunkSize, "chunk-size", 0, "Re-split every line into chunks of this many bytes (0 keeps lines as chunks)")
	replayCmd.Flags().BoolVar(&replayShowStore, "store", false, "Print the notifications left in the store at the end")
}

// replayOptions selects how a capture is replayed.
type replayOptions struct {
	Format    string
	ChunkSize int
	ShowStore bool
}

// replayStats summarizes one replay.
type replayStats struct {
	Chunks    int
	Messages  int
	Desyncs   uint64
	Overflows uint64
	Busy      uint64
}

func runReplayCmd(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd, "")
	if err != nil {
		return err
	}
	if replayChunkSize < 0 {
		return fmt.Errorf("--chunk-size must be >= 0, got %d", replayChunkSize)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	stats, err := replay(in, cmd.OutOrStdout(), cfg, replayOptions{
		Format:    replayFormat,
		ChunkSize: replayChunkSize,
		ShowStore: replayShowStore,
	}, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"chunks":    stats.Chunks,
		"messages":  stats.Messages,
		"desyncs":   stats.Desyncs,
		"overflows": stats.Overflows,
		"busy":      stats.Busy,
	}).Info("Replay finished")
	return nil
}

// replay decodes every chunk of in synchronously and prints the resulting
// events to out.
func replay(in io.Reader, out io.Writer, cfg *config.Config, opts replayOptions, logger *logrus.Logger) (replayStats, error) {
	var stats replayStats

	printer, err := newEventPrinter(out, opts.Format)
	if err != nil {
		return stats, err
	}

	b := bus.New(logger)
	channels, err := events.NewChannels(b, cfg.Bus.PublishTimeout)
	if err != nil {
		return stats, err
	}

	// The printer observes first so a message is printed before the store
	// change it causes.
	err = channels.BLEData.AddObserver(bus.Listener(monitorObserver, func(e events.BLEData) {
		stats.Messages++
		printer.Message(e.Message)
	}), attachWait)
	if err != nil {
		return stats, err
	}

	store := notification.NewStore(cfg.Notifications.MaxStored, cfg.Notifications.FieldLen)
	notifications, err := notification.NewManager(b, store, logger)
	if err != nil {
		return stats, err
	}
	if err := notifications.Changes().AddObserver(bus.Listener(monitorObserver, printer.Change), attachWait); err != nil {
		return stats, err
	}
	if err := notifications.Attach(channels.BLEData, attachWait); err != nil {
		return stats, err
	}
	defer func() { _ = notifications.Detach(attachWait) }()

	parser := gadgetbridge.NewParser(cfg.ReassemblyBuffer, logger, func(msg gadgetbridge.Message) {
		if err := channels.BLEData.Publish(events.BLEData{Message: msg}); err != nil {
			logger.WithError(err).WithField("kind", msg.Kind()).Warn("Decoded message not published")
		}
	})

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		chunk, ok, err := parseCaptureLine(scanner.Text())
		if err != nil {
			return stats, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		for _, part := range splitChunk(chunk, opts.ChunkSize) {
			stats.Chunks++
			if err := parser.Feed(part); err != nil {
				logger.WithError(err).WithField("line", lineNo).Warn("Chunk not fully processed")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("reading capture: %w", err)
	}

	stats.Desyncs, stats.Overflows, stats.Busy = parser.Reassembler().Counters()

	if opts.ShowStore {
		for _, n := range store.All() {
			printer.Stored(n)
		}
	}
	return stats, nil
}

// parseCaptureLine returns the chunk encoded on one capture line. ok is false
// for blank and comment lines.
func parseCaptureLine(line string) (chunk []byte, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, false, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		s, err := strconv.Unquote(trimmed)
		if err != nil {
			return nil, false, errors.Join(errors.New("invalid quoted chunk"), err)
		}
		return []byte(s), true, nil
	}
	return []byte(line), true, nil
}

func splitChunk(chunk []byte, size int) [][]byte {
	if size <= 0 || len(chunk) <= size {
		return [][]byte{chunk}
	}
	parts := make([][]byte, 0, (len(chunk)+size-1)/size)
	for len(chunk) > size {
		parts = append(parts, chunk[:size])
		chunk = chunk[size:]
	}
	return append(parts, chunk)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/srg/zswlink/internal/ptyio"
)

// ptyCmd represents the pty command
var ptyCmd = &cobra.Command{
	Use:   "pty",
	Short: "Expose the watch link on a pseudoterminal",
	Long: `Runs the full link stack on a PTY instead of a BLE radio. Whatever is written
to the printed TTY is treated as phone traffic, split into MTU-sized chunks,
and frames sent to the phone are written back to it.

The link counts as connected as soon as the PTY is open.

Example:
  zswlink pty --monitor
  zswlink pty --symlink /tmp/zswatch
  printf 'GB({"t":"notify","id":1,"src":"Gmail","title":"Hi"})\n' > /tmp/zswatch`,
	Args: cobra.NoArgs,
	RunE: runPTY,
}

var (
	ptyFlags   linkFlags
	ptySymlink string
)

func init() {
	ptyFlags.register(ptyCmd)
	ptyCmd.Flags().StringVar(&ptySymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/zswatch)")
}

func runPTY(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, "verbose")
	if err != nil {
		return err
	}
	printer, err := newEventPrinter(cmd.OutOrStdout(), ptyFlags.format)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(logger)
	defer cancel()

	ioErr := make(chan error, 2)
	transport, err := ptyio.Open(ptyio.Options{
		ChunkSize: cfg.MTU,
		Logger:    logger,
		OnError: func(err error) {
			ioErr <- err
			cancel()
		},
	})
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close PTY")
		}
	}()

	if ptySymlink != "" {
		if err := os.Symlink(transport.TTYName(), ptySymlink); err != nil {
			return fmt.Errorf("create tty symlink: %w", err)
		}
		defer func() {
			if err := os.Remove(ptySymlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", ptySymlink).Warn("Failed to remove tty symlink")
			}
		}()
	}

	st, err := newStack(cfg, transport, logger)
	if err != nil {
		return err
	}
	if err := ptyFlags.attach(cmd, st, printer); err != nil {
		return err
	}

	tty := transport.TTYName()
	if ptySymlink != "" {
		tty = fmt.Sprintf("%s -> %s", ptySymlink, tty)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "PTY: %s\n", tty)

	if err := st.Start(ctx); err != nil {
		return err
	}
	defer st.Stop()
	st.link.Connected()

	<-ctx.Done()

	select {
	case err := <-ioErr:
		return fmt.Errorf("pty i/o: %w", err)
	default:
	}
	return ctx.Err()
}

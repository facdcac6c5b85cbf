package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/zswlink/internal/httpble"
	"github.com/srg/zswlink/internal/link/goble"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Advertise the watch link over BLE",
	Long: `Registers a Nordic UART Service on the local Bluetooth adapter and advertises
it under the configured device name. Gadgetbridge connects to it as a
"Bangle.js" device.

The phone writes GB({...}) messages to the RX characteristic and subscribes to
TX; the subscription is treated as the connection. Battery and charger status
is sent once the connection settles.

Example:
  zswlink serve --config zswlink.yaml --monitor
  zswlink serve --http-get https://example.com/weather.json`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// linkFlags are shared by the commands that run a live link.
type linkFlags struct {
	verbose bool
	monitor bool
	format  string
	httpGet string
}

var serveFlags linkFlags

func (f *linkFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Enable debug logging")
	cmd.Flags().BoolVar(&f.monitor, "monitor", false, "Print decoded messages and connection changes")
	cmd.Flags().StringVar(&f.format, "format", formatText, "Monitor output format (text, json)")
	cmd.Flags().StringVar(&f.httpGet, "http-get", "", "Fetch this URL through the phone after it connects")
}

func init() {
	serveFlags.register(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, "verbose")
	if err != nil {
		return err
	}
	printer, err := newEventPrinter(cmd.OutOrStdout(), serveFlags.format)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(logger)
	defer cancel()

	dev, err := goble.DeviceFactory()
	if err != nil {
		return goble.NormalizeError(fmt.Errorf("open bluetooth device: %w", err))
	}
	defer func() {
		if err := dev.Stop(); err != nil {
			logger.WithError(err).Debug("Failed to stop bluetooth device")
		}
	}()

	periph := goble.NewPeripheral(logger)
	st, err := newStack(cfg, periph, logger)
	if err != nil {
		return err
	}
	// The MTU is recorded before the connection is announced so the first
	// connection event already carries the negotiated frame size.
	periph.OnConnection(func(mtu int) {
		if mtu > 0 {
			st.link.SetMTU(mtu)
		}
		st.link.Connected()
	}, st.link.Disconnected)

	if err := serveFlags.attach(cmd, st, printer); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(gctx) })
	g.Go(func() error {
		err := goble.Advertise(gctx, dev, cfg.DeviceName, periph, logger)
		cancel()
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// attach installs the optional monitor and HTTP fetch on st.
func (f *linkFlags) attach(cmd *cobra.Command, st *stack, printer *eventPrinter) error {
	if f.monitor {
		if err := st.Monitor(printer); err != nil {
			return err
		}
	}
	if f.httpGet != "" {
		out := cmd.OutOrStdout()
		err := st.FetchOnConnect(f.httpGet, func(status httpble.Status, body string) {
			fmt.Fprintf(out, "HTTP %s: %s\n", status, body)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// File: cmd/device.go
package cmd

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sylvester1001/zat/internal/device/adb"
	"github.com/sylvester1001/zat/internal/launcher"
	"github.com/sylvester1001/zat/internal/observability"
)

// adbOptions are applied to every adb client the device commands create.
var adbOptions []adb.Option

func newDeviceCmd() *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Talk to the device through adb",
	}
	deviceCmd.AddCommand(
		newDeviceStatusCmd(),
		newDeviceConnectCmd(),
		newDeviceTapCmd(),
		newDeviceBackCmd(),
		newDeviceStartAppCmd(),
		newDeviceStopAppCmd(),
		newDeviceScreenshotCmd(),
	)
	return deviceCmd
}

func adbClient(cmd *cobra.Command) (*adb.Client, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, err
	}
	return adb.New(cfg.Device(), observability.GetLogger(), adbOptions...), nil
}

func newDeviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connected devices, screen size and whether the app runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adbClient(cmd)
			if err != nil {
				return err
			}
			ctx, out := cmd.Context(), cmd.OutOrStdout()

			devices, err := c.Devices(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "devices: %d %v\n", len(devices), devices)
			if len(devices) == 0 {
				return nil
			}
			if w, h, err := c.ScreenSize(ctx); err == nil {
				fmt.Fprintf(out, "screen: %dx%d\n", w, h)
			} else {
				fmt.Fprintf(out, "screen: unknown (%v)\n", err)
			}
			attached, err := c.IsAttached(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "app running: %t\n", attached)
			return nil
		},
	}
}

func newDeviceConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Connect to a network device or emulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adbClient(cmd)
			if err != nil {
				return err
			}
			if err := c.Connect(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected to %s\n", args[0])
			return nil
		},
	}
}

func newDeviceTapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tap <x> <y>",
		Short: "Send a single tap",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			x, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid x %q", args[0])
			}
			y, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid y %q", args[1])
			}
			c, err := adbClient(cmd)
			if err != nil {
				return err
			}
			return c.Tap(cmd.Context(), x, y)
		},
	}
}

func newDeviceBackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "back",
		Short: "Press the hardware back key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adbClient(cmd)
			if err != nil {
				return err
			}
			return c.PressBack(cmd.Context())
		},
	}
}

func newDeviceStartAppCmd() *cobra.Command {
	var wait bool
	startCmd := &cobra.Command{
		Use:   "start-app",
		Short: "Launch the configured application",
		Long: `Start-app launches the configured application. With --wait it then watches
the screen for the start prompt, taps through it and returns once the game is
entered or launcher.ready_timeout has passed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !wait {
				c, err := adbClient(cmd)
				if err != nil {
					return err
				}
				return c.StartApp(cmd.Context())
			}
			return startAndEnter(cmd)
		},
	}
	startCmd.Flags().BoolVar(&wait, "wait", false, "wait for the start screen and tap through it")
	return startCmd
}

// startAndEnter runs the launcher next to the capture pump.
func startAndEnter(cmd *cobra.Command) error {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return err
	}
	components, err := componentFactory.Create(cmd.Context(), cfg, observability.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return components.RunPump(gCtx) })

	var res launcher.Result
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = components.Launcher.Start(gCtx, true)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !res.Entered {
		return fmt.Errorf("application started but not entered: %s", res.Message)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "application started and entered")
	return nil
}

func newDeviceStopAppCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-app",
		Short: "Force-stop the configured application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adbClient(cmd)
			if err != nil {
				return err
			}
			return c.StopApp(cmd.Context())
		},
	}
}

func newDeviceScreenshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "screenshot <file.png>",
		Short: "Save one screen capture as PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adbClient(cmd)
			if err != nil {
				return err
			}
			frame, err := c.Capture(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := png.Encode(f, frame); err != nil {
				f.Close()
				return fmt.Errorf("failed to encode screenshot: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			b := frame.Bounds()
			fmt.Fprintf(cmd.OutOrStdout(), "saved %dx%d screenshot to %s\n", b.Dx(), b.Dy(), args[0])
			return nil
		},
	}
}

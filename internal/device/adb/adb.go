// File: internal/device/adb/adb.go
// Package adb drives an Android device through the adb command line tool. It
// implements device.Device for input events and perception.Capturer for
// screenshots, and exposes the app lifecycle commands used by the CLI.
package adb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/device"
	"github.com/sylvester1001/zat/internal/perception"
)

// keycodeBack is the Android KEYCODE_BACK value.
const keycodeBack = 4

// Runner executes a command and returns its standard output. A non-zero exit
// is reported as an *ExitError alongside whatever output was produced.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError is returned by a Runner when the command exits with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, msg)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return stdout.Bytes(), &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	if err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// Client talks to one device through adb.
type Client struct {
	path     string
	serial   string
	pkg      string
	activity string
	timeout  time.Duration
	runner   Runner
	log      *zap.Logger
}

var (
	_ device.Device       = (*Client)(nil)
	_ perception.Capturer = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the process runner, mostly for tests.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// New creates a client from the device configuration.
func New(cfg config.DeviceConfig, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.ADBPath
	if path == "" {
		path = "adb"
	}
	c := &Client{
		path:     path,
		serial:   cfg.Serial,
		pkg:      cfg.Package,
		activity: cfg.Activity,
		timeout:  cfg.Timeout,
		runner:   execRunner{},
		log:      logger.Named("adb"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes an adb command against the configured serial.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.serial != "" {
		args = append([]string{"-s", c.serial}, args...)
	}
	return c.runner.Run(ctx, c.path, args...)
}

func (c *Client) shell(ctx context.Context, args ...string) ([]byte, error) {
	return c.run(ctx, append([]string{"shell"}, args...)...)
}

// Tap sends a single touch at (x, y).
func (c *Client) Tap(ctx context.Context, x, y int) error {
	if _, err := c.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
		return fmt.Errorf("adb tap (%d,%d): %w", x, y, err)
	}
	c.log.Debug("Tap sent", zap.Int("x", x), zap.Int("y", y))
	return nil
}

// Swipe drags from (x1, y1) to (x2, y2) over d.
func (c *Client) Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error {
	_, err := c.shell(ctx, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(d.Milliseconds(), 10))
	if err != nil {
		return fmt.Errorf("adb swipe (%d,%d)->(%d,%d): %w", x1, y1, x2, y2, err)
	}
	c.log.Debug("Swipe sent",
		zap.Int("x1", x1), zap.Int("y1", y1), zap.Int("x2", x2), zap.Int("y2", y2), zap.Duration("duration", d))
	return nil
}

// PressBack sends the hardware back key.
func (c *Client) PressBack(ctx context.Context) error {
	if _, err := c.shell(ctx, "input", "keyevent", strconv.Itoa(keycodeBack)); err != nil {
		return fmt.Errorf("adb back: %w", err)
	}
	c.log.Debug("Back sent")
	return nil
}

// IsAttached reports whether the configured package has a running process.
func (c *Client) IsAttached(ctx context.Context) (bool, error) {
	out, err := c.shell(ctx, "pidof", c.pkg)
	if err != nil {
		// pidof exits 1 with no output when the process is absent.
		var exitErr *ExitError
		if errors.As(err, &exitErr) && len(bytes.TrimSpace(out)) == 0 {
			return false, nil
		}
		return false, fmt.Errorf("adb pidof %s: %w", c.pkg, err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// StartApp launches the configured package, through its activity when one is
// set and through the launcher intent otherwise.
func (c *Client) StartApp(ctx context.Context) error {
	var err error
	if c.activity != "" {
		_, err = c.shell(ctx, "am", "start", "-n", c.pkg+"/"+c.activity)
	} else {
		_, err = c.shell(ctx, "monkey", "-p", c.pkg, "-c", "android.intent.category.LAUNCHER", "1")
	}
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", c.pkg, err)
	}
	c.log.Info("Application started", zap.String("package", c.pkg))
	return nil
}

// StopApp force-stops the configured package.
func (c *Client) StopApp(ctx context.Context) error {
	if _, err := c.shell(ctx, "am", "force-stop", c.pkg); err != nil {
		return fmt.Errorf("failed to stop %s: %w", c.pkg, err)
	}
	c.log.Info("Application stopped", zap.String("package", c.pkg))
	return nil
}

// Devices lists the serials adb reports in the "device" state.
func (c *Client) Devices(ctx context.Context) ([]string, error) {
	out, err := c.runner.Run(ctx, c.path, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return parseDevices(out), nil
}

func parseDevices(out []byte) []string {
	var serials []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[1] == "device" {
			serials = append(serials, fields[0])
		}
	}
	return serials
}

// Connect attaches to a network device such as "127.0.0.1:16384".
func (c *Client) Connect(ctx context.Context, addr string) error {
	out, err := c.runner.Run(ctx, c.path, "connect", addr)
	if err != nil {
		return fmt.Errorf("adb connect %s: %w", addr, err)
	}
	if s := string(out); strings.Contains(s, "failed") || strings.Contains(s, "cannot") {
		return fmt.Errorf("adb connect %s: %s", addr, strings.TrimSpace(s))
	}
	return nil
}

// ScreenSize returns the physical display size reported by wm.
func (c *Client) ScreenSize(ctx context.Context) (width, height int, err error) {
	out, err := c.shell(ctx, "wm", "size")
	if err != nil {
		return 0, 0, fmt.Errorf("adb wm size: %w", err)
	}
	return parseSize(out)
}

func parseSize(out []byte) (int, int, error) {
	// Override sizes are listed after the physical one and take precedence.
	w, h, found := 0, 0, false
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		_, size, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		ws, hs, ok := strings.Cut(strings.TrimSpace(size), "x")
		if !ok {
			continue
		}
		pw, errW := strconv.Atoi(ws)
		ph, errH := strconv.Atoi(hs)
		if errW != nil || errH != nil {
			continue
		}
		w, h, found = pw, ph, true
	}
	if !found {
		return 0, 0, fmt.Errorf("unrecognised wm size output %q", strings.TrimSpace(string(out)))
	}
	return w, h, nil
}

// Capture grabs one screenshot as a decoded image.
func (c *Client) Capture(ctx context.Context) (perception.Frame, error) {
	out, err := c.run(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, fmt.Errorf("adb screencap: %w", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screencap: %w", err)
	}
	return img, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Per-operation timeouts. All bounded operations surface a typed Timeout
// error rather than failing silently.
const (
	screenshotTimeout = 10 * time.Second
	inputTimeout      = 5 * time.Second
	launchTimeout     = 15 * time.Second
	dumpsysTimeout    = 5 * time.Second
	listTimeout       = 10 * time.Second

	tapSettleDelay = 300 * time.Millisecond
	keyEventBack   = "KEYCODE_BACK"
	keyEventHome   = "KEYCODE_HOME"
)

// Fallback frame dimensions used when the device refuses capture.
const (
	fallbackWidth  = 1080
	fallbackHeight = 2400
)

// deviceIDPattern 用于验证 deviceId 格式
// 支持 USB 序列号、IP:端口 以及 mDNS 形式的设备标识
var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// ValidateDeviceID 验证 deviceId 格式是否安全
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device ID cannot be empty")
	}
	if len(deviceID) > 256 {
		return fmt.Errorf("device ID too long (max 256 characters)")
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("invalid device ID format: contains illegal characters")
	}
	return nil
}

// DeviceIO is the contract the agent loop and dispatcher depend on.
// AdbClient is the production implementation; tests substitute fakes.
type DeviceIO interface {
	Screenshot(ctx context.Context, deviceID string) (*Screenshot, error)
	Tap(ctx context.Context, deviceID string, x, y int) error
	DoubleTap(ctx context.Context, deviceID string, x, y int) error
	LongPress(ctx context.Context, deviceID string, x, y int, duration time.Duration) error
	Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error
	KeyEvent(ctx context.Context, deviceID string, key string) error
	TypeText(ctx context.Context, deviceID string, text string) error
	LaunchApp(ctx context.Context, deviceID string, packageID string) error
	CurrentApp(ctx context.Context, deviceID string) (string, error)
	ListDevices(ctx context.Context) ([]Device, error)
}

// AdbClient executes every device interaction through the adb binary.
// Calls targeting the same device are serialized by a per-device mutex so
// concurrent tasks never interleave adb invocations on one device.
type AdbClient struct {
	adbPath string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewAdbClient locates adb via PATH and fails preflight when it is absent.
func NewAdbClient() (*AdbClient, error) {
	path, err := exec.LookPath("adb")
	if err != nil {
		return nil, fmt.Errorf("adb not found in PATH, install Android platform-tools first: %w", err)
	}
	return &AdbClient{
		adbPath: path,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (c *AdbClient) lockDevice(deviceID string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[deviceID] = l
	}
	c.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// newAdbCommand builds an adb command, prefixing -s when a device is given.
func (c *AdbClient) newAdbCommand(ctx context.Context, deviceID string, args ...string) *exec.Cmd {
	full := args
	if deviceID != "" {
		full = append([]string{"-s", deviceID}, args...)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return exec.CommandContext(ctx, c.adbPath, full...)
}

// run executes an adb command with a bounded timeout and the per-device lock
// held, returning the trimmed combined output.
func (c *AdbClient) run(ctx context.Context, deviceID string, timeout time.Duration, args ...string) (string, error) {
	if deviceID != "" {
		if err := ValidateDeviceID(deviceID); err != nil {
			return "", agentErr(KindAdbIO, "adb", "invalid device ID", err)
		}
		unlock := c.lockDevice(deviceID)
		defer unlock()
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := c.newAdbCommand(opCtx, deviceID, args...)
	output, err := cmd.CombinedOutput()
	res := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() != nil {
			return res, cancelledErr("adb " + args[0])
		}
		if opCtx.Err() == context.DeadlineExceeded {
			return res, timeoutErr("adb "+args[0], time.Since(start))
		}
		if strings.Contains(res, "unauthorized") {
			return res, agentErr(KindUnauthorized, "adb "+args[0], "device unauthorized", err)
		}
		if strings.Contains(res, "device") && strings.Contains(res, "not found") {
			return res, agentErr(KindNoDevice, "adb "+args[0], res, err)
		}
		return res, agentErr(KindAdbIO, "adb "+args[0], res, err)
	}
	return res, nil
}

// ========================================
// Screenshot
// ========================================

// Screenshot captures the current frame via `adb exec-out screencap -p`.
// Empty, non-PNG, or fully black payloads indicate a protected surface; in
// that case a synthesized black frame is returned with Sensitive set so
// downstream coordinate math still has non-zero dimensions.
func (c *AdbClient) Screenshot(ctx context.Context, deviceID string) (*Screenshot, error) {
	if deviceID != "" {
		if err := ValidateDeviceID(deviceID); err != nil {
			return nil, agentErr(KindAdbIO, "screenshot", "invalid device ID", err)
		}
		unlock := c.lockDevice(deviceID)
		defer unlock()
	}

	opCtx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	start := time.Now()
	cmd := c.newAdbCommand(opCtx, deviceID, "exec-out", "screencap", "-p")
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledErr("screenshot")
		}
		if opCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutErr("screenshot", time.Since(start))
		}
		if len(out) == 0 {
			// The device returned nothing at all; Android does this on
			// protected surfaces.
			return fallbackScreenshot(true), nil
		}
		detail := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			detail = strings.TrimSpace(string(exitErr.Stderr))
		}
		return nil, agentErr(KindAdbIO, "screenshot", detail, err)
	}

	if len(out) == 0 {
		return fallbackScreenshot(true), nil
	}

	w, h, perr := pngDimensions(out)
	if perr != nil {
		LogWarn("device").Err(perr).Msg("screencap returned non-PNG payload")
		return fallbackScreenshot(true), nil
	}

	if isAllBlackPNG(out) {
		return fallbackScreenshot(true), nil
	}

	return &Screenshot{
		PNG:        out,
		Width:      w,
		Height:     h,
		CapturedAt: time.Now(),
	}, nil
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// pngDimensions reads width and height out of the IHDR chunk.
func pngDimensions(data []byte) (int, int, error) {
	if len(data) < 24 || !bytes.Equal(data[:8], pngSignature) {
		return 0, 0, fmt.Errorf("not a PNG payload")
	}
	if !bytes.Equal(data[12:16], []byte("IHDR")) {
		return 0, 0, fmt.Errorf("missing IHDR chunk")
	}
	w := int(binary.BigEndian.Uint32(data[16:20]))
	h := int(binary.BigEndian.Uint32(data[20:24]))
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid PNG dimensions %dx%d", w, h)
	}
	return w, h, nil
}

// isAllBlackPNG decodes the image and samples a grid of pixels. A uniformly
// black frame is what Android substitutes on protected surfaces.
func isAllBlackPNG(data []byte) bool {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}
	b := img.Bounds()
	stepX := b.Dx() / 32
	stepY := b.Dy() / 32
	if stepX < 1 {
		stepX = 1
	}
	if stepY < 1 {
		stepY = 1
	}
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r != 0 || g != 0 || bl != 0 {
				return false
			}
		}
	}
	return true
}

var (
	fallbackOnce sync.Once
	fallbackPNG  []byte
)

// fallbackScreenshot synthesizes a black frame so the agent can keep running
// against sensitive screens.
func fallbackScreenshot(sensitive bool) *Screenshot {
	fallbackOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, fallbackWidth, fallbackHeight))
		black := color.RGBA{A: 255}
		for y := 0; y < fallbackHeight; y++ {
			for x := 0; x < fallbackWidth; x++ {
				img.SetRGBA(x, y, black)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			fallbackPNG = buf.Bytes()
		}
	})
	return &Screenshot{
		PNG:        fallbackPNG,
		Width:      fallbackWidth,
		Height:     fallbackHeight,
		Sensitive:  sensitive,
		CapturedAt: time.Now(),
	}
}

// ========================================
// Input primitives
// ========================================

// clampToScreen keeps pixel coordinates inside the visible frame.
func clampToScreen(v, max int) int {
	if v < 0 {
		return 0
	}
	if v >= max {
		return max - 1
	}
	return v
}

// settle sleeps briefly after an input so the UI can react before the next
// screenshot, observing cancellation.
func settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *AdbClient) Tap(ctx context.Context, deviceID string, x, y int) error {
	_, err := c.run(ctx, deviceID, inputTimeout, "shell", "input", "tap",
		fmt.Sprint(x), fmt.Sprint(y))
	if err != nil {
		return err
	}
	settle(ctx, tapSettleDelay)
	return nil
}

// DoubleTap issues two taps in quick succession; `input` has no native
// double-tap event.
func (c *AdbClient) DoubleTap(ctx context.Context, deviceID string, x, y int) error {
	for i := 0; i < 2; i++ {
		_, err := c.run(ctx, deviceID, inputTimeout, "shell", "input", "tap",
			fmt.Sprint(x), fmt.Sprint(y))
		if err != nil {
			return err
		}
		if i == 0 {
			settle(ctx, 80*time.Millisecond)
		}
	}
	settle(ctx, tapSettleDelay)
	return nil
}

// LongPress is a swipe that stays in place, the standard adb idiom.
func (c *AdbClient) LongPress(ctx context.Context, deviceID string, x, y int, duration time.Duration) error {
	if duration < 500*time.Millisecond {
		duration = 600 * time.Millisecond
	}
	_, err := c.run(ctx, deviceID, inputTimeout+duration, "shell", "input", "swipe",
		fmt.Sprint(x), fmt.Sprint(y), fmt.Sprint(x), fmt.Sprint(y),
		fmt.Sprint(duration.Milliseconds()))
	if err != nil {
		return err
	}
	settle(ctx, tapSettleDelay)
	return nil
}

func (c *AdbClient) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	if duration <= 0 {
		duration = 300 * time.Millisecond
	}
	_, err := c.run(ctx, deviceID, inputTimeout+duration, "shell", "input", "swipe",
		fmt.Sprint(x1), fmt.Sprint(y1), fmt.Sprint(x2), fmt.Sprint(y2),
		fmt.Sprint(duration.Milliseconds()))
	if err != nil {
		return err
	}
	// Give the scroll animation time proportional to the gesture.
	settle(ctx, tapSettleDelay+duration/2)
	return nil
}

func (c *AdbClient) KeyEvent(ctx context.Context, deviceID string, key string) error {
	_, err := c.run(ctx, deviceID, inputTimeout, "shell", "input", "keyevent", key)
	if err != nil {
		return err
	}
	settle(ctx, tapSettleDelay)
	return nil
}

// ========================================
// App launch and foreground detection
// ========================================

// LaunchApp starts an app through the monkey launcher intent and confirms it
// actually reached the foreground within a bounded window.
func (c *AdbClient) LaunchApp(ctx context.Context, deviceID string, packageID string) error {
	opCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	out, err := c.run(opCtx, deviceID, launchTimeout, "shell", "monkey", "-p", packageID,
		"-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	if strings.Contains(out, "No activities found") {
		return agentErr(KindAdbIO, "launch", "package has no launcher activity: "+packageID, nil)
	}

	// The launch is asynchronous on the device; poll the foreground app.
	for {
		settle(opCtx, time.Second)
		if opCtx.Err() != nil {
			break
		}
		current, cerr := c.CurrentApp(opCtx, deviceID)
		if cerr == nil && current == packageID {
			return nil
		}
	}
	if ctx.Err() != nil {
		return cancelledErr("launch")
	}
	return agentErr(KindAdbIO, "launch", fmt.Sprintf("%s did not reach foreground", packageID), nil)
}

var resumedActivityRe = regexp.MustCompile(`(?:topResumedActivity|mResumedActivity|mFocusedApp).*?\s([a-zA-Z0-9_.]+)/[^\s}]+`)

// parseResumedPackage extracts the top-of-stack package from dumpsys output.
func parseResumedPackage(out string) string {
	m := resumedActivityRe.FindStringSubmatch(out)
	if len(m) > 1 {
		return m[1]
	}
	return ""
}

// CurrentApp returns the package id of the foreground activity.
func (c *AdbClient) CurrentApp(ctx context.Context, deviceID string) (string, error) {
	out, err := c.run(ctx, deviceID, dumpsysTimeout, "shell", "dumpsys", "activity", "activities")
	if err != nil {
		return "", err
	}
	pkg := parseResumedPackage(out)
	if pkg == "" {
		return "", agentErr(KindAdbIO, "current_app", "no resumed activity in dumpsys output", nil)
	}
	return pkg, nil
}

// ========================================
// Device discovery
// ========================================

// parseDevicesOutput turns `adb devices -l` output into Device entries.
func parseDevicesOutput(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices attached") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		d := Device{ID: parts[0]}
		switch parts[1] {
		case "device", "unauthorized", "offline":
			d.State = parts[1]
		default:
			d.State = "unknown"
		}
		if strings.Contains(d.ID, ":") {
			d.Type = "tcp"
		} else {
			d.Type = "usb"
		}
		for _, p := range parts[2:] {
			if kv := strings.SplitN(p, ":", 2); len(kv) == 2 && kv[0] == "model" {
				d.Model = strings.ReplaceAll(kv[1], "_", " ")
			}
		}
		devices = append(devices, d)
	}
	return devices
}

// ListDevices returns the devices currently known to the adb server.
func (c *AdbClient) ListDevices(ctx context.Context) ([]Device, error) {
	out, err := c.run(ctx, "", listTimeout, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return parseDevicesOutput(out), nil
}

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	adbKeyboardPackage = "com.android.adbkeyboard"
	adbKeyboardIME     = "com.android.adbkeyboard/.AdbIME"
)

// isADBKeyboardInstalled checks if ADBKeyboard is present on the device.
func (c *AdbClient) isADBKeyboardInstalled(ctx context.Context, deviceID string) bool {
	out, err := c.run(ctx, deviceID, inputTimeout, "shell", "pm", "list", "packages", adbKeyboardPackage)
	return err == nil && strings.Contains(out, "package:"+adbKeyboardPackage)
}

// currentIME returns the active IME identifier.
func (c *AdbClient) currentIME(ctx context.Context, deviceID string) string {
	out, err := c.run(ctx, deviceID, inputTimeout, "shell", "settings", "get", "secure", "default_input_method")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// activateADBKeyboard temporarily switches the active IME to ADBKeyboard and
// returns the previous IME so it can be restored after input.
func (c *AdbClient) activateADBKeyboard(ctx context.Context, deviceID string) string {
	previous := c.currentIME(ctx, deviceID)
	if previous == adbKeyboardIME {
		return previous
	}

	c.run(ctx, deviceID, inputTimeout, "shell", "ime", "set", adbKeyboardIME)
	// Wait for the IME service to bind to the input field.
	settle(ctx, 800*time.Millisecond)
	return previous
}

// restoreIME switches back to the previous IME after ADBKeyboard input.
func (c *AdbClient) restoreIME(ctx context.Context, deviceID string, previous string) {
	if previous == "" || previous == adbKeyboardIME {
		return
	}
	if _, err := c.run(ctx, deviceID, inputTimeout, "shell", "ime", "set", previous); err != nil {
		LogDebug("adb_keyboard").Str("deviceId", deviceID).Err(err).Msg("Failed to restore previous IME")
	}
}

// typeTextViaADBKeyboard inputs text using ADBKeyboard's base64 broadcast.
// The payload is base64-encoded so it survives shell quoting.
func (c *AdbClient) typeTextViaADBKeyboard(ctx context.Context, deviceID string, text string) error {
	if !c.isADBKeyboardInstalled(ctx, deviceID) {
		return agentErr(KindInputMethodUnavailable, "type_text",
			"ADBKeyboard IME is not installed on the device", nil)
	}

	// Enable in the IME list (idempotent), then activate it temporarily.
	c.run(ctx, deviceID, inputTimeout, "shell", "ime", "enable", adbKeyboardIME)
	previous := c.activateADBKeyboard(ctx, deviceID)

	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	out, broadcastErr := c.run(ctx, deviceID, inputTimeout, "shell", "am", "broadcast",
		"-a", "ADB_INPUT_B64", "--es", "msg", encoded)

	c.restoreIME(ctx, deviceID, previous)

	if broadcastErr != nil {
		return agentErr(KindAdbIO, "type_text", "ADBKeyboard broadcast failed", broadcastErr)
	}
	if !strings.Contains(out, "result=") {
		LogDebug("adb_keyboard").Str("deviceId", deviceID).Str("output", out).Msg("Unexpected broadcast result")
	}
	return nil
}

// containsNonASCII checks if a string contains any non-ASCII characters.
func containsNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}

// escapeForAdbInput escapes a string for safe use with "adb shell input text".
// Only suitable for ASCII text.
func escapeForAdbInput(text string) string {
	// adb input text uses %s for spaces
	result := strings.ReplaceAll(text, " ", "%s")

	shellSpecials := []string{
		"'", "\"", "`", "\\", "$",
		"(", ")", "{", "}", "[", "]",
		"&", "|", ";", "<", ">",
		"#", "!", "~", "*", "?",
	}
	for _, ch := range shellSpecials {
		result = strings.ReplaceAll(result, ch, "\\"+ch)
	}

	return result
}

// TypeText is the unified text input entry point.
// ASCII text goes through the native "input text" path; anything else needs
// the ADBKeyboard IME, which is activated only for the duration of the input
// and then restored so the device keyboard is not left switched.
func (c *AdbClient) TypeText(ctx context.Context, deviceID string, text string) error {
	if text == "" {
		return nil
	}
	if containsNonASCII(text) {
		return c.typeTextViaADBKeyboard(ctx, deviceID, text)
	}

	escaped := escapeForAdbInput(text)
	_, err := c.run(ctx, deviceID, inputTimeout, "shell", fmt.Sprintf("input text %s", escaped))
	if err != nil {
		return err
	}
	settle(ctx, tapSettleDelay)
	return nil
}

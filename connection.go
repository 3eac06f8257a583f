package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ========================================
// Connection manager - 设备连接管理
// ========================================

// ConnState tracks the lifecycle of one wireless address.
type ConnState string

const (
	ConnUnknown      ConnState = "unknown"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
	ConnDisconnected ConnState = "disconnected"
)

// HistoryDevice is one remembered wireless device.
type HistoryDevice struct {
	Address  string `json:"address"`
	Model    string `json:"model,omitempty"`
	LastSeen int64  `json:"lastSeen"`
}

const maxHistoryDevices = 20

// ConnectionManager handles device discovery and wired/wireless connection
// lifecycle. Human-readable return messages are localized per the active
// language.
type ConnectionManager struct {
	adb  *AdbClient
	lang Language

	mu     sync.Mutex
	states map[string]ConnState

	historyPath string
	historyMu   sync.Mutex

	reconnectMu       sync.Mutex
	reconnectCooldown map[string]time.Time
}

// NewConnectionManager creates a connection manager. historyPath may be empty
// to disable the device history file.
func NewConnectionManager(adb *AdbClient, lang Language, historyPath string) *ConnectionManager {
	return &ConnectionManager{
		adb:               adb,
		lang:              lang,
		states:            make(map[string]ConnState),
		historyPath:       historyPath,
		reconnectCooldown: make(map[string]time.Time),
	}
}

func (m *ConnectionManager) setState(address string, s ConnState) {
	m.mu.Lock()
	m.states[address] = s
	m.mu.Unlock()
}

// State returns the last observed state for an address.
func (m *ConnectionManager) State(address string) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[address]; ok {
		return s
	}
	return ConnUnknown
}

// Connect establishes an ADB TCP connection to ip:port.
func (m *ConnectionManager) Connect(ctx context.Context, address string) (bool, string) {
	address = strings.TrimSpace(address)
	if address == "" {
		return false, Msg(m.lang, "connect_failed")
	}
	m.setState(address, ConnConnecting)

	// A stale half-open connection makes `adb connect` report success without
	// actually working; drop it first.
	m.adb.run(ctx, "", listTimeout, "disconnect", address)

	out, err := m.adb.run(ctx, "", 30*time.Second, "connect", address)
	if err != nil || !strings.Contains(out, "connected to") {
		m.setState(address, ConnFailed)
		LogWarn("connection").Str("address", address).Str("output", out).Err(err).Msg("connect failed")
		return false, fmt.Sprintf("%s: %s", Msg(m.lang, "connect_failed"), firstLine(out))
	}

	m.setState(address, ConnConnected)
	m.rememberDevice(address)
	LogInfo("connection").Str("address", address).Msg("device connected")
	return true, Msg(m.lang, "connect_ok")
}

// Disconnect drops one wireless connection, or every connection when the
// address is empty.
func (m *ConnectionManager) Disconnect(ctx context.Context, address string) (bool, string) {
	args := []string{"disconnect"}
	if address != "" {
		args = append(args, address)
	}
	out, err := m.adb.run(ctx, "", listTimeout, args...)
	if err != nil && !strings.Contains(out, "no such device") {
		return false, fmt.Sprintf("%s: %s", Msg(m.lang, "disconnect_failed"), firstLine(out))
	}
	if address != "" {
		m.setState(address, ConnDisconnected)
	}
	return true, Msg(m.lang, "disconnect_ok")
}

// ListDevices refreshes device states and retries recently seen wireless
// devices that dropped off the list.
func (m *ConnectionManager) ListDevices(ctx context.Context) ([]Device, error) {
	devices, err := m.adb.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.ID] = true
		if d.Type == "tcp" {
			if d.State == "device" {
				m.setState(d.ID, ConnConnected)
			} else if d.State == "offline" {
				m.setState(d.ID, ConnDisconnected)
				m.tryAutoReconnect(d.ID)
			}
		}
	}

	// Proactively reconnect recently active wireless devices that vanished.
	for _, hd := range m.loadHistory() {
		if !seen[hd.Address] && time.Since(time.Unix(hd.LastSeen, 0)) < 15*time.Minute {
			m.tryAutoReconnect(hd.Address)
		}
	}

	return devices, nil
}

// EnableTcpip switches a connected USB device into TCP/IP mode. It does not
// connect by itself; a subsequent Connect("<ip>:<port>") completes the move.
func (m *ConnectionManager) EnableTcpip(ctx context.Context, port int, deviceID string) (bool, string) {
	if port <= 0 {
		port = 5555
	}

	devices, err := m.adb.ListDevices(ctx)
	if err != nil {
		return false, fmt.Sprintf("%s: %v", Msg(m.lang, "tcpip_failed"), err)
	}
	var target *Device
	for i, d := range devices {
		if d.Type == "usb" && d.State == "device" && (deviceID == "" || d.ID == deviceID) {
			target = &devices[i]
			break
		}
	}
	if target == nil {
		return false, Msg(m.lang, "tcpip_requires_usb")
	}

	out, err := m.adb.run(ctx, target.ID, listTimeout, "tcpip", fmt.Sprint(port))
	if err != nil {
		return false, fmt.Sprintf("%s: %s", Msg(m.lang, "tcpip_failed"), firstLine(out))
	}
	return true, Msg(m.lang, "tcpip_ok")
}

// GetDeviceIP returns the wlan address of a device, for use after EnableTcpip.
func (m *ConnectionManager) GetDeviceIP(ctx context.Context, deviceID string) (string, error) {
	out, err := m.adb.run(ctx, deviceID, dumpsysTimeout, "shell",
		"ip addr show wlan0 | grep 'inet ' | awk '{print $2}' | cut -d/ -f1")
	ip := strings.TrimSpace(out)
	if err != nil || ip == "" {
		out, _ = m.adb.run(ctx, deviceID, dumpsysTimeout, "shell", "getprop", "dhcp.wlan0.ipaddress")
		ip = strings.TrimSpace(out)
	}
	if ip == "" {
		return "", agentErr(KindAdbIO, "device_ip", "could not find device IP (ensure Wi-Fi is on)", nil)
	}
	return ip, nil
}

// tryAutoReconnect attempts a background reconnect with a per-address
// cooldown so a flapping device does not spam the adb server.
func (m *ConnectionManager) tryAutoReconnect(address string) {
	if address == "" || !strings.Contains(address, ":") {
		return
	}

	m.reconnectMu.Lock()
	last, ok := m.reconnectCooldown[address]
	if ok && time.Since(last) < 30*time.Second {
		m.reconnectMu.Unlock()
		return
	}
	m.reconnectCooldown[address] = time.Now()
	m.reconnectMu.Unlock()

	go func() {
		LogDebug("connection").Str("address", address).Msg("auto-reconnecting wireless device")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.adb.run(ctx, "", 5*time.Second, "connect", address)
	}()
}

// ========================================
// Device history
// ========================================

func (m *ConnectionManager) loadHistory() []HistoryDevice {
	if m.historyPath == "" {
		return nil
	}
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	data, err := os.ReadFile(m.historyPath)
	if err != nil {
		return nil
	}
	var history []HistoryDevice
	if err := json.Unmarshal(data, &history); err != nil {
		LogWarn("connection").Err(err).Msg("failed to parse device history")
		return nil
	}
	return history
}

func (m *ConnectionManager) rememberDevice(address string) {
	if m.historyPath == "" || !strings.Contains(address, ":") {
		return
	}
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	var history []HistoryDevice
	if data, err := os.ReadFile(m.historyPath); err == nil {
		json.Unmarshal(data, &history)
	}

	now := time.Now().Unix()
	found := false
	for i := range history {
		if history[i].Address == address {
			history[i].LastSeen = now
			found = true
			break
		}
	}
	if !found {
		history = append(history, HistoryDevice{Address: address, LastSeen: now})
	}
	if len(history) > maxHistoryDevices {
		history = history[len(history)-maxHistoryDevices:]
	}

	data, err := json.Marshal(history)
	if err != nil {
		return
	}
	if err := os.WriteFile(m.historyPath, data, 0644); err != nil {
		LogWarn("connection").Err(err).Msg("failed to write device history")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

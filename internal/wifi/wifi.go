// Package wifi associates the host with a wireless network.
package wifi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
)

// AuthMethod is the authentication scheme used during association.
type AuthMethod string

const (
	AuthNone         AuthMethod = "none"
	AuthWPA2Personal AuthMethod = "wpa2-personal"
	AuthWPA3Personal AuthMethod = "wpa3-personal"
)

// ErrNoSSID is returned when association is requested without a network name.
var ErrNoSSID = errors.New("wifi: ssid is empty")

// Connection is the handle returned by a successful association.
type Connection struct {
	SSID      string
	Interface string
}

// Associator joins a wireless network.
type Associator interface {
	Associate(ctx context.Context, ssid, psk string, auth AuthMethod) (Connection, error)
}

// Managed is used when the host network is configured outside the agent. It only
// checks that some non-loopback interface is up.
type Managed struct {
	interfaces func() ([]net.Interface, error)
}

// NewManaged returns an associator that relies on the host network configuration.
func NewManaged() *Managed {
	return &Managed{interfaces: net.Interfaces}
}

func (m *Managed) Associate(_ context.Context, ssid, _ string, _ AuthMethod) (Connection, error) {
	ifaces, err := m.interfaces()
	if err != nil {
		return Connection{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return Connection{SSID: ssid, Interface: iface.Name}, nil
		}
	}
	return Connection{}, fmt.Errorf("wifi: no network interface is up")
}

// NMCLI associates through NetworkManager's command line client.
type NMCLI struct {
	Interface string
	run       func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewNMCLI returns an associator driving nmcli on iface (empty lets nmcli choose).
func NewNMCLI(iface string) *NMCLI {
	return &NMCLI{Interface: iface, run: runCommand}
}

func (n *NMCLI) Associate(ctx context.Context, ssid, psk string, auth AuthMethod) (Connection, error) {
	if ssid == "" {
		return Connection{}, ErrNoSSID
	}

	args := []string{"--wait", "30", "device", "wifi", "connect", ssid}
	switch auth {
	case AuthNone:
	case AuthWPA2Personal, AuthWPA3Personal:
		if psk == "" {
			return Connection{}, fmt.Errorf("wifi: %s requires a passphrase", auth)
		}
		args = append(args, "password", psk)
	default:
		return Connection{}, fmt.Errorf("wifi: unsupported auth method %q", auth)
	}
	if n.Interface != "" {
		args = append(args, "ifname", n.Interface)
	}

	out, err := n.run(ctx, "nmcli", args...)
	if err != nil {
		return Connection{}, fmt.Errorf("nmcli connect %q: %w: %s", ssid, err, strings.TrimSpace(string(out)))
	}
	return Connection{SSID: ssid, Interface: n.Interface}, nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

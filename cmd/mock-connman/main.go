// mock-connman serves a fake ConnMan daemon with a wired and two wifi
// services, for trying the dispatcher without touching real networking.
//
//	dbus-daemon --session --print-address &
//	mock-connman -address "$ADDR" &
//	connman-dispatcher serve --bus-address "$ADDR"
//
// Connecting to the "home" service asks the registered agent for the
// passphrase; any other answer fails with invalid-key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/connman-dispatcher/internal/testutil"
)

func main() {
	passphrase := flag.String("passphrase", "correct horse", "Passphrase of the protected wifi service")
	address := flag.String("address", "", "D-Bus address to register on (default: session bus)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *address, *passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "mock-connman: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, address, passphrase string) error {
	conn, err := connect(address)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer conn.Close()

	mock := testutil.NewMockConnMan()
	mock.AddTechnology("ethernet", "Wired")
	mock.AddTechnology("wifi", "WiFi")
	mock.AddService("ethernet_eth0_cable", "Wired", "ethernet", "eth0", "")
	mock.AddService("wifi_home_managed_psk", "home", "wifi", "wlan0", passphrase)
	mock.AddService("wifi_cafe_managed_none", "cafe", "wifi", "wlan0", "")
	if err := mock.Register(conn); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	fmt.Printf("mock ConnMan on %s, Ctrl+C to stop\n", describe(address))
	select {
	case <-ctx.Done():
	case <-conn.Context().Done():
		return errors.New("bus connection closed")
	}
	return nil
}

func connect(address string) (*dbus.Conn, error) {
	if address == "" {
		return dbus.ConnectSessionBus()
	}
	return dbus.Connect(address)
}

func describe(address string) string {
	if address == "" {
		return "the session bus"
	}
	return address
}

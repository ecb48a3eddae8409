package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/connman-dispatcher/internal/cli"
	"github.com/nikicat/connman-dispatcher/internal/connman"
	dbustypes "github.com/nikicat/connman-dispatcher/internal/dbus"
)

const defaultConnectWait = 2 * time.Minute

// runConnMan handles the commands that talk to ConnMan directly over D-Bus.
// They never register an agent; credential requests raised by connect are
// answered by the serve daemon's agent, if one is running.
func runConnMan(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/connman-dispatcher/config.yaml)")
	busAddress := fs.String("bus-address", "", "D-Bus address of the bus ConnMan is on (default: system bus)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	var (
		ssid       *string
		passphrase *string
		iface      *string
		wait       *time.Duration
		daemon     *bool
		socketPath *string
	)
	switch cmd {
	case "technologies":
		daemon = fs.Bool("daemon", false, "Ask the running daemon instead of ConnMan")
		socketPath = fs.String("socket", "", "API socket path, with --daemon")
	case "tether":
		ssid = fs.String("ssid", "", "Tethering network name (wifi only)")
		passphrase = fs.String("passphrase", "", "Tethering passphrase (wifi only)")
	case "find":
		iface = fs.String("iface", "", "Only match access points on this interface")
	case "connect":
		wait = fs.Duration("wait", defaultConnectWait, "How long to wait for the service to become ready (0 returns immediately)")
	}
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !setFlags(fs)["bus-address"] {
		*busAddress = cfg.BusAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)
	c := &connmanCommand{formatter: formatter}

	if daemon != nil && *daemon {
		if *socketPath == "" {
			*socketPath = socketPathFrom(cfg)
		}
		techs, err := cli.NewClient(*socketPath).Technologies()
		if err == nil {
			err = formatter.FormatTechnologies(techs)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	err = c.withManager(ctx, *busAddress, func(mgr *connman.Manager) error {
		switch cmd {
		case "technologies":
			return c.technologies(ctx, mgr)
		case "services":
			return c.services(ctx, mgr, fs.Arg(0))
		case "scan":
			if fs.NArg() < 1 {
				return usageError("scan <type>")
			}
			return c.scan(ctx, mgr, fs.Arg(0))
		case "connect":
			if fs.NArg() < 1 {
				return usageError("connect [--wait 2m] <service>")
			}
			return c.connect(ctx, mgr, fs.Arg(0), *wait)
		case "disconnect":
			if fs.NArg() < 1 {
				return usageError("disconnect <service>")
			}
			return c.withService(ctx, mgr, fs.Arg(0), func(svc *connman.Service) error {
				return svc.Disconnect(ctx)
			})
		case "remove":
			if fs.NArg() < 1 {
				return usageError("remove <service>")
			}
			return c.withService(ctx, mgr, fs.Arg(0), func(svc *connman.Service) error {
				return svc.Remove(ctx)
			})
		case "tether":
			if fs.NArg() < 2 {
				return usageError("tether [--ssid NAME --passphrase PASS] <type> on|off")
			}
			return c.tether(ctx, mgr, fs.Arg(0), fs.Arg(1), *ssid, *passphrase)
		case "find":
			if fs.NArg() < 2 {
				return usageError("find [--iface IFACE] <type> <ssid>")
			}
			return c.find(ctx, mgr, fs.Arg(0), fs.Arg(1), *iface)
		case "monitor":
			return c.monitor(ctx, mgr, fs.Arg(0))
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type usageError string

func (u usageError) Error() string {
	return fmt.Sprintf("usage: %s %s", progName, string(u))
}

type connmanCommand struct {
	formatter *cli.Formatter
}

func (c *connmanCommand) withManager(ctx context.Context, busAddress string, fn func(*connman.Manager) error) error {
	bus, err := connman.Dial(busAddress)
	if err != nil {
		return err
	}
	defer bus.Close()

	mgr := connman.NewManager(bus, connman.ManagerConfig{})
	if err := mgr.Init(ctx); err != nil {
		return fmt.Errorf("connect to ConnMan: %w", err)
	}
	defer mgr.Close(context.Background())

	return fn(mgr)
}

func (c *connmanCommand) technology(mgr *connman.Manager, technologyType string) (*connman.Technology, error) {
	tech, ok := mgr.Technology(technologyType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", connman.ErrNoTechnology, technologyType)
	}
	return tech, nil
}

func (c *connmanCommand) technologies(ctx context.Context, mgr *connman.Manager) error {
	var rows []cli.Technology
	for _, tech := range mgr.Technologies() {
		props, err := tech.GetProperties(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", tech.Type, err)
		}
		rows = append(rows, cli.Technology{
			Type:      tech.Type,
			Name:      props.String("Name"),
			Powered:   props.Bool("Powered"),
			Connected: props.Bool("Connected"),
			Tethering: props.Bool("Tethering"),
		})
	}
	return c.formatter.FormatTechnologies(rows)
}

func (c *connmanCommand) services(ctx context.Context, mgr *connman.Manager, technologyType string) error {
	records, err := mgr.GetServices(ctx, technologyType)
	if err != nil {
		return err
	}
	return c.formatter.FormatServices(serviceRows(records))
}

func (c *connmanCommand) scan(ctx context.Context, mgr *connman.Manager, technologyType string) error {
	tech, err := c.technology(mgr, technologyType)
	if err != nil {
		return err
	}
	if err := tech.Scan(ctx); err != nil {
		return fmt.Errorf("scan %s: %w", technologyType, err)
	}
	records, err := tech.Services(ctx)
	if err != nil {
		return err
	}
	return c.formatter.FormatServices(serviceRows(records))
}

func (c *connmanCommand) tether(ctx context.Context, mgr *connman.Manager, technologyType, mode, ssid, passphrase string) error {
	tech, err := c.technology(mgr, technologyType)
	if err != nil {
		return err
	}
	switch mode {
	case "on":
		err = tech.EnableTethering(ctx, connman.TetheringOptions{SSID: ssid, Passphrase: passphrase})
	case "off":
		err = tech.DisableTethering(ctx)
	default:
		return usageError("tether <type> on|off")
	}
	if err != nil {
		return fmt.Errorf("tethering %s: %w", mode, err)
	}
	return c.formatter.FormatResult(technologyType, "tethering "+mode)
}

func (c *connmanCommand) find(ctx context.Context, mgr *connman.Manager, technologyType, ssid, iface string) error {
	tech, err := c.technology(mgr, technologyType)
	if err != nil {
		return err
	}
	record, err := tech.FindAccessPoint(ctx, ssid, iface)
	if err != nil {
		return err
	}
	if record == nil {
		return c.formatter.FormatService(nil)
	}
	row := cli.ServiceFromRecord(*record)
	return c.formatter.FormatService(&row)
}

// withService binds a Service for name, deriving its technology from the
// service's Type property.
func (c *connmanCommand) withService(ctx context.Context, mgr *connman.Manager, name string, fn func(*connman.Service) error) error {
	p := connman.ServiceObjectPath(name)
	props, err := mgr.ServiceProperties(ctx, p)
	if err != nil {
		return err
	}
	svc, err := mgr.NewService(ctx, props.String("Type"), string(p))
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func (c *connmanCommand) connect(ctx context.Context, mgr *connman.Manager, name string, wait time.Duration) error {
	return c.withService(ctx, mgr, name, func(svc *connman.Service) error {
		states := make(chan string, 16)
		results := make(chan error, 1)
		svc.Subscribe(connman.EventPropertyChanged, func(ev connman.Event) {
			if ev.Name != "State" {
				return
			}
			if s, ok := ev.Value.Value().(string); ok {
				select {
				case states <- s:
				default:
				}
			}
		})
		svc.Subscribe(connman.EventConnectResult, func(ev connman.Event) {
			select {
			case results <- ev.Err:
			default:
			}
		})

		if _, err := svc.Connect(ctx); err != nil {
			return err
		}
		if wait <= 0 {
			return c.formatter.FormatResult(serviceName(svc.Path()), "connecting")
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()
		for {
			select {
			case state := <-states:
				fmt.Fprintf(os.Stderr, "%s: %s\n", serviceName(svc.Path()), state)
				done, err := c.connectOutcome(ctx, svc, state)
				if done {
					return err
				}
			case err := <-results:
				if err != nil {
					return fmt.Errorf("connect: %w", err)
				}
				// The daemon may already consider the service connected
				// and never report a state change.
				props, err := svc.GetProperties(ctx)
				if err != nil {
					return err
				}
				if done, err := c.connectOutcome(ctx, svc, props.String("State")); done {
					return err
				}
			case <-timer.C:
				return fmt.Errorf("timed out after %s waiting for %s", wait, serviceName(svc.Path()))
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// connectOutcome reports whether state ends a connect attempt.
func (c *connmanCommand) connectOutcome(ctx context.Context, svc *connman.Service, state string) (bool, error) {
	switch state {
	case "ready", "online":
		return true, c.formatter.FormatResult(serviceName(svc.Path()), state)
	case "failure":
		reason := "unknown error"
		if props, err := svc.GetProperties(ctx); err == nil && props.String("Error") != "" {
			reason = props.String("Error")
		}
		return true, fmt.Errorf("connect %s failed: %s", serviceName(svc.Path()), reason)
	}
	return false, nil
}

// monitor prints events until interrupted. With a type, only that
// technology's property changes are shown.
func (c *connmanCommand) monitor(ctx context.Context, mgr *connman.Manager, technologyType string) error {
	var mu sync.Mutex
	printer := func(source string) func(connman.Event) {
		return func(ev connman.Event) {
			mu.Lock()
			defer mu.Unlock()
			c.formatter.FormatEvent(time.Now(), source, ev)
		}
	}

	techs := mgr.Technologies()
	if technologyType != "" {
		tech, err := c.technology(mgr, technologyType)
		if err != nil {
			return err
		}
		techs = []*connman.Technology{tech}
	} else {
		sub := mgr.Subscribe(connman.EventAll, printer("manager"))
		defer mgr.Unsubscribe(sub)
	}

	for _, tech := range techs {
		sub := tech.Subscribe(connman.EventPropertyChanged, printer(tech.Type))
		defer tech.Unsubscribe(sub)
	}

	<-ctx.Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func serviceRows(records []connman.ServiceRecord) []cli.Service {
	rows := make([]cli.Service, len(records))
	for i, r := range records {
		rows[i] = cli.ServiceFromRecord(r)
	}
	return rows
}

func serviceName(p dbus.ObjectPath) string {
	return strings.TrimPrefix(string(p), dbustypes.ServiceRoot+"/")
}

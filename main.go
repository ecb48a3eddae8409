// connman-dispatcher is a ConnMan client: a long-running agent that answers
// the daemon's credential requests, and command-line tools to inspect and
// drive technologies and services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/lmittmann/tint"

	"github.com/nikicat/connman-dispatcher/internal/api"
	"github.com/nikicat/connman-dispatcher/internal/cli"
	"github.com/nikicat/connman-dispatcher/internal/config"
	"github.com/nikicat/connman-dispatcher/internal/connman"
	"github.com/nikicat/connman-dispatcher/internal/credentials"
	"github.com/nikicat/connman-dispatcher/internal/notification"
	"github.com/nikicat/connman-dispatcher/internal/service"
)

const (
	defaultInputTimeout = 2 * time.Minute
	defaultHistoryLimit = 100
)

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "technologies", "services", "scan", "connect", "disconnect", "remove", "tether", "find", "monitor":
		runConnMan(os.Args[1], os.Args[2:])
	case "status":
		runCLI("status", os.Args[2:])
	case "pending":
		runCLI("pending", os.Args[2:])
	case "show":
		runCLI("show", os.Args[2:])
	case "answer":
		runCLI("answer", os.Args[2:])
	case "reject":
		runCLI("reject", os.Args[2:])
	case "history":
		runCLI("history", os.Args[2:])
	case "watch":
		runCLI("watch", os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve                          Register the agent and serve the local API
  technologies [--daemon]        List technologies
  services [type]                List services, optionally of one technology
  scan <type>                    Scan for services of a technology
  connect <service>              Connect a service and wait for the outcome
  disconnect <service>           Disconnect a service
  remove <service>               Forget a saved service
  tether <type> on|off           Enable or disable tethering
  find <type> <ssid>             Find an access point by name
  monitor [type]                 Print technology events as they arrive
  status                         Show the running daemon's status
  pending                        List pending credential requests
  show <id>                      Show details of a pending request
  answer <id> NAME=VALUE...      Answer a pending request
  reject <id>                    Reject a pending request
  history                        Show resolved requests
  watch                          Stream request events from the daemon
  service                        Manage the systemd user service

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/connman-dispatcher/config.yaml)")
	socketPath := fs.String("socket", "", "API socket path (default: $XDG_RUNTIME_DIR/connman-dispatcher/api.sock)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	// Load config and apply values for flags not explicitly set
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["socket"] {
		*socketPath = socketPathFrom(cfg)
	}

	client := cli.NewClient(*socketPath)
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	fail := func(err error) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if _, statErr := os.Stat(*socketPath); statErr != nil {
			fmt.Fprintf(os.Stderr, "Is the daemon running? Start it with: %s serve\n", progName)
		}
		os.Exit(1)
	}

	switch cmd {
	case "status":
		status, err := client.Status()
		if err != nil {
			fail(err)
		}
		formatter.FormatStatus(status)

	case "pending":
		requests, err := client.List()
		if err != nil {
			fail(err)
		}
		formatter.FormatRequests(requests)

	case "show":
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s show <request-id>\n", progName)
			os.Exit(1)
		}
		req, err := client.Show(fs.Arg(0))
		if err != nil {
			fail(err)
		}
		formatter.FormatRequest(req)

	case "answer":
		if fs.NArg() < 2 {
			fmt.Fprintf(os.Stderr, "usage: %s answer <request-id> NAME=VALUE...\n", progName)
			os.Exit(1)
		}
		fields, err := cli.ParseFields(fs.Args()[1:])
		if err != nil {
			fail(err)
		}
		id, err := client.Answer(fs.Arg(0), fields)
		if err != nil {
			fail(err)
		}
		formatter.FormatAction("answered", id)

	case "reject":
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s reject <request-id>\n", progName)
			os.Exit(1)
		}
		id, err := client.Reject(fs.Arg(0))
		if err != nil {
			fail(err)
		}
		formatter.FormatAction("rejected", id)

	case "history":
		entries, err := client.History()
		if err != nil {
			fail(err)
		}
		formatter.FormatHistory(entries)

	case "watch":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err := client.Watch(ctx, func(ev cli.Event) error {
			return formatter.FormatStreamEvent(time.Now(), ev)
		})
		if err != nil {
			fail(err)
		}
	}
}

// serveOptions are the serve settings after merging flags and config.
type serveOptions struct {
	busAddress    string
	socketPath    string
	technologies  []string
	notifications bool
	agent         bool
	agentPath     string
	agentBusName  string
	inputTimeout  time.Duration
	historyLimit  int
	credentials   string
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/connman-dispatcher/config.yaml)")
	busAddress := fs.String("bus-address", "", "D-Bus address of the bus ConnMan is on (default: system bus)")
	socketPath := fs.String("socket", "", "API socket path (default: $XDG_RUNTIME_DIR/connman-dispatcher/api.sock)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	inputTimeout := fs.Duration("input-timeout", defaultInputTimeout, "How long a credential request waits for an answer")
	historyLimit := fs.Int("history-limit", defaultHistoryLimit, "Maximum number of resolved requests to keep in history")
	notifications := fs.Bool("notifications", true, "Enable desktop notifications for credential requests")
	agentEnabled := fs.Bool("agent", true, "Register as the ConnMan agent")
	credentialsPath := fs.String("credentials", "", "Credentials file (default: $XDG_CONFIG_HOME/connman-dispatcher/credentials.yaml)")
	fs.Parse(args)

	// Load config and apply values for flags not explicitly set
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid config: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["bus-address"] && cfg.BusAddress != "" {
		*busAddress = cfg.BusAddress
	}
	if !set["socket"] {
		*socketPath = socketPathFrom(cfg)
	}
	if !set["log-level"] && cfg.Serve.LogLevel != "" {
		*logLevel = cfg.Serve.LogLevel
	}
	if !set["log-format"] && cfg.Serve.LogFormat != "" {
		*logFormat = cfg.Serve.LogFormat
	}
	if !set["input-timeout"] && cfg.Agent.InputTimeout != 0 {
		*inputTimeout = time.Duration(cfg.Agent.InputTimeout)
	}
	if !set["history-limit"] && cfg.Serve.HistoryLimit != 0 {
		*historyLimit = cfg.Serve.HistoryLimit
	}
	if !set["notifications"] {
		*notifications = cfg.NotificationsEnabled()
	}
	if !set["agent"] {
		*agentEnabled = cfg.AgentEnabled()
	}
	if !set["credentials"] {
		*credentialsPath = cfg.Agent.Credentials
		if *credentialsPath == "" {
			*credentialsPath = config.DefaultCredentialsPath()
		}
	}

	setupLogging(parseLogLevel(*logLevel), *logFormat)

	opts := serveOptions{
		busAddress:    *busAddress,
		socketPath:    *socketPath,
		technologies:  cfg.Serve.Technologies,
		notifications: *notifications,
		agent:         *agentEnabled,
		agentPath:     cfg.Agent.Path,
		agentBusName:  cfg.Agent.BusName,
		inputTimeout:  *inputTimeout,
		historyLimit:  *historyLimit,
		credentials:   *credentialsPath,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := serve(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, opts serveOptions) error {
	bus, err := connman.Dial(opts.busAddress)
	if err != nil {
		return err
	}
	defer bus.Close()

	mgr := connman.NewManager(bus, connman.ManagerConfig{
		EnableAgent: opts.agent,
		Agent: connman.AgentConfig{
			Path:         dbus.ObjectPath(opts.agentPath),
			BusName:      opts.agentBusName,
			InputTimeout: opts.inputTimeout,
			HistoryLimit: opts.historyLimit,
		},
	})
	if err := mgr.Init(ctx); err != nil {
		return fmt.Errorf("initialize manager: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := mgr.Close(closeCtx); err != nil {
			slog.Warn("manager close failed", "error", err)
		}
	}()

	mgr.Subscribe(connman.EventAll, func(ev connman.Event) {
		slog.Info("technology list changed", "event", ev.Kind, "technology", ev.Technology)
	})
	watchTechnologies(mgr, opts.technologies, logTechnologyChange)

	// api.Agent stays nil when the agent is disabled.
	var apiAgent api.Agent
	if agent := mgr.Agent(); agent != nil {
		apiAgent = agent
		slog.Info("agent registered", "path", agent.Path(), "input_timeout", agent.InputTimeout())

		if opts.credentials != "" {
			responder := startCredentials(ctx, opts.credentials, mgr, agent)
			defer responder.Stop()
		}

		if opts.notifications {
			notifier, err := notification.NewDBusNotifier()
			if err != nil {
				slog.Warn("failed to create desktop notifier, notifications disabled", "error", err)
			} else {
				notifHandler := notification.NewHandler(notifier, agent, serviceNamer(mgr))
				sub := agent.Subscribe(connman.EventAll, notifHandler.OnEvent)
				defer agent.Unsubscribe(sub)
				go notifHandler.ListenActions(ctx, notifier.Actions())
				defer notifier.Stop()
				slog.Debug("desktop notifications enabled")
			}
		}
	}

	apiServer, err := api.NewServer(opts.socketPath, apiAgent, api.ManagerTechnologies{Manager: mgr})
	if err != nil {
		return fmt.Errorf("create API server: %w", err)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}
	slog.Info("API server started", "socket", apiServer.SocketPath())

	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		apiServer.Shutdown(stopCtx)
	}()

	service.Notify("READY=1", readyStatus(mgr))
	defer service.Notify("STOPPING=1")

	select {
	case <-ctx.Done():
		return nil
	case <-bus.Done():
		return errors.New("D-Bus connection lost")
	}
}

// readyStatus is the STATUS line shown by systemctl status.
func readyStatus(mgr *connman.Manager) string {
	agent := "agent disabled"
	if mgr.Agent() != nil {
		agent = "agent registered"
	}
	return fmt.Sprintf("STATUS=%s, %d technologies", agent, len(mgr.Technologies()))
}

// watchTechnologies passes property changes of the given technologies to
// fn. A technology the daemon announces again replaces the registry entry,
// so the watch follows it to the new one.
func watchTechnologies(mgr *connman.Manager, types []string, fn func(technologyType string, ev connman.Event)) {
	watched := make(map[string]bool, len(types))
	attach := func(typ string) bool {
		tech, ok := mgr.Technology(typ)
		if !ok {
			return false
		}
		tech.Subscribe(connman.EventPropertyChanged, func(ev connman.Event) { fn(typ, ev) })
		return true
	}

	for _, typ := range types {
		watched[typ] = true
		if !attach(typ) {
			slog.Warn("configured technology not present", "technology", typ)
		}
	}
	mgr.Subscribe(connman.EventTechnologyAdded, func(ev connman.Event) {
		if watched[ev.Technology] {
			attach(ev.Technology)
		}
	})
}

func logTechnologyChange(technologyType string, ev connman.Event) {
	slog.Info("technology property changed", "technology", technologyType, "name", ev.Name, "value", ev.Value.Value())
}

func startCredentials(ctx context.Context, path string, mgr *connman.Manager, agent *connman.Agent) *credentials.Responder {
	store := credentials.NewStore(path)
	if err := store.Load(); err != nil {
		slog.Warn("failed to load credentials", "path", path, "error", err)
	} else {
		slog.Info("credentials loaded", "path", path, "entries", store.Len())
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			slog.Warn("credentials file not watched", "path", path, "error", err)
		}
	}()

	responder := credentials.NewResponder(store, mgr, agent)
	responder.Start()
	return responder
}

// serviceNamer returns a function that names a service by its Name
// property, falling back to the service identifier.
func serviceNamer(mgr *connman.Manager) func(dbus.ObjectPath) string {
	return func(p dbus.ObjectPath) string {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if props, err := mgr.ServiceProperties(ctx, p); err == nil {
			if name := props.String("Name"); name != "" {
				return name
			}
		}
		return path.Base(string(p))
	}
}

func setupLogging(level slog.Level, format string) {
	// The journal stamps every line itself.
	journal := os.Getenv("INVOCATION_ID") != ""
	slog.SetDefault(slog.New(newLogHandler(os.Stderr, level, format, journal)))
}

// newLogHandler returns a JSON handler for format "json" and a tint
// handler otherwise. Under journald tint output has neither color nor time.
func newLogHandler(w io.Writer, level slog.Level, format string, journal bool) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	opts := &tint.Options{Level: level, TimeFormat: time.TimeOnly, NoColor: journal}
	if journal {
		opts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(w, opts)
}

// runService handles the "service" subcommand group.
func runService(args []string) {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printServiceUsage()
		if len(args) == 0 {
			os.Exit(1)
		}
		return
	}

	cmd := args[0]
	fs := flag.NewFlagSet("service "+cmd, flag.ExitOnError)
	fs.Usage = printServiceUsage
	system := fs.Bool("system", false, "Manage a system unit instead of a user unit")
	var start *bool
	var configPath *string
	if cmd == "install" {
		start = fs.Bool("start", false, "Start the service immediately after installing")
		configPath = fs.String("config", "", "Config file path to embed in the unit file")
	}
	fs.Parse(args[1:])

	var err error
	switch cmd {
	case "install":
		err = service.Install(service.Options{
			ConfigPath: *configPath,
			Start:      *start,
			System:     *system,
		})
	case "uninstall":
		err = service.Uninstall(*system)
	case "status":
		service.Status(*system)
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", cmd)
		printServiceUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable the service
  uninstall     Stop, disable, and remove the service
  status        Show the service status

Options:
  --system      Use a system unit (needed when ConnMan only accepts
                agents from root)

Install options:
  --start       Start the service immediately after installing
  --config      Config file path to embed in the unit file's ExecStart
                (a default config is written there if missing)
`, progName)
}

// parseLogLevel accepts slog level names, "warning", and offsets such
// as "debug-4". Anything else means info.
func parseLogLevel(s string) slog.Level {
	if s == "warning" {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func socketPathFrom(cfg *config.Config) string {
	if cfg.Serve.Socket != "" {
		return cfg.Serve.Socket
	}
	return config.DefaultSocketPath()
}

// loadConfig reads the config at explicitPath, which must exist, or at
// the default location, which may be missing.
func loadConfig(explicitPath string) (*config.Config, error) {
	file := explicitPath
	if file == "" {
		file = config.DefaultPath()
		if file == "" {
			return &config.Config{}, nil
		}
	} else if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("config file not found: %s", file)
	}

	cfg, err := config.Load(file)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", file, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

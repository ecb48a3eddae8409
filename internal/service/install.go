// Package service manages the systemd unit for connman-dispatcher.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/nikicat/connman-dispatcher/internal/config"
)

const unitFileName = "connman-dispatcher.service"

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=ConnMan Dispatcher - network agent and credentials responder
Documentation=https://github.com/nikicat/connman-dispatcher
{{- if .System}}
After=connman.service
Wants=connman.service
{{- end}}

[Service]
Type=notify
ExecStart={{.ExecStart}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy={{.WantedBy}}
`))

// systemUnitDir is where system units are installed.
var systemUnitDir = "/etc/systemd/system"

// Options configures service installation.
type Options struct {
	// ConfigPath is passed as --config. A default config is written there
	// when the file does not exist. Defaults to the per-user config path.
	ConfigPath string
	// Start the service immediately after enabling.
	Start bool
	// System installs a system unit instead of a user unit. ConnMan's
	// D-Bus policy usually only lets root register an agent.
	System bool
}

// Unit is a rendered-on-demand unit file.
type Unit struct {
	ExecStart string
	System    bool
}

// WantedBy returns the install target for the unit's scope.
func (u Unit) WantedBy() string {
	if u.System {
		return "multi-user.target"
	}
	return "default.target"
}

// Render returns the unit file contents.
func (u Unit) Render() string {
	var b strings.Builder
	unitTemplate.Execute(&b, u) //nolint:errcheck
	return b.String()
}

// unitDir returns the unit directory for the scope. User units live in
// $XDG_CONFIG_HOME/systemd/user/ with fallback to ~/.config/systemd/user/.
func unitDir(system bool) (string, error) {
	if system {
		return systemUnitDir, nil
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "systemd", "user"), nil
}

// UnitPath returns the full path where the unit file is (or would be) installed.
func UnitPath(system bool) (string, error) {
	dir, err := unitDir(system)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, unitFileName), nil
}

// Install writes the unit file and the default config, reloads systemd and
// enables the service.
func Install(opts Options) error {
	self, err := executableFunc()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	args := []string{self, "serve"}
	if configPath != "" {
		if err := writeDefaultConfig(configPath); err != nil {
			return err
		}
		args = append(args, "--config", configPath)
	}

	unit := Unit{ExecStart: strings.Join(args, " "), System: opts.System}
	unitPath, err := UnitPath(opts.System)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(unit.Render()), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	fmt.Printf("Wrote unit file: %s\n", unitPath)

	steps := [][]string{{"daemon-reload"}, {"enable", unitFileName}}
	if opts.Start {
		steps = append(steps, []string{"start", unitFileName})
	}
	for _, step := range steps {
		if err := systemctlFunc(opts.System, step...); err != nil {
			return err
		}
	}
	fmt.Printf("Enabled %s\n", unitFileName)
	return nil
}

// writeDefaultConfig writes the default config unless path already exists.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config: %w", err)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote config: %s\n", path)
	return nil
}

// Uninstall stops and disables the service, removes the unit file, and
// reloads systemd. The config file is left in place.
func Uninstall(system bool) error {
	// May not be running.
	_ = systemctlFunc(system, "stop", unitFileName)

	if err := systemctlFunc(system, "disable", unitFileName); err != nil {
		return err
	}

	unitPath, err := UnitPath(system)
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	fmt.Printf("Removed %s\n", unitPath)

	return systemctlFunc(system, "daemon-reload")
}

// Status prints systemctl status for the service. An inactive service is
// not an error.
func Status(system bool) {
	cmd := exec.Command("systemctl", scopeArgs(system, "status", unitFileName)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Run() //nolint:errcheck
}

// systemctlFunc runs systemctl. Replaced in tests.
var systemctlFunc = func(system bool, args ...string) error {
	cmd := exec.Command("systemctl", scopeArgs(system, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", args[0], err)
	}
	return nil
}

// executableFunc resolves the path of the running binary.
var executableFunc = func() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(self)
}

func scopeArgs(system bool, args ...string) []string {
	if system {
		return args
	}
	return append([]string{"--user"}, args...)
}

// Package procutil describes local processes from /proc. The API server uses
// it to name the client behind a Unix socket connection in audit records.
package procutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procRoot is the mount point of procfs. Tests point it at a fake tree.
var procRoot = "/proc"

var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "csh": true, "tcsh": true, "ksh": true,
}

// Process is what /proc tells about one process.
type Process struct {
	PID  int32
	Comm string
	// Unit is the systemd unit (service or scope) the process runs in.
	Unit string
}

func (p Process) String() string {
	return fmt.Sprintf("%s[%d]", p.Comm, p.PID)
}

// Peer describes a connecting process and the program that started it.
// When a client is run from a shell, Invoker is the first non-shell
// ancestor (a terminal or an editor), otherwise it equals Process.
type Peer struct {
	Process
	Invoker Process
}

// String renders the peer as "comm[pid]", adding the invoker and unit
// when they add information.
func (p Peer) String() string {
	var b strings.Builder
	b.WriteString(p.Process.String())
	if p.Invoker.PID != p.PID {
		b.WriteString(" via ")
		b.WriteString(p.Invoker.String())
	}
	if p.Unit != "" {
		fmt.Fprintf(&b, " (%s)", p.Unit)
	}
	return b.String()
}

// Describe reads pid and its ancestry. ok is false when the process is
// gone or /proc is unreadable.
func Describe(pid int32) (peer Peer, ok bool) {
	proc, ok := readProcess(pid)
	if !ok {
		return Peer{}, false
	}
	peer = Peer{Process: proc, Invoker: proc}
	if !shells[proc.Comm] {
		return peer, true
	}

	for p := readPPID(pid); p > 1; p = readPPID(p) {
		parent, ok := readProcess(p)
		if !ok {
			break
		}
		if !shells[parent.Comm] {
			peer.Invoker = parent
			break
		}
	}
	return peer, true
}

func readProcess(pid int32) (Process, bool) {
	comm := readComm(pid)
	if comm == "" {
		return Process{}, false
	}
	return Process{PID: pid, Comm: comm, Unit: readUnit(pid)}, true
}

func procFile(pid int32, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(procRoot, strconv.Itoa(int(pid)), name))
}

func readComm(pid int32) string {
	if pid <= 0 {
		return ""
	}
	data, err := procFile(pid, "comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readPPID returns 0 when the parent is unknown.
func readPPID(pid int32) int32 {
	data, err := procFile(pid, "stat")
	if err != nil {
		return 0
	}
	// "pid (comm) state ppid ...", where comm may contain spaces and parens.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return 0
	}
	fields := strings.Fields(s[i+2:])
	if len(fields) < 2 {
		return 0
	}
	ppid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return 0
	}
	return int32(ppid)
}

// readUnit extracts the innermost .service or .scope from the unified
// cgroup hierarchy line ("0::/user.slice/.../app-foot.scope").
func readUnit(pid int32) string {
	data, err := procFile(pid, "cgroup")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		path, ok := strings.CutPrefix(line, "0::")
		if !ok {
			continue
		}
		parts := strings.Split(strings.Trim(path, "/"), "/")
		for i := len(parts) - 1; i >= 0; i-- {
			if strings.HasSuffix(parts[i], ".service") || strings.HasSuffix(parts[i], ".scope") {
				return parts[i]
			}
		}
	}
	return ""
}

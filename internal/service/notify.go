package service

import (
	"log/slog"
	"net"
	"os"
	"strings"
)

// Notify sends sd_notify states such as "READY=1" or "STATUS=..." to the
// socket in $NOTIFY_SOCKET as one datagram. It reports whether the message
// was sent; outside systemd there is nothing to send to.
func Notify(states ...string) bool {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" || len(states) == 0 {
		return false
	}
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		slog.Warn("sd_notify unavailable", "socket", addr, "error", err)
		return false
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(strings.Join(states, "\n"))); err != nil {
		slog.Warn("sd_notify failed", "error", err)
		return false
	}
	return true
}

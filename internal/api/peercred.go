package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/sys/unix"

	"github.com/nikicat/connman-dispatcher/internal/procutil"
)

type peerCredKey struct{}

// connContext stores the peer credentials of a Unix socket connection in
// its base context. They are read once, at accept.
func connContext(ctx context.Context, c net.Conn) context.Context {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return ctx
	}
	cred, err := readPeerCred(uc)
	if err != nil {
		slog.Debug("no peer credentials", "error", err)
		return ctx
	}
	return context.WithValue(ctx, peerCredKey{}, cred)
}

func readPeerCred(uc *net.UnixConn) (*unix.Ucred, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return cred, nil
}

func peerCred(ctx context.Context) (*unix.Ucred, bool) {
	cred, ok := ctx.Value(peerCredKey{}).(*unix.Ucred)
	return cred, ok
}

// peerLabel names the process on the other end of the request. Empty when
// the request did not come over a Unix socket.
func peerLabel(ctx context.Context) string {
	cred, ok := peerCred(ctx)
	if !ok {
		return ""
	}
	peer, ok := procutil.Describe(cred.Pid)
	if !ok {
		return fmt.Sprintf("pid %d", cred.Pid)
	}
	return peer.String()
}

// requireUID rejects requests whose peer does not run as uid. Requests that
// did not arrive over a Unix socket are rejected too.
func requireUID(uid uint32, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cred, ok := peerCred(r.Context())
		switch {
		case !ok:
			slog.Warn("rejecting API request without peer credentials", "path", r.URL.Path)
		case cred.Uid != uid:
			slog.Warn("rejecting API request from foreign user", "path", r.URL.Path, "uid", cred.Uid, "pid", cred.Pid)
		default:
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, "forbidden", http.StatusForbidden)
	})
}

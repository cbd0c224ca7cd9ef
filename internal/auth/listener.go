package auth

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/halcyonix/authswitch/internal/config"
	"github.com/halcyonix/authswitch/internal/logger"
	"go.uber.org/zap"
)

const (
	// maxHeaderBytes caps the per-request read buffer so a misbehaving
	// client cannot grow memory without bound.
	maxHeaderBytes = 16 * 1024

	// connReadTimeout bounds how long a single connection may dribble
	// bytes before it is dropped.
	connReadTimeout = 10 * time.Second
)

// callbackResult is the single outcome a listener delivers: either the
// authorization code or a terminal error.
type callbackResult struct {
	code string
	err  error
}

// callbackListener accepts the issuer's redirect on a loopback port. It
// speaks just enough HTTP to read a request head, inspect the request line's
// query parameters, and reply with a static page. At most one result is ever
// delivered, and the socket is released before that result is signalled.
type callbackListener struct {
	ln            net.Listener
	port          int
	path          string
	expectedState string

	results     chan callbackResult
	closeOnce   sync.Once
	resolveOnce sync.Once
}

// startCallbackListener binds the first available candidate port and starts
// accepting connections. Exhausting all candidates is a port_unavailable
// failure.
func startCallbackListener(cfg *config.OAuthConfig, expectedState string) (*callbackListener, error) {
	for _, port := range cfg.Ports() {
		ln, err := bindPort(port, cfg.BindTimeout)
		if err != nil {
			logger.Debug("callback port unavailable", zap.Int("port", port), zap.Error(err))
			continue
		}

		l := &callbackListener{
			ln:            ln,
			port:          port,
			path:          cfg.CallbackPath,
			expectedState: expectedState,
			results:       make(chan callbackResult, 1),
		}
		go l.acceptLoop()

		logger.Debug("callback listener ready", zap.Int("port", port), zap.String("path", cfg.CallbackPath))
		return l, nil
	}

	return nil, flowErr(CodePortUnavailable, "no callback port available, tried %v", cfg.Ports())
}

type bindOutcome struct {
	ln  net.Listener
	err error
}

// bindPort binds a loopback listener, bounding the wait in case the OS
// stalls on socket setup.
func bindPort(port int, timeout time.Duration) (net.Listener, error) {
	ch := make(chan bindOutcome, 1)
	go func() {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		ch <- bindOutcome{ln: ln, err: err}
	}()

	select {
	case out := <-ch:
		return out.ln, out.err
	case <-time.After(timeout):
		// If the bind completes after the deadline, release it so the
		// port is not leaked.
		go func() {
			if out := <-ch; out.ln != nil {
				_ = out.ln.Close()
			}
		}()
		return nil, fmt.Errorf("binding port %d timed out after %s", port, timeout)
	}
}

// Port returns the port the listener actually bound, post fallback.
func (l *callbackListener) Port() int { return l.port }

// Results yields at most one callback outcome.
func (l *callbackListener) Results() <-chan callbackResult { return l.results }

// Close tears down the listening socket. Safe to call from any exit path,
// any number of times.
func (l *callbackListener) Close() {
	l.closeOnce.Do(func() {
		_ = l.ln.Close()
	})
}

// resolve delivers the outcome exactly once, after the socket is released,
// so no stale connection can alter a result that was already signalled.
func (l *callbackListener) resolve(res callbackResult) {
	l.Close()
	l.resolveOnce.Do(func() {
		l.results <- res
	})
}

func (l *callbackListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			// Listener closed; the flow owns the outcome from here.
			return
		}
		if done := l.handleConn(conn); done {
			return
		}
	}
}

// handleConn processes one connection. It returns true once a terminal
// outcome has been resolved and the listener torn down; false keeps the
// accept loop waiting for the true callback (browsers commonly probe with
// favicon.ico or an early request before the final redirect).
func (l *callbackListener) handleConn(conn net.Conn) bool {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(connReadTimeout))

	head, ok := readRequestHead(conn)
	if !ok {
		_, _ = conn.Write(httpResponse(400, errorPage))
		return false
	}

	target, err := parseRequestLine(head)
	if err != nil {
		logger.Debug("discarding malformed callback request", zap.Error(err))
		_, _ = conn.Write(httpResponse(400, errorPage))
		return false
	}

	u, err := url.ParseRequestURI(target)
	if err != nil {
		_, _ = conn.Write(httpResponse(400, errorPage))
		return false
	}
	if u.Path != l.path {
		_, _ = conn.Write(httpResponse(404, ""))
		return false
	}

	query := u.Query()

	if issuerErr := query.Get("error"); issuerErr != "" {
		_, _ = conn.Write(httpResponse(400, errorPage))
		l.resolve(callbackResult{err: flowErr(CodeIssuerError, "%s", issuerErr)})
		return true
	}

	state := query.Get("state")
	if state == "" || state != l.expectedState {
		// Unknown state is a potential CSRF or a stale tab. Reject this
		// request but keep the attempt pending; the genuine redirect may
		// still arrive.
		logger.Warn("callback state does not match pending attempt", zap.Int("port", l.port))
		_, _ = conn.Write(httpResponse(400, errorPage))
		return false
	}

	code := query.Get("code")
	if code == "" {
		// Valid state but no code yet: the browser probed before the
		// final redirect.
		_, _ = conn.Write(httpResponse(200, waitingPage))
		return false
	}

	_, _ = conn.Write(httpResponse(200, successPage))
	l.resolve(callbackResult{code: code})
	return true
}

// readRequestHead accumulates bytes until the header terminator is seen.
// A connection that closes, times out, or exceeds maxHeaderBytes before the
// terminator is a parse failure; a truncated request is never treated as
// complete.
func readRequestHead(conn net.Conn) ([]byte, bool) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 512)

	for len(buf) < maxHeaderBytes {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
				return buf[:i], true
			}
		}
		if err != nil {
			return nil, false
		}
	}
	return nil, false
}

// parseRequestLine extracts the request target from "METHOD PATH HTTP/x".
// Only the request line is consumed; no other headers are required.
func parseRequestLine(head []byte) (string, error) {
	line := string(head)
	if i := strings.Index(line, "\r\n"); i >= 0 {
		line = line[:i]
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return "", fmt.Errorf("malformed request line %q", line)
	}
	if fields[0] != "GET" {
		return "", fmt.Errorf("unexpected method %q", fields[0])
	}
	return fields[1], nil
}

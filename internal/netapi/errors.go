package netapi

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectivity marks transport-level failures: unreachable server,
	// timeouts, dropped connections. Triggers the reconnection controller.
	ErrConnectivity = errors.New("connectivity failure")
	// ErrProtocol marks a server rejection of an otherwise well-formed
	// intent, such as a stale challenge. State is left unchanged.
	ErrProtocol = errors.New("protocol rejection")
	// ErrFatalNotice marks an explicit server shutdown notice. Forces a full
	// teardown to the idle state.
	ErrFatalNotice = errors.New("fatal server notice")
	// ErrLocalStorage marks unavailable local persistence. Never fatal; the
	// caller degrades to in-memory state.
	ErrLocalStorage = errors.New("local storage unavailable")
)

// Connectivityf wraps a transport failure with context.
func Connectivityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConnectivity, fmt.Sprintf(format, args...))
}

// Protocolf wraps a server rejection with context.
func Protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

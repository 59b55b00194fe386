// Package vsock thinly wraps github.com/mdlayher/vsock so the rest of the
// worker package depends on an internal net.Listener/net.Conn surface
// rather than the upstream package directly, matching how the reference
// codebase isolates its other transport-specific dependencies behind a
// pkg/ shim.
package vsock

import (
	"fmt"
	"net"

	mvsock "github.com/mdlayher/vsock"
)

// Listen binds a vsock listener on the given port for guest connections.
// Used as the alternate transport for VM-sandboxed plugin execution;
// subprocess-sandboxed execution uses a Unix domain socket instead (see
// listenForGuest in internal/executor).
func Listen(port uint32) (net.Listener, error) {
	l, err := mvsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock: listen on port %d: %w", port, err)
	}
	return l, nil
}

// Dial connects to a vsock listener at cid:port, used by a host process
// reaching into a guest VM (the reverse direction of Listen, for
// control-plane calls that originate host-side).
func Dial(cid, port uint32) (net.Conn, error) {
	c, err := mvsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock: dial %d:%d: %w", cid, port, err)
	}
	return c, nil
}

// ContextID returns this machine's vsock context id, used by a guest to
// learn how a host should address it back.
func ContextID() (uint32, error) {
	id, err := mvsock.ContextID()
	if err != nil {
		return 0, fmt.Errorf("vsock: context id: %w", err)
	}
	return id, nil
}

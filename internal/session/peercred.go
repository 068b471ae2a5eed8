package session

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerUID reads the connecting process's real uid off a Unix-domain socket
// via SO_PEERCRED, grounded on the pack's use of golang.org/x/sys for raw
// syscall access (Tutu-Engine-tutuengine). rpcserver calls this once per
// accepted connection before handing it to Registry.Create.
func PeerUID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("session: syscall conn: %w", err)
	}
	var ucred *unix.Ucred
	var getErr error
	err = raw.Control(func(fd uintptr) {
		ucred, getErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, fmt.Errorf("session: control: %w", err)
	}
	if getErr != nil {
		return 0, fmt.Errorf("session: SO_PEERCRED: %w", getErr)
	}
	return ucred.Uid, nil
}

//go:build linux

/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package inboundrouter

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/freegle/inboundrouter/framework/log"
)

type SDStatus string

const (
	SDReady     SDStatus = "READY=1"
	SDReloading SDStatus = "RELOADING=1"
	SDStopping  SDStatus = "STOPPING=1"
)

func sdNotify(payload string) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}

	sock, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		log.Println("systemd: failed to acquire notify socket:", err)
		return
	}
	defer sock.Close()

	if raw, err := sock.SyscallConn(); err == nil {
		raw.Control(func(fd uintptr) {
			syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_PASSCRED, 1)
		})
	}

	if _, err := sock.Write([]byte(payload)); err != nil {
		log.Println("systemd: I/O error:", err)
		return
	}
	log.Debugf("systemd: %q", payload)
}

func systemdStatus(status SDStatus, desc string) {
	if desc == "" {
		sdNotify(string(status))
		return
	}
	sdNotify(fmt.Sprintf("%s\nSTATUS=%s", status, desc))
}

func systemdStatusErr(reportedErr error) {
	var errno syscall.Errno
	if errors.As(reportedErr, &errno) {
		sdNotify(fmt.Sprintf("ERRNO=%d\nSTATUS=%v", errno, reportedErr))
		return
	}
	sdNotify(fmt.Sprintf("STATUS=%v", reportedErr))
}

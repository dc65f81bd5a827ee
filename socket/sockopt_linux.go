//go:build linux

package socket

import (
	"net"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// IPTOS_LOWDELAY
const lowDelayTOS = 0x10

var platformCaps = Capabilities{
	BindToDevice: true,
	PMTUDiscover: true,
	SourceBind:   true,
}

func sockoptInt(c syscall.RawConn, level, opt, value int) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), level, opt, value)
	}); err != nil {
		return err
	}
	return serr
}

func setReuseAddr(network, address string, c syscall.RawConn) error {
	return sockoptInt(c, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setIPv6Only(network, address string, c syscall.RawConn) error {
	if !strings.HasSuffix(network, "6") {
		return nil
	}
	return sockoptInt(c, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
}

func setBindToDevice(c syscall.RawConn, iface string) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.BindToDevice(int(fd), iface)
	}); err != nil {
		return err
	}
	return serr
}

func setRcvBuf(c syscall.RawConn, size int) error {
	return sockoptInt(c, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}

func setSndBuf(c syscall.RawConn, size int) error {
	return sockoptInt(c, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

func setPMTUDiscover(network, address string, c syscall.RawConn) error {
	if strings.HasSuffix(network, "6") {
		return sockoptInt(c, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO)
	}
	return sockoptInt(c, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO)
}

func setLowDelay(network, address string, c syscall.RawConn) error {
	if err := sockoptInt(c, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}
	if strings.HasSuffix(network, "6") {
		return sockoptInt(c, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, lowDelayTOS)
	}
	return sockoptInt(c, unix.IPPROTO_IP, unix.IP_TOS, lowDelayTOS)
}

// bindFirst binds the socket to the first address in ips that the
// kernel accepts, in order.
func bindFirst(c syscall.RawConn, ips []net.IP) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		for _, ip := range ips {
			var sa unix.Sockaddr
			if ip4 := ip.To4(); ip4 != nil {
				a := &unix.SockaddrInet4{}
				copy(a.Addr[:], ip4)
				sa = a
			} else {
				a := &unix.SockaddrInet6{}
				copy(a.Addr[:], ip.To16())
				sa = a
			}
			if serr = unix.Bind(int(fd), sa); serr == nil {
				return
			}
		}
	}); err != nil {
		return err
	}
	return serr
}

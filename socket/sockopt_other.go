//go:build !linux

package socket

import (
	"errors"
	"net"
	"syscall"
)

var errUnsupported = errors.New("not supported on this platform")

var platformCaps = Capabilities{}

func setReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}

func setIPv6Only(network, address string, c syscall.RawConn) error {
	return nil
}

func setBindToDevice(c syscall.RawConn, iface string) error {
	return errUnsupported
}

func setRcvBuf(c syscall.RawConn, size int) error {
	return errUnsupported
}

func setSndBuf(c syscall.RawConn, size int) error {
	return errUnsupported
}

func setPMTUDiscover(network, address string, c syscall.RawConn) error {
	return nil
}

func setLowDelay(network, address string, c syscall.RawConn) error {
	return nil
}

func bindFirst(c syscall.RawConn, ips []net.IP) error {
	return errUnsupported
}

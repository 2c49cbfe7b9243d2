package session

import (
	"fmt"
	"net"
)

// maxBindAttempts bounds the port-search retry loop so a misconfigured
// firewall can't spin the manager forever.
const maxBindAttempts = 50

// bindPorts implements spec.md §6's local port selection: starting at
// base, bind three consecutive UDP ports (data, control, timing), trying
// IPv6 first and falling back to IPv4 on socket-creation failure, and
// retrying with port += 3 whenever any of the three fails to bind.
//
// The reference's bind loop famously works only because the success
// branch's break statement fires before an inverted-polarity check can
// do the wrong thing (spec.md §9); this implementation reports bind
// failure unambiguously through Go's error return and leaves no such
// footgun to preserve.
func bindPorts(base int) (data, control, timing *net.UDPConn, dataPort, controlPort, timingPort int, err error) {
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		port := base + attempt*3

		data, dataPort, err = bindOne(port)
		if err != nil {
			continue
		}
		control, controlPort, err = bindOne(port + 1)
		if err != nil {
			data.Close()
			continue
		}
		timing, timingPort, err = bindOne(port + 2)
		if err != nil {
			data.Close()
			control.Close()
			continue
		}
		return data, control, timing, dataPort, controlPort, timingPort, nil
	}
	return nil, nil, nil, 0, 0, 0, fmt.Errorf("session: no bindable port triplet found starting at %d after %d attempts: %w", base, maxBindAttempts, err)
}

// bindOne binds a single UDP port, preferring IPv6 ("udp6") and falling
// back to IPv4 ("udp4") if IPv6 socket creation fails (no IPv6 stack, or
// disabled).
func bindOne(port int) (*net.UDPConn, int, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero, Port: port})
	if err == nil {
		return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
	}

	conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, 0, fmt.Errorf("binding port %d: %w", port, err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).Port, nil
}

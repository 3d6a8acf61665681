// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package nat maps local ports on Internet gateways and finds the external
// address of the host, using UPnP IGD, NAT-PMP or STUN.
package nat

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Interface is a port mapping mechanism.
type Interface interface {
	// AddMapping forwards extport on the gateway to intport on this host
	// for the given lifetime. protocol is "tcp" or "udp" in any case. The
	// returned port is the one actually mapped, which may differ from
	// extport when the gateway picks another.
	AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) (uint16, error)
	DeleteMapping(protocol string, extport, intport int) error

	// ExternalIP returns the Internet-facing address of the gateway.
	ExternalIP() (net.IP, error)

	// String names the mechanism in logs.
	String() string
}

const (
	// DefaultMapLifetime is the lifetime requested for each mapping.
	DefaultMapLifetime = 20 * time.Minute

	// DefaultMapRefresh is the renewal period. Half the lifetime leaves room
	// for one failed renewal.
	DefaultMapRefresh = DefaultMapLifetime / 2
)

// Parse reads a mechanism from its command line form. Names are case
// insensitive.
//
//	"", "none", "off"      no mechanism, returns nil
//	"any", "auto", "on"    whichever of UPnP and NAT-PMP answers first
//	"extip:<ip>"           the host is reachable at ip, ports are mapped by hand
//	"upnp"                 UPnP IGD
//	"pmp", "pmp:<gateway>" NAT-PMP, optionally with a fixed gateway
//	"stun", "stun:<addr>"  external IP from a STUN server
func Parse(spec string) (Interface, error) {
	name, arg, hasArg := strings.Cut(spec, ":")
	name = strings.ToLower(name)

	switch name {
	case "", "none", "off":
		return nil, nil
	case "any", "auto", "on":
		return Any(), nil
	case "upnp":
		return UPnP(), nil
	case "stun":
		return newSTUN(arg)
	}

	var ip net.IP
	if hasArg {
		if ip = net.ParseIP(arg); ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", arg)
		}
	}
	switch name {
	case "extip", "ip":
		if ip == nil {
			return nil, errors.New("missing IP address")
		}
		return ExtIP(ip), nil
	case "pmp", "natpmp", "nat-pmp":
		return PMP(ip), nil
	}
	return nil, fmt.Errorf("unknown NAT mechanism %q", name)
}

// Map maps extport to intport on m and renews the mapping until c is closed,
// then deletes it. It blocks, so callers run it in a goroutine.
func Map(m Interface, c <-chan struct{}, protocol string, extport, intport int, name string) {
	keepMapped(m, c, protocol, extport, intport, name, DefaultMapRefresh)
}

func keepMapped(m Interface, c <-chan struct{}, protocol string, extport, intport int, name string, every time.Duration) {
	logger := log.New("proto", protocol, "extport", extport, "intport", intport, "interface", m)
	add := func() error {
		_, err := m.AddMapping(protocol, extport, intport, name, DefaultMapLifetime)
		if err != nil {
			logger.Debug("Couldn't add port mapping", "err", err)
		}
		return err
	}
	if add() == nil {
		logger.Info("Mapped network port")
	}

	renew := time.NewTicker(every)
	defer renew.Stop()
	for {
		select {
		case <-c:
			logger.Debug("Deleting port mapping")
			m.DeleteMapping(protocol, extport, intport)
			return
		case <-renew.C:
			logger.Trace("Refreshing port mapping")
			add()
		}
	}
}

// ExtIP is a manually configured external address. Mapping calls succeed
// without doing anything.
type ExtIP net.IP

func (n ExtIP) ExternalIP() (net.IP, error) { return net.IP(n), nil }
func (n ExtIP) String() string              { return fmt.Sprintf("ExtIP(%v)", net.IP(n)) }

func (ExtIP) AddMapping(_ string, extport, _ int, _ string, _ time.Duration) (uint16, error) {
	return uint16(extport), nil
}

func (ExtIP) DeleteMapping(string, int, int) error { return nil }

// Any returns a mechanism that uses whichever of UPnP and NAT-PMP is found
// first on the local network.
func Any() Interface {
	return newLazy("UPnP or NAT-PMP", func() Interface {
		return firstFound(discoverUPnP, discoverPMP)
	})
}

// UPnP returns a mechanism that finds an IGD on the local network.
func UPnP() Interface {
	return newLazy("UPnP", discoverUPnP)
}

// PMP returns a NAT-PMP mechanism. With a nil gateway it tries the likely
// gateway addresses of all private networks the host is on.
func PMP(gateway net.IP) Interface {
	if gateway == nil {
		return newLazy("NAT-PMP", discoverPMP)
	}
	return &pmp{gw: gateway, c: newPMPClient(gateway)}
}

// firstFound runs all discovery functions concurrently and returns the first
// non-nil result.
func firstFound(discover ...func() Interface) Interface {
	results := make(chan Interface, len(discover))
	for _, fn := range discover {
		go func() { results <- fn() }()
	}
	for range discover {
		if n := <-results; n != nil {
			return n
		}
	}
	return nil
}

// lazyNAT defers gateway discovery until a method is first called, so the
// constructors above return immediately. Concurrent callers share one
// discovery run.
type lazyNAT struct {
	what    string
	resolve func() Interface
	found   atomic.Pointer[Interface]
}

func newLazy(what string, discover func() Interface) *lazyNAT {
	l := &lazyNAT{what: what}
	l.resolve = sync.OnceValue(func() Interface {
		n := discover()
		if n != nil {
			l.found.Store(&n)
		}
		return n
	})
	return l
}

func (l *lazyNAT) get() (Interface, error) {
	if n := l.resolve(); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("no %s router discovered", l.what)
}

func (l *lazyNAT) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) (uint16, error) {
	n, err := l.get()
	if err != nil {
		return 0, err
	}
	return n.AddMapping(protocol, extport, intport, name, lifetime)
}

func (l *lazyNAT) DeleteMapping(protocol string, extport, intport int) error {
	n, err := l.get()
	if err != nil {
		return err
	}
	return n.DeleteMapping(protocol, extport, intport)
}

func (l *lazyNAT) ExternalIP() (net.IP, error) {
	n, err := l.get()
	if err != nil {
		return nil, err
	}
	return n.ExternalIP()
}

// String names the discovered mechanism, or what is being looked for while
// discovery has not finished.
func (l *lazyNAT) String() string {
	if n := l.found.Load(); n != nil {
		return (*n).String()
	}
	return l.what
}

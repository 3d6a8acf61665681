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

package nat

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// pmpDiscoveryTimeout bounds the wait for any gateway to answer.
const pmpDiscoveryTimeout = time.Second

// pmpClient is the part of the go-nat-pmp client used here.
type pmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// pmp maps ports through a NAT-PMP gateway.
type pmp struct {
	gw net.IP
	c  pmpClient
}

func newPMPClient(gw net.IP) pmpClient {
	return natpmp.NewClient(gw)
}

func (n *pmp) String() string {
	return fmt.Sprintf("NAT-PMP(%v)", n.gw)
}

func (n *pmp) ExternalIP() (net.IP, error) {
	res, err := n.c.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	ip := res.ExternalIPAddress
	return net.IP(ip[:]), nil
}

func (n *pmp) AddMapping(protocol string, extport, intport int, _ string, lifetime time.Duration) (uint16, error) {
	if lifetime <= 0 {
		return 0, errors.New("NAT-PMP mapping needs a positive lifetime")
	}
	// The client takes the internal port first.
	res, err := n.c.AddPortMapping(strings.ToLower(protocol), intport, extport, int(lifetime.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.MappedExternalPort, nil
}

// DeleteMapping requests a mapping of intport with external port and
// lifetime zero, which the protocol defines as removal.
func (n *pmp) DeleteMapping(protocol string, _, intport int) error {
	_, err := n.c.AddPortMapping(strings.ToLower(protocol), intport, 0, 0)
	return err
}

// discoverPMP asks every likely gateway for its external address and keeps
// the first that answers within pmpDiscoveryTimeout.
func discoverPMP() Interface {
	gws := likelyGateways()
	answers := make(chan *pmp, len(gws))
	for _, gw := range gws {
		go func() {
			c := newPMPClient(gw)
			if _, err := c.GetExternalAddress(); err != nil {
				answers <- nil
				return
			}
			answers <- &pmp{gw: gw, c: c}
		}()
	}
	deadline := time.NewTimer(pmpDiscoveryTimeout)
	defer deadline.Stop()
	for range gws {
		select {
		case n := <-answers:
			if n != nil {
				return n
			}
		case <-deadline.C:
			return nil
		}
	}
	return nil
}

// likelyGateways guesses x.x.x.1 in every private IPv4 network of the host.
// Most home routers use that address.
func likelyGateways() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var gws []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || !ipnet.IP.IsPrivate() {
			continue
		}
		if gw := ipnet.IP.Mask(ipnet.Mask).To4(); gw != nil {
			gw[3] |= 1
			gws = append(gws, gw)
		}
	}
	return gws
}

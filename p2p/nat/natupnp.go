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
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

const (
	soapRequestTimeout = 3 * time.Second
	upnpRequestGap     = 200 * time.Millisecond // between SOAP calls to one device
	upnpAttempts       = 3

	// Random external ports are drawn from [minRandomPort, 65535).
	minRandomPort = 10000
)

// upnpClient is the method set shared by the IGD connection services.
type upnpClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(string, uint16, string, uint16, string, bool, string, uint32) error
	DeletePortMapping(string, uint16, string) error
	GetNATRSIPStatus() (sip bool, nat bool, err error)
}

// anyPortMapper is implemented by IGDv2 WANIPConnection2, which can let the
// gateway choose the external port.
type anyPortMapper interface {
	AddAnyPortMapping(string, uint16, string, uint16, string, bool, string, uint32) (uint16, error)
}

// upnp maps ports through one connection service of an IGD.
type upnp struct {
	dev     *goupnp.RootDevice
	service string
	client  upnpClient

	mu      sync.Mutex // serializes requests
	lastReq time.Time
	rng     *rand.Rand
}

func (n *upnp) String() string {
	return "UPNP " + n.service
}

// call runs req with a minimum gap since the previous request, retrying on
// failure. Gateways tend to drop bursts of SOAP calls.
func (n *upnp) call(req func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if wait := upnpRequestGap - time.Since(n.lastReq); wait > 0 {
		time.Sleep(wait)
	}
	defer func() { n.lastReq = time.Now() }()

	var err error
	for attempt := 1; attempt <= upnpAttempts; attempt++ {
		if err = req(); err == nil {
			return nil
		}
		log.Trace("UPnP request failed", "attempt", attempt, "err", err)
	}
	return err
}

func (n *upnp) natEnabled() bool {
	var enabled bool
	err := n.call(func() (err error) {
		_, enabled, err = n.client.GetNATRSIPStatus()
		return err
	})
	return err == nil && enabled
}

func (n *upnp) ExternalIP() (net.IP, error) {
	var s string
	err := n.call(func() (err error) {
		s, err = n.client.GetExternalIPAddress()
		return err
	})
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("gateway returned bad IP %q", s)
	}
	return ip, nil
}

// AddMapping asks for extport first. If the gateway refuses, it takes any
// port the gateway offers, or a random one on IGDv1.
func (n *upnp) AddMapping(protocol string, extport, intport int, desc string, lifetime time.Duration) (uint16, error) {
	local, err := n.localAddr()
	if err != nil {
		return 0, err
	}
	protocol = strings.ToUpper(protocol)
	secs := uint32(lifetime.Seconds())

	if extport == 0 {
		extport = intport
	} else {
		// A mapping from an earlier run would make the add fail.
		n.DeleteMapping(protocol, extport, intport)
	}
	add := func(port uint16) error {
		return n.client.AddPortMapping("", port, protocol, uint16(intport), local.String(), true, desc, secs)
	}
	if err := n.call(func() error { return add(uint16(extport)) }); err == nil {
		return uint16(extport), nil
	}

	var mapped uint16
	err = n.call(func() (err error) {
		if c, ok := n.client.(anyPortMapper); ok {
			mapped, err = c.AddAnyPortMapping("", uint16(extport), protocol, uint16(intport), local.String(), true, desc, secs)
			return err
		}
		mapped = n.randomPort()
		return add(mapped)
	})
	return mapped, err
}

func (n *upnp) DeleteMapping(protocol string, extport, _ int) error {
	return n.call(func() error {
		return n.client.DeletePortMapping("", uint16(extport), strings.ToUpper(protocol))
	})
}

func (n *upnp) randomPort() uint16 {
	if n.rng == nil {
		n.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return uint16(minRandomPort + n.rng.Intn(1<<16-1-minRandomPort))
}

// localAddr finds the address of this host on the gateway's subnet, which is
// the target of the mapping.
func (n *upnp) localAddr() (net.IP, error) {
	gw, err := net.ResolveUDPAddr("udp4", n.dev.URLBase.Host)
	if err != nil {
		return nil, err
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.Contains(gw.IP) {
			return ipnet.IP, nil
		}
	}
	return nil, fmt.Errorf("no local address in the subnet of gateway %v", gw)
}

// igdService binds a UPnP service type to a client constructor.
type igdService struct {
	name   string
	client func(goupnp.ServiceClient) upnpClient
}

// igdDevices lists the device types searched for and the connection services
// each may offer.
var igdDevices = []struct {
	urn      string
	services map[string]igdService
}{
	{internetgateway1.URN_WANConnectionDevice_1, map[string]igdService{
		internetgateway1.URN_WANIPConnection_1: {"IGDv1-IP1", func(sc goupnp.ServiceClient) upnpClient {
			return &internetgateway1.WANIPConnection1{ServiceClient: sc}
		}},
		internetgateway1.URN_WANPPPConnection_1: {"IGDv1-PPP1", func(sc goupnp.ServiceClient) upnpClient {
			return &internetgateway1.WANPPPConnection1{ServiceClient: sc}
		}},
	}},
	{internetgateway2.URN_WANConnectionDevice_2, map[string]igdService{
		internetgateway2.URN_WANIPConnection_1: {"IGDv2-IP1", func(sc goupnp.ServiceClient) upnpClient {
			return &internetgateway2.WANIPConnection1{ServiceClient: sc}
		}},
		internetgateway2.URN_WANIPConnection_2: {"IGDv2-IP2", func(sc goupnp.ServiceClient) upnpClient {
			return &internetgateway2.WANIPConnection2{ServiceClient: sc}
		}},
		internetgateway2.URN_WANPPPConnection_1: {"IGDv2-PPP1", func(sc goupnp.ServiceClient) upnpClient {
			return &internetgateway2.WANPPPConnection1{ServiceClient: sc}
		}},
	}},
}

// discoverUPnP searches for IGDv1 and IGDv2 devices in parallel and returns
// the first connection service with NAT enabled.
func discoverUPnP() Interface {
	searches := make([]func() Interface, len(igdDevices))
	for i, d := range igdDevices {
		searches[i] = func() Interface {
			if n := findIGD(d.urn, d.services); n != nil {
				return n
			}
			return nil
		}
	}
	return firstFound(searches...)
}

// findIGD visits the services of all devices answering to urn.
func findIGD(urn string, services map[string]igdService) *upnp {
	devs, err := goupnp.DiscoverDevices(urn)
	if err != nil {
		log.Trace("UPnP discovery failed", "urn", urn, "err", err)
		return nil
	}
	for _, dev := range devs {
		if dev.Root == nil {
			continue
		}
		var found *upnp
		dev.Root.Device.VisitServices(func(s *goupnp.Service) {
			svc, ok := services[s.ServiceType]
			if found != nil || !ok {
				return
			}
			sc := goupnp.ServiceClient{
				SOAPClient: s.NewSOAPClient(),
				RootDevice: dev.Root,
				Location:   dev.Location,
				Service:    s,
			}
			sc.SOAPClient.HTTPClient.Timeout = soapRequestTimeout
			n := &upnp{dev: dev.Root, service: svc.name, client: svc.client(sc)}
			if n.natEnabled() {
				found = n
			}
		})
		if found != nil {
			return found
		}
	}
	return nil
}

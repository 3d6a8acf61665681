// Copyright 2024 The go-ethereum Authors
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
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	stunV2 "github.com/pion/stun"
)

// stunDefaultServers are the public servers asked when none is configured.
var stunDefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
	"stun.nextcloud.com:443",
	"stun.stunprotocol.org:3478",
}

// requestLimit is the number of servers tried per ExternalIP call.
const requestLimit = 3

var errSTUNFailed = errors.New("STUN requests failed")

// stun only learns the external address. Mapping calls are no-ops, so it
// suits hosts behind a NAT that forwards ports already.
type stun struct {
	serverList []string
}

func newSTUN(server string) (Interface, error) {
	if server == "" || server == "default" {
		return &stun{serverList: stunDefaultServers}, nil
	}
	if _, err := net.ResolveUDPAddr("udp4", server); err != nil {
		return nil, err
	}
	return &stun{serverList: []string{server}}, nil
}

func (s *stun) String() string {
	if len(s.serverList) == 1 {
		return "stun:" + s.serverList[0]
	}
	return "stun"
}

func (*stun) AddMapping(_ string, extport, _ int, _ string, _ time.Duration) (uint16, error) {
	return uint16(extport), nil
}

func (*stun) DeleteMapping(string, int, int) error { return nil }

// ExternalIP asks up to requestLimit distinct servers in random order and
// returns the first answer.
func (s *stun) ExternalIP() (net.IP, error) {
	for _, server := range s.randomServers(requestLimit) {
		ip, err := bindingRequest(server)
		if err == nil {
			return ip, nil
		}
		log.Debug("STUN request failed", "server", server, "err", err)
	}
	return nil, errSTUNFailed
}

func (s *stun) randomServers(n int) []string {
	order := rand.Perm(len(s.serverList))[:min(n, len(s.serverList))]
	list := make([]string, len(order))
	for i, j := range order {
		list[i] = s.serverList[j]
	}
	return list
}

// bindingRequest sends a STUN binding request and returns the XOR-mapped
// address of the response. Servers given without a port use 3478.
func bindingRequest(server string) (net.IP, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, strconv.Itoa(stunV2.DefaultPort))
	}
	log.Trace("Sending STUN binding request", "server", server)
	conn, err := stunV2.Dial("udp4", server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req, err := stunV2.Build(stunV2.TransactionID, stunV2.BindingRequest)
	if err != nil {
		return nil, err
	}
	var (
		mapped  stunV2.XORMappedAddress
		respErr error
	)
	err = conn.Do(req, func(ev stunV2.Event) {
		if respErr = ev.Error; respErr == nil {
			respErr = mapped.GetFrom(ev.Message)
		}
	})
	if err == nil {
		err = respErr
	}
	if err != nil {
		return nil, fmt.Errorf("binding request to %s: %w", server, err)
	}
	log.Trace("STUN returned IP", "server", server, "ip", mapped.IP)
	return mapped.IP, nil
}

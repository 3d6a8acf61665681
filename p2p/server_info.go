// Copyright 2014 The go-ethereum Authors
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

package p2p

import (
	"cmp"
	"slices"
)

// NodeInfo is the JSON summary of the local node.
type NodeInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Enode      string         `json:"enode"`
	ENR        string         `json:"enr"`
	IP         string         `json:"ip"`
	Ports      NodePorts      `json:"ports"`
	ListenAddr string         `json:"listenAddr"`
	Protocols  map[string]any `json:"protocols"` // capability name to metadata
}

// NodePorts holds the ports announced in the local record.
type NodePorts struct {
	Discovery int `json:"discovery"` // UDP
	Listener  int `json:"listener"`  // TCP
}

// NodeInfo describes the local node and the capabilities it runs.
func (srv *Server) NodeInfo() *NodeInfo {
	self := srv.Self()
	info := &NodeInfo{
		ID:         self.ID().String(),
		Name:       srv.Name,
		Enode:      self.URLv4(),
		ENR:        self.String(),
		IP:         self.IP().String(),
		Ports:      NodePorts{Discovery: self.UDP(), Listener: self.TCP()},
		ListenAddr: srv.ListenAddr,
		Protocols:  make(map[string]any),
	}
	// Several versions of a capability report once, the first one wins.
	for _, proto := range srv.Protocols {
		if _, seen := info.Protocols[proto.Name]; seen {
			continue
		}
		var meta any = "unknown"
		if proto.NodeInfo != nil {
			meta = proto.NodeInfo()
		}
		info.Protocols[proto.Name] = meta
	}
	return info
}

// PeersInfo describes the active sessions, ordered by node ID.
func (srv *Server) PeersInfo() []*PeerInfo {
	peers := srv.Peers()
	infos := make([]*PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.Info())
	}
	slices.SortFunc(infos, func(a, b *PeerInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

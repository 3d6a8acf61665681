// Copyright 2019 The go-ethereum Authors
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

package discover

import (
	"net/netip"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	dirIngress = "ingress"
	dirEgress  = "egress"
)

type metricsSet struct {
	packets    *prometheus.CounterVec // by direction and packet name
	bytes      *prometheus.CounterVec // by direction
	dropped    *prometheus.CounterVec // by reason
	tableNodes prometheus.Gauge
}

var (
	metricsOnce sync.Once
	discMetrics *metricsSet
)

// metrics returns the discovery metrics, registering them with the default
// prometheus registry on first use.
func metrics() *metricsSet {
	metricsOnce.Do(func() {
		discMetrics = &metricsSet{
			packets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "devp2p",
				Subsystem: "discover",
				Name:      "packets_total",
				Help:      "Discovery packets by direction and type.",
			}, []string{"direction", "packet"}),
			bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "devp2p",
				Subsystem: "discover",
				Name:      "bytes_total",
				Help:      "Discovery traffic in bytes.",
			}, []string{"direction"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "devp2p",
				Subsystem: "discover",
				Name:      "dropped_packets_total",
				Help:      "Inbound packets dropped before handling.",
			}, []string{"reason"}),
			tableNodes: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "devp2p",
				Subsystem: "discover",
				Name:      "table_nodes",
				Help:      "Number of nodes in the routing table buckets.",
			}),
		}
		prometheus.MustRegister(discMetrics.packets, discMetrics.bytes, discMetrics.dropped, discMetrics.tableNodes)
	})
	return discMetrics
}

// meteredUDPConn counts the bytes passing through a UDPConn.
type meteredUDPConn struct {
	UDPConn
}

func newMeteredConn(conn UDPConn) UDPConn {
	return &meteredUDPConn{UDPConn: conn}
}

// ReadFromUDPAddrPort delegates a network read to the underlying connection, bumping the udp ingress traffic meter along the way.
func (c *meteredUDPConn) ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error) {
	n, addr, err = c.UDPConn.ReadFromUDPAddrPort(b)
	metrics().bytes.WithLabelValues(dirIngress).Add(float64(n))
	return n, addr, err
}

// WriteToUDPAddrPort delegates a network write to the underlying connection, bumping the udp egress traffic meter along the way.
func (c *meteredUDPConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (n int, err error) {
	n, err = c.UDPConn.WriteToUDPAddrPort(b, addr)
	metrics().bytes.WithLabelValues(dirEgress).Add(float64(n))
	return n, err
}

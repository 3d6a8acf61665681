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

// Contains the meters used by the session layer.

package p2p

import (
	"context"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricsNamespace = "devp2p"
	metricsSubsystem = "p2p"
)

type metricsSet struct {
	traffic      *prometheus.CounterVec // bytes by direction
	connects     *prometheus.CounterVec // new connections by direction
	sessions     *prometheus.GaugeVec   // open sessions by state
	handshakes   *prometheus.CounterVec // handshake outcomes
	dials        *prometheus.CounterVec // dial outcomes
	rejected     *prometheus.CounterVec // inbound connections dropped before handshake, by reason
	disconnects  *prometheus.CounterVec // session ends by reason
	bans         prometheus.Counter
	msgSize      *prometheus.HistogramVec
	peers        *prometheus.GaugeVec // active peers by direction
	otelBans     metric.Int64Counter
	otelSessions metric.Int64UpDownCounter
	otelHandshk  metric.Int64Counter
}

var (
	metricsOnce sync.Once
	p2pMetrics  *metricsSet
)

// metrics returns the session metrics. They are registered with the default
// prometheus registry and mirrored to the global OpenTelemetry meter provider,
// which is a no-op unless the application installs one.
func metrics() *metricsSet {
	metricsOnce.Do(func() {
		counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
			return prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      name,
				Help:      help,
			}, labels)
		}
		gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
			return prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      name,
				Help:      help,
			}, labels)
		}
		m := &metricsSet{
			traffic:     counterVec("traffic_bytes_total", "Session traffic in bytes.", "direction"),
			connects:    counterVec("connects_total", "Accepted and dialed TCP connections.", "direction"),
			sessions:    gaugeVec("sessions", "Open connections by lifecycle state.", "state"),
			handshakes:  counterVec("handshakes_total", "Handshake outcomes.", "direction", "result"),
			dials:       counterVec("dials_total", "Dial task outcomes.", "result"),
			rejected:    counterVec("inbound_rejected_total", "Inbound connections dropped before the handshake.", "reason"),
			disconnects: counterVec("disconnects_total", "Session ends by disconnect reason.", "reason"),
			peers:       gaugeVec("peers", "Active peers by direction.", "direction"),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "bans_total",
				Help:      "Nodes banned.",
			}),
			msgSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "message_wire_bytes",
				Help:      "Wire size of session messages.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 9),
			}, []string{"direction"}),
		}
		prometheus.MustRegister(m.traffic, m.connects, m.sessions, m.handshakes, m.dials,
			m.rejected, m.disconnects, m.peers, m.bans, m.msgSize)

		meter := otel.Meter("github.com/ethp2p/devp2p/p2p")
		m.otelBans, _ = meter.Int64Counter("devp2p.p2p.bans", metric.WithDescription("Nodes banned."))
		m.otelSessions, _ = meter.Int64UpDownCounter("devp2p.p2p.sessions", metric.WithDescription("Open connections by lifecycle state."))
		m.otelHandshk, _ = meter.Int64Counter("devp2p.p2p.handshakes", metric.WithDescription("Handshake outcomes."))
		p2pMetrics = m
	})
	return p2pMetrics
}

func connStateGauge(from, to SessionState) {
	m := metrics()
	ctx := context.Background()
	if from != StateDiscovered {
		m.sessions.WithLabelValues(from.String()).Dec()
		m.otelSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("state", from.String())))
	}
	if !to.terminal() {
		m.sessions.WithLabelValues(to.String()).Inc()
		m.otelSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to.String())))
	}
}

func banCounter() {
	m := metrics()
	m.bans.Inc()
	m.otelBans.Add(context.Background(), 1)
}

func handshakeCounter(inbound bool, err error) {
	dir, result := "outbound", "success"
	if inbound {
		dir = "inbound"
	}
	if err != nil {
		result = "failure"
	}
	m := metrics()
	m.handshakes.WithLabelValues(dir, result).Inc()
	m.otelHandshk.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("direction", dir),
		attribute.String("result", result),
	))
}

func dialCounter(result string) {
	metrics().dials.WithLabelValues(result).Inc()
}

func rejectCounter(err error) {
	metrics().rejected.WithLabelValues(err.Error()).Inc()
}

func disconnectCounter(reason DiscReason) {
	metrics().disconnects.WithLabelValues(reason.String()).Inc()
}

func peerGauge(inbound bool, delta float64) {
	dir := "outbound"
	if inbound {
		dir = "inbound"
	}
	metrics().peers.WithLabelValues(dir).Add(delta)
}

func observeMsgSize(direction string, size int) {
	metrics().msgSize.WithLabelValues(direction).Observe(float64(size))
}

// meteredConn is a wrapper around a net.Conn that meters both the
// inbound and outbound network traffic.
type meteredConn struct {
	net.Conn
}

// newMeteredConn creates a new metered connection, bumping the ingress or egress
// connection counter.
func newMeteredConn(conn net.Conn, ingress bool) net.Conn {
	if ingress {
		metrics().connects.WithLabelValues("ingress").Inc()
	} else {
		metrics().connects.WithLabelValues("egress").Inc()
	}
	return &meteredConn{Conn: conn}
}

// Read delegates a network read to the underlying connection, bumping the
// ingress traffic meter along the way.
func (c *meteredConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	metrics().traffic.WithLabelValues("ingress").Add(float64(n))
	return n, err
}

// Write delegates a network write to the underlying connection, bumping the
// egress traffic meter along the way.
func (c *meteredConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	metrics().traffic.WithLabelValues("egress").Add(float64(n))
	return n, err
}

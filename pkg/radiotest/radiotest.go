/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package radiotest is a simulated UWB radio transport for local
// development and the cmd/tdoa-sim demo harness (SPEC_FULL.md §B.3):
// nodes exchange TDoA2 packets over a UDP multicast group instead of
// real radio hardware. It satisfies pkg/tagdriver.RadioTransport, so
// a Driver under test cannot tell the difference.
//
// This package is explicitly test/demo scaffolding, not part of the
// core ranging engine (spec.md's single-threaded radio-task model still
// applies: callers drive ReceiveLoop themselves, synchronously).
package radiotest

import (
	"fmt"
	"net"
	"time"

	"github.com/higebu/netfd"

	"github.com/skyloco/tdoa-engine/pkg/tdoapacket"
)

// Link is one simulated node's end of the multicast group: anchors and
// the tag all join the same group and frame their datagrams with a
// one-byte sender id, standing in for the real radio's MAC addressing.
type Link struct {
	conn      *net.UDPConn
	groupAddr *net.UDPAddr
	selfID    uint8
	fd        int
}

// NewLink joins groupAddr (e.g. "239.10.10.10:4242") as node selfID.
func NewLink(groupAddr string, selfID uint8) (*Link, error) {
	addr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("radiotest: resolve group address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("radiotest: join multicast group: %w", err)
	}
	return &Link{
		conn:      conn,
		groupAddr: addr,
		selfID:    selfID,
		fd:        netfd.GetFdFromConn(conn),
	}, nil
}

// FD exposes the raw socket descriptor, for labeling metrics the way
// the teacher's pkg/exporter labels a connection by its fd.
func (l *Link) FD() int { return l.fd }

// ArmReceive is a no-op: the multicast socket is always listening, so
// there is nothing to re-arm on this simulated transport.
func (l *Link) ArmReceive() error { return nil }

// Send broadcasts payload to the whole group, framed with this link's
// sender id. dest is accepted to satisfy tagdriver.RadioTransport but
// unused: every simulated node receives every datagram and filters by
// sender id, since UDP multicast has no unicast-to-one-peer concept
// without a second socket.
func (l *Link) Send(dest uint64, payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, l.selfID)
	frame = append(frame, payload...)
	_, err := l.conn.WriteToUDP(frame, l.groupAddr)
	return err
}

// Close releases the underlying socket.
func (l *Link) Close() error { return l.conn.Close() }

// PacketHandler receives one decoded-address datagram: the raw payload,
// the sender's default anchor MAC address, a synthetic hardware RX
// timestamp (the wall-clock time of receipt in nanoseconds, not reduced
// to 40 bits), and the wall-clock time of receipt in ms.
type PacketHandler func(payload []byte, srcAddr uint64, rxTag uint64, nowMs int64)

// ReceiveLoop reads datagrams until stop is closed or a non-timeout
// error occurs, invoking handle for each one not sent by this link
// itself. It runs synchronously in the caller's goroutine, matching
// spec.md §5's single radio task owning all dispatch.
func (l *Link) ReceiveLoop(stop <-chan struct{}, handle PacketHandler) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return fmt.Errorf("radiotest: set read deadline: %w", err)
		}
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("radiotest: read: %w", err)
		}
		if n < 1 {
			continue
		}

		srcID := buf[0]
		if srcID == l.selfID {
			continue
		}

		payload := make([]byte, n-1)
		copy(payload, buf[1:n])

		now := time.Now()
		handle(payload, tdoapacket.DefaultAnchorAddress(srcID), uint64(now.UnixNano()), now.UnixNano()/int64(time.Millisecond))
	}
}

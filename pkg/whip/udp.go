// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package whip

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// maxUDPBufferSize bounds single datagram reads. It does not limit the size
// of sent packets, pkt_size does.
const maxUDPBufferSize = 4096

// errReadAgain is returned by readOnce when no datagram is pending.
var errReadAgain = errors.New("udp read would block")

// udpConn is a connected datagram socket to the selected remote candidate.
// Reads wait at most 1ms for a datagram, writes block until the kernel
// accepts the datagram.
type udpConn struct {
	conn *net.UDPConn
}

func dialUDP(host string, port int) (*udpConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	return &udpConn{conn: conn}, nil
}

// readOnce attempts a single read, returning a pending datagram at once and
// otherwise waiting at most 1ms. errReadAgain means no datagram arrived.
func (u *udpConn) readOnce(buf []byte) (int, error) {
	// A deadline that has already passed fails the read before the socket is
	// checked, so the deadline is set just ahead of now.
	if err := u.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, err
	}

	n, err := u.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, errReadAgain
		}
		return 0, err
	}
	return n, nil
}

func (u *udpConn) write(buf []byte) (int, error) {
	return u.conn.Write(buf)
}

func (u *udpConn) remoteAddr() net.Addr {
	return u.conn.RemoteAddr()
}

func (u *udpConn) close() error {
	return u.conn.Close()
}

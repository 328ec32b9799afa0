// Copyright 2016 The BitcoinArmory Developers. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.

package p2p

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// readBufferSize is the chunk size handed to the read callback.
const readBufferSize = 8192

// ReadFunc receives every chunk read from the socket. Returning true
// stops the read loop. A read error is delivered once, with a nil chunk,
// before the loop ends.
type ReadFunc func(chunk []byte, err error) (done bool)

// Socket is the byte-stream the engine drives. It provides reliable
// ordered bytes and nothing else.
type Socket interface {
	// Open establishes the connection.
	Open() error

	// Close tears the connection down, unblocking any pending read.
	Close() error

	// Write sends data. Callers serialize writes themselves.
	Write(data []byte) error

	// Read invokes fn for every chunk until fn returns done or an
	// error is surfaced. Blocks for the duration.
	Read(fn ReadFunc)

	// LocalAddr returns the bound local address, nil when closed.
	LocalAddr() *net.TCPAddr

	// RemoteAddr returns the peer address.
	RemoteAddr() *net.TCPAddr
}

// tcpSocket is the production Socket over a TCP connection.
type tcpSocket struct {
	addr string

	mtx  sync.Mutex
	conn net.Conn
	peer *net.TCPAddr
}

func newTCPSocket(host, port string) *tcpSocket {
	return &tcpSocket{
		addr: net.JoinHostPort(host, port),
	}
}

func (s *tcpSocket) Open() error {
	peer, err := net.ResolveTCPAddr("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.addr, err)
	}

	conn, err := net.DialTCP("tcp", nil, peer)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	s.conn = conn
	s.peer = peer
	s.mtx.Unlock()

	logrus.Debugf("socket open (%s)", s.addr)

	return nil
}

func (s *tcpSocket) Close() error {
	s.mtx.Lock()
	conn := s.conn
	s.conn = nil
	s.mtx.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}

func (s *tcpSocket) Write(data []byte) error {
	s.mtx.Lock()
	conn := s.conn
	s.mtx.Unlock()

	if conn == nil {
		return ErrSocketClosed
	}

	_, err := conn.Write(data)

	return err
}

func (s *tcpSocket) Read(fn ReadFunc) {
	s.mtx.Lock()
	conn := s.conn
	s.mtx.Unlock()

	if conn == nil {
		fn(nil, ErrSocketClosed)
		return
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			fn(nil, err)
			return
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		if fn(chunk, nil) {
			return
		}
	}
}

func (s *tcpSocket) LocalAddr() *net.TCPAddr {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.conn == nil {
		return nil
	}

	addr, _ := s.conn.LocalAddr().(*net.TCPAddr)

	return addr
}

func (s *tcpSocket) RemoteAddr() *net.TCPAddr {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.peer
}

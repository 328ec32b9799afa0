package p2p

import (
	"encoding/binary"
	"fmt"
	"net"
)

// netAddrLen is the wire size of a network address record inside a
// version payload (no timestamp prefix):
// services(8) | ipv6(16) | port(2).
const netAddrLen = 26

// NetAddr is the network address record carried twice in every version
// payload. Services and port are big-endian on the wire; IPv4 addresses
// are embedded as ::ffff:a.b.c.d.
type NetAddr struct {
	Services uint64
	IP       [16]byte
	Port     uint16
}

// NetAddrFromTCP builds a NetAddr from a resolved TCP address.
func NetAddrFromTCP(services uint64, addr *net.TCPAddr) NetAddr {
	na := NetAddr{
		Services: services,
		Port:     uint16(addr.Port),
	}

	if ip := addr.IP.To16(); ip != nil {
		copy(na.IP[:], ip)
	}

	return na
}

// TCPAddr converts the record back into a net.TCPAddr.
func (a *NetAddr) TCPAddr() *net.TCPAddr {
	ip := make(net.IP, net.IPv6len)
	copy(ip, a.IP[:])

	return &net.TCPAddr{IP: ip, Port: int(a.Port)}
}

func (a *NetAddr) serialize(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], a.Services)
	copy(buf[8:24], a.IP[:])
	binary.BigEndian.PutUint16(buf[24:26], a.Port)
}

func (a *NetAddr) decode(buf []byte) error {
	if len(buf) != netAddrLen {
		return fmt.Errorf("%w: invalid netaddr size %d", ErrPayloadDecode, len(buf))
	}

	a.Services = binary.BigEndian.Uint64(buf[0:8])
	copy(a.IP[:], buf[8:24])
	a.Port = binary.BigEndian.Uint16(buf[24:26])

	return nil
}

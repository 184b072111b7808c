package relay

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	meshMagic          = 0x4C
	meshTypeEvent byte = 0x01
	meshTypeHello byte = 0x02
)

var (
	errInvalidMagic = errors.New("relay: invalid magic byte")
	errShortBuffer  = errors.New("relay: buffer too short")
)

var packetBufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 2048)
	},
}

// packetBuffer returns a buffer of at least need bytes. Large frames, such
// as events carrying a big online roster, get a fresh allocation instead of
// the pooled size.
func packetBuffer(need int) []byte {
	buf := packetBufferPool.Get().([]byte)
	if len(buf) < need {
		packetBufferPool.Put(buf)
		buf = make([]byte, need)
	}
	return buf
}

// meshPacket is the datagram layout: magic, type, origin node, then a
// length-prefixed payload (a JSON event for meshTypeEvent, an advertise
// address for meshTypeHello).
type meshPacket struct {
	Magic   byte
	Type    byte
	NodeID  [16]byte
	Payload []byte
}

func (p *meshPacket) marshal(b []byte) (int, error) {
	if len(b) < 20+len(p.Payload) {
		return 0, errShortBuffer
	}
	b[0] = p.Magic
	b[1] = p.Type
	copy(b[2:18], p.NodeID[:])
	binary.BigEndian.PutUint16(b[18:20], uint16(len(p.Payload)))
	copy(b[20:], p.Payload)
	return 20 + len(p.Payload), nil
}

func (p *meshPacket) unmarshal(b []byte) error {
	if len(b) < 20 {
		return errShortBuffer
	}
	p.Magic = b[0]
	if p.Magic != meshMagic {
		return errInvalidMagic
	}
	p.Type = b[1]
	copy(p.NodeID[:], b[2:18])
	n := int(binary.BigEndian.Uint16(b[18:20]))
	if len(b) < 20+n {
		return errShortBuffer
	}
	p.Payload = make([]byte, n)
	copy(p.Payload, b[20:20+n])
	return nil
}

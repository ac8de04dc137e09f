// Copyright 2019 Lanikai Labs. All rights reserved.

package zrtp

// Wire format, from RFC 6189 section 5:
//
//     0                   1                   2                   3
//     0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |0 0 0 1 0 0 0 0| (set to zero) |         Sequence Number       |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |                 Magic Cookie 'ZRTP' (0x5a525450)              |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |                        Source Identifier                      |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |           ZRTP Message (length depends on Message Type)       |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//    |                          CRC (1 word)                         |
//    +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// A fragmented packet uses first byte 0x11 and inserts four 16-bit fields
// between the header and the fragment: message id, total message length,
// offset and fragment length, the lengths and offset in 32-bit words.

import (
	"encoding/binary"

	"github.com/lanikai/zrtp/internal/packet"
)

const (
	packetHeaderLength         = 12
	fragmentHeaderLength       = 20
	packetCRCLength            = 4
	packetOverhead             = packetHeaderLength + packetCRCLength
	fragmentOverhead           = fragmentHeaderLength + packetCRCLength
	minPacketLength            = 28
	maxPacketLength            = 3072
	magicCookie         uint32 = 0x5a525450
)

// inboundPacket is a checked, reassembled packet ready for the state machine.
// message covers the ZRTP message only, header and CRC stripped.
type inboundPacket struct {
	typ     msgType
	seq     uint16
	ssrc    uint32
	message []byte
}

type fragmentSpan struct {
	offset int // bytes
	length int // bytes
}

// reassembly is the single per-channel slot for a fragmented message.
// messageID survives completion: fragments of older messages stay rejected,
// while a retransmission of the last message may be reassembled again.
type reassembly struct {
	active    bool
	messageID uint16
	buf       []byte // message bytes, filled by offset
	spans     []fragmentSpan
}

func (ra *reassembly) reset() {
	ra.active = false
	ra.buf = nil
	ra.spans = nil
}

// checkPacket validates lengths, preamble, cookie, sequence number and CRC,
// merging fragments along the way. It returns errFragment while a fragmented
// message is still incomplete.
func (c *Channel) checkPacket(raw []byte) (*inboundPacket, error) {
	if len(raw) < minPacketLength || len(raw) > maxPacketLength {
		return nil, errInvalidPacket
	}
	if (raw[0] != 0x10 && raw[0] != 0x11) || raw[1] != 0 {
		return nil, errInvalidPacket
	}
	if binary.BigEndian.Uint32(raw[4:8]) != magicCookie {
		return nil, errInvalidPacket
	}

	fragmented := raw[0] == 0x11
	seq := binary.BigEndian.Uint16(raw[2:4])
	ssrc := binary.BigEndian.Uint32(raw[8:12])

	// Out-of-order filtering applies to whole packets only; fragments of one
	// message may arrive in any permutation.
	if !fragmented && c.peerSeqValid && seq <= c.peerSeq {
		return nil, errOutOfOrder
	}

	crc := binary.BigEndian.Uint32(raw[len(raw)-4:])
	if packetCRC(raw[:len(raw)-4]) != crc {
		return nil, errInvalidPacket
	}

	var message []byte
	if fragmented {
		complete, err := c.mergeFragment(raw)
		if err != nil {
			return nil, err
		}
		if complete == nil {
			return nil, errFragment
		}
		message = complete
	} else {
		message = make([]byte, len(raw)-packetOverhead)
		copy(message, raw[packetHeaderLength:len(raw)-packetCRCLength])
	}

	if len(message) < msgHeaderLength || message[0] != messagePreamble[0] || message[1] != messagePreamble[1] {
		return nil, errInvalidMessage
	}
	messageLength := 4 * int(binary.BigEndian.Uint16(message[2:4]))
	if messageLength != len(message) {
		return nil, errInvalidMessage
	}
	typ := tagToMsgType(message[4:12])
	if typ == msgTypeInvalid {
		return nil, errUnknownMessage
	}

	if c.peerSSRC == 0 {
		c.peerSSRC = ssrc
	}

	return &inboundPacket{typ: typ, seq: seq, ssrc: ssrc, message: message}, nil
}

// mergeFragment folds one fragment into the reassembly slot. It returns the
// complete message once every word of it has arrived, nil before that. A
// fragment of a newer message discards the current slot; fragments of older
// messages are out of order.
func (c *Channel) mergeFragment(raw []byte) ([]byte, error) {
	r := packet.NewReader(raw[packetHeaderLength:])
	messageID := r.ReadUint16()
	totalWords := int(r.ReadUint16())
	offsetWords := int(r.ReadUint16())
	lengthWords := int(r.ReadUint16())

	fragment := raw[fragmentHeaderLength : len(raw)-packetCRCLength]
	if len(fragment) != 4*lengthWords || offsetWords+lengthWords > totalWords {
		return nil, errInvalidPacket
	}

	ra := &c.reassembly
	if messageID < ra.messageID {
		return nil, errOutOfOrder
	}
	if ra.active && messageID > ra.messageID {
		ra.reset()
	}
	if !ra.active {
		ra.active = true
		ra.messageID = messageID
		ra.buf = make([]byte, 4*totalWords)
		ra.spans = nil
	}
	if len(ra.buf) != 4*totalWords {
		return nil, errInvalidPacket
	}

	duplicate := false
	for _, s := range ra.spans {
		if s.offset == 4*offsetWords {
			duplicate = true
			break
		}
	}
	if !duplicate {
		copy(ra.buf[4*offsetWords:], fragment)
		ra.spans = append(ra.spans, fragmentSpan{offset: 4 * offsetWords, length: 4 * lengthWords})
	}

	received := 0
	for _, s := range ra.spans {
		received += s.length
	}
	if received < len(ra.buf) {
		return nil, nil
	}
	message := ra.buf
	ra.reset()
	return message, nil
}

// ---------------------------------------------------------------------------
// outbound

// sentPacket is a built outbound message kept for retransmission. wire holds
// one buffer for an unfragmented packet, several when the message exceeded
// the MTU. Retransmissions only rewrite sequence numbers and CRCs, the
// message bytes never change once built.
type sentPacket struct {
	typ     msgType
	message []byte      // message bytes, MAC included
	data    interface{} // the typed message this was built from
	wire    [][]byte
}

// packetize wraps message bytes into one or more wire packets for this
// channel, fragmenting against the session MTU.
func (s *Session) packetize(c *Channel, typ msgType, message []byte, data interface{}) *sentPacket {
	p := &sentPacket{typ: typ, message: message, data: data}

	if len(message)+packetOverhead <= s.mtu {
		buf := make([]byte, len(message)+packetOverhead)
		writePacketHeader(buf, false, c.selfSSRC)
		copy(buf[packetHeaderLength:], message)
		p.wire = [][]byte{buf}
		return p
	}

	// Fragment id comes from a per-channel counter; the reassembler relies on
	// ids increasing from one message to the next.
	c.selfMessageID++
	messageID := c.selfMessageID

	maxFragment := (s.mtu - fragmentOverhead) &^ 3 // whole words only
	for offset := 0; offset < len(message); offset += maxFragment {
		n := len(message) - offset
		if n > maxFragment {
			n = maxFragment
		}
		buf := make([]byte, fragmentOverhead+n)
		writePacketHeader(buf, true, c.selfSSRC)
		binary.BigEndian.PutUint16(buf[12:14], messageID)
		binary.BigEndian.PutUint16(buf[14:16], uint16(len(message)/4))
		binary.BigEndian.PutUint16(buf[16:18], uint16(offset/4))
		binary.BigEndian.PutUint16(buf[18:20], uint16(n/4))
		copy(buf[fragmentHeaderLength:], message[offset:offset+n])
		p.wire = append(p.wire, buf)
	}
	return p
}

func writePacketHeader(buf []byte, fragmented bool, ssrc uint32) {
	if fragmented {
		buf[0] = 0x11
	} else {
		buf[0] = 0x10
	}
	buf[1] = 0
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}

// setSequenceNumber rewrites the header sequence field of a built wire packet
// and recomputes the trailing CRC. Used on every (re)transmission so the
// message bytes committed to by MACs and hashes stay stable.
func setSequenceNumber(buf []byte, seq uint16) {
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], packetCRC(buf[:len(buf)-4]))
}

// send transmits every wire packet of p, assigning fresh sequence numbers.
func (s *Session) send(c *Channel, p *sentPacket) {
	for _, buf := range p.wire {
		setSequenceNumber(buf, c.selfSeq)
		c.selfSeq++
		s.callbacks.send(c.tag, buf)
	}
}

// buildAndSend marshals a bare acknowledgement type and sends it once.
func (s *Session) buildAndSend(c *Channel, typ msgType) error {
	message, err := marshalBare(typ)
	if err != nil {
		return err
	}
	s.send(c, s.packetize(c, typ, message, nil))
	return nil
}

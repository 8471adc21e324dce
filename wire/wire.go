// Package wire encodes and decodes the BMI peer-to-peer control messages
// defined in the protocol engine: the common header and each message type
// that rides on top of it. All fields are little-endian, per the wire
// layout table.
//
// Unlike the teacher's netlink package, which casts raw kernel bytes via
// unsafe.Pointer because the layout is an externally-owned kernel ABI, this
// wire format is ours to define, so it is encoded/decoded with
// encoding/binary — the idiomatic choice when there is no foreign struct
// layout to match.
package wire

import (
	"encoding/binary"
	"errors"
)

// Type identifies a common-header message type.
type Type uint32

// Message types, per the wire table.
const (
	EagerSend Type = iota
	EagerSendUnexpected
	RTS
	CTS
	RTSDone
	BYE
	Credit
)

func (t Type) String() string {
	switch t {
	case EagerSend:
		return "EAGER_SEND"
	case EagerSendUnexpected:
		return "EAGER_SEND_UNEXPECTED"
	case RTS:
		return "RTS"
	case CTS:
		return "CTS"
	case RTSDone:
		return "RTS_DONE"
	case BYE:
		return "BYE"
	case Credit:
		return "CREDIT"
	default:
		return "UNKNOWN"
	}
}

// ErrShortBuffer is returned when a buffer is too small to decode a message.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrUnknownType is returned when a common header names an unrecognized type.
var ErrUnknownType = errors.New("wire: unknown message type")

// CommonHeaderSize is the encoded size of Header, in bytes.
const CommonHeaderSize = 4 + 4

// Header is the 8-byte common header shared by every message.
type Header struct {
	Type         Type
	CreditReturn uint32
}

// Put encodes the header into the front of buf, which must be at least
// CommonHeaderSize bytes.
func (h Header) Put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], h.CreditReturn)
}

// ParseHeader decodes the common header from the front of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < CommonHeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Type:         Type(binary.LittleEndian.Uint32(buf[0:4])),
		CreditReturn: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// EagerSizeOf returns the wire size of an eager message carrying payloadLen
// bytes of payload.
func EagerSizeOf(payloadLen int) int {
	return CommonHeaderSize + 4 + payloadLen
}

// PutEager encodes an eager send (or eager-unexpected) message into buf,
// which must be at least EagerSizeOf(len(payload)) bytes.
func PutEager(buf []byte, h Header, tag uint32, payload []byte) int {
	h.Put(buf)
	binary.LittleEndian.PutUint32(buf[8:12], tag)
	n := copy(buf[12:], payload)
	return 12 + n
}

// Eager is a decoded eager message.
type Eager struct {
	Header  Header
	Tag     uint32
	Payload []byte // aliases the input buffer
}

// ParseEager decodes an eager (or eager-unexpected) message from buf.
func ParseEager(buf []byte) (Eager, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Eager{}, err
	}
	if len(buf) < 12 {
		return Eager{}, ErrShortBuffer
	}
	tag := binary.LittleEndian.Uint32(buf[8:12])
	return Eager{Header: h, Tag: tag, Payload: buf[12:]}, nil
}

// RTSSize is the encoded size of an RTS message.
const RTSSize = CommonHeaderSize + 4 + 8 + 8

// RTSMsg is the Request-To-Send header for a rendezvous send.
type RTSMsg struct {
	Header   Header
	Tag      uint32
	MopID    uint64
	TotalLen uint64
}

// Put encodes an RTS message into buf, which must be at least RTSSize bytes.
func (m RTSMsg) Put(buf []byte) {
	m.Header.Put(buf)
	binary.LittleEndian.PutUint32(buf[8:12], m.Tag)
	binary.LittleEndian.PutUint64(buf[12:20], m.MopID)
	binary.LittleEndian.PutUint64(buf[20:28], m.TotalLen)
}

// ParseRTS decodes an RTS message from buf.
func ParseRTS(buf []byte) (RTSMsg, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return RTSMsg{}, err
	}
	if len(buf) < RTSSize {
		return RTSMsg{}, ErrShortBuffer
	}
	return RTSMsg{
		Header:   h,
		Tag:      binary.LittleEndian.Uint32(buf[8:12]),
		MopID:    binary.LittleEndian.Uint64(buf[12:20]),
		TotalLen: binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}

// Segment is one entry of a CTS segment/rkey table, authorizing an
// RDMA-WRITE into {Addr, Addr+Len} under key Rkey.
type Segment struct {
	Addr uint64
	Len  uint32
	Rkey uint32
}

const segmentSize = 8 + 4 + 4

// CTSMsg is the Clear-To-Send message: the receiver's segment table.
type CTSMsg struct {
	Header    Header
	RTSMopID  uint64
	TotalLen  uint64
	Segments  []Segment
}

// Size returns the encoded size of m.
func (m CTSMsg) Size() int {
	return CommonHeaderSize + 8 + 8 + 4 + segmentSize*len(m.Segments)
}

// Put encodes m into buf, which must be at least m.Size() bytes.
func (m CTSMsg) Put(buf []byte) {
	m.Header.Put(buf)
	binary.LittleEndian.PutUint64(buf[8:16], m.RTSMopID)
	binary.LittleEndian.PutUint64(buf[16:24], m.TotalLen)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(m.Segments)))
	off := 28
	for _, s := range m.Segments {
		binary.LittleEndian.PutUint64(buf[off:off+8], s.Addr)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], s.Len)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], s.Rkey)
		off += segmentSize
	}
}

// ParseCTS decodes a CTS message from buf.
func ParseCTS(buf []byte) (CTSMsg, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return CTSMsg{}, err
	}
	if len(buf) < 28 {
		return CTSMsg{}, ErrShortBuffer
	}
	m := CTSMsg{
		Header:   h,
		RTSMopID: binary.LittleEndian.Uint64(buf[8:16]),
		TotalLen: binary.LittleEndian.Uint64(buf[16:24]),
	}
	numSegs := binary.LittleEndian.Uint32(buf[24:28])
	off := 28
	need := off + int(numSegs)*segmentSize
	if len(buf) < need {
		return CTSMsg{}, ErrShortBuffer
	}
	m.Segments = make([]Segment, numSegs)
	for i := range m.Segments {
		m.Segments[i] = Segment{
			Addr: binary.LittleEndian.Uint64(buf[off : off+8]),
			Len:  binary.LittleEndian.Uint32(buf[off+8 : off+12]),
			Rkey: binary.LittleEndian.Uint32(buf[off+12 : off+16]),
		}
		off += segmentSize
	}
	return m, nil
}

// RTSDoneSize is the encoded size of an RTS_DONE message.
const RTSDoneSize = CommonHeaderSize + 8

// RTSDoneMsg acknowledges completion of the RDMA-WRITE data phase.
type RTSDoneMsg struct {
	Header Header
	MopID  uint64
}

// Put encodes m into buf, which must be at least RTSDoneSize bytes.
func (m RTSDoneMsg) Put(buf []byte) {
	m.Header.Put(buf)
	binary.LittleEndian.PutUint64(buf[8:16], m.MopID)
}

// ParseRTSDone decodes an RTS_DONE message from buf.
func ParseRTSDone(buf []byte) (RTSDoneMsg, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return RTSDoneMsg{}, err
	}
	if len(buf) < RTSDoneSize {
		return RTSDoneMsg{}, ErrShortBuffer
	}
	return RTSDoneMsg{Header: h, MopID: binary.LittleEndian.Uint64(buf[8:16])}, nil
}

// PutCreditOrBye encodes a bare common-header message (CREDIT or BYE).
func PutCreditOrBye(buf []byte, h Header) {
	h.Put(buf)
}

// TypeHeaderSize returns the size, in bytes, of the type-specific header
// that follows the common header for the given message type (excluding any
// variable-length payload/segment table). Used by the eager-payload
// threshold computation: eager_buf_size - common_header_size - type_header_size.
func TypeHeaderSize(t Type) int {
	switch t {
	case EagerSend, EagerSendUnexpected:
		return 4 // bmi_tag
	default:
		return 0
	}
}

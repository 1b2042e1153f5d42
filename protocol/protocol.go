// Package protocol implements the GCSP (Grid Clash Sync Protocol) wire
// format: a fixed 28-byte big-endian header followed by one of a small
// set of payload shapes. All encode/decode functions are stateless and
// operate on byte slices so they can be used directly with UDP datagrams.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	Version    = 1
	HeaderSize = 28
	EventSize  = 15
	AckSize    = 5
)

// protocolTag identifies GCSP datagrams; anything else is dropped.
var protocolTag = []byte("GCSP")

// MsgType identifies the payload carried by a packet
type MsgType uint8

const (
	MsgJoin     MsgType = 0 // client -> server : join request (empty payload)
	MsgJoinAck  MsgType = 1 // server -> client : assigned player id
	MsgSnapshot MsgType = 2 // server -> clients : full state snapshot
	MsgEvent    MsgType = 3 // client -> server : acquire request
	MsgAck      MsgType = 4 // server -> client : acknowledges reliable msgs
)

// EventKind distinguishes event payloads; only cell acquisition exists today
type EventKind uint8

const EventAcquire EventKind = 0

// AckKind distinguishes ack payloads
type AckKind uint8

const AckEvent AckKind = 0

// Header is the fixed preamble of every GCSP packet.
// Layout: tag(4) version(1) type(1) snapshot_id(4) seq(4) timestamp_ms(8)
// payload_len(2) checksum(4). The checksum field is reserved and always
// zero; it is written but never validated.
type Header struct {
	Type        MsgType
	SnapshotID  uint32
	Seq         uint32
	TimestampMs uint64
	PayloadLen  uint16
	Checksum    uint32
}

// NowMillis returns the current wall clock in ms since the Unix epoch,
// the timestamp unit used everywhere on the wire.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// EncodeHeader serializes h into a fresh HeaderSize-byte slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], protocolTag)
	buf[4] = Version
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint32(buf[6:10], h.SnapshotID)
	binary.BigEndian.PutUint32(buf[10:14], h.Seq)
	binary.BigEndian.PutUint64(buf[14:22], h.TimestampMs)
	binary.BigEndian.PutUint16(buf[22:24], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[24:28], h.Checksum)
	return buf
}

// DecodeHeader parses the header at the start of data. It fails if the
// data is shorter than HeaderSize, the protocol tag does not match, or
// the version byte is unsupported.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:4], protocolTag) {
		return Header{}, fmt.Errorf("bad protocol tag %q", data[0:4])
	}
	if data[4] != Version {
		return Header{}, fmt.Errorf("unsupported version %d", data[4])
	}
	return Header{
		Type:        MsgType(data[5]),
		SnapshotID:  binary.BigEndian.Uint32(data[6:10]),
		Seq:         binary.BigEndian.Uint32(data[10:14]),
		TimestampMs: binary.BigEndian.Uint64(data[14:22]),
		PayloadLen:  binary.BigEndian.Uint16(data[22:24]),
		Checksum:    binary.BigEndian.Uint32(data[24:28]),
	}, nil
}

// Packet assembles a complete datagram: a header stamped with the
// current time followed by payload.
func Packet(t MsgType, snapshotID, seq uint32, payload []byte) []byte {
	h := Header{
		Type:        t,
		SnapshotID:  snapshotID,
		Seq:         seq,
		TimestampMs: NowMillis(),
		PayloadLen:  uint16(len(payload)),
	}
	return append(EncodeHeader(h), payload...)
}

// Payload slices the payload out of a full datagram according to the
// decoded header, tolerating datagrams shorter than the declared length.
func Payload(data []byte, h Header) []byte {
	end := HeaderSize + int(h.PayloadLen)
	if end > len(data) {
		end = len(data)
	}
	return data[HeaderSize:end]
}

// Event is an acquire request for one grid cell. The id is chosen by
// the sender, unique per endpoint, and reused verbatim on every retry
// so the server can deduplicate.
type Event struct {
	Kind        EventKind
	ID          uint32
	Row         uint8
	Col         uint8
	TimestampMs uint64
}

// EncodeEvent serializes ev into an EventSize-byte payload.
func EncodeEvent(ev Event) []byte {
	buf := make([]byte, EventSize)
	buf[0] = byte(ev.Kind)
	binary.BigEndian.PutUint32(buf[1:5], ev.ID)
	buf[5] = ev.Row
	buf[6] = ev.Col
	binary.BigEndian.PutUint64(buf[7:15], ev.TimestampMs)
	return buf
}

// DecodeEvent parses an event payload.
func DecodeEvent(data []byte) (Event, error) {
	if len(data) < EventSize {
		return Event{}, fmt.Errorf("event payload too short: %d bytes", len(data))
	}
	return Event{
		Kind:        EventKind(data[0]),
		ID:          binary.BigEndian.Uint32(data[1:5]),
		Row:         data[5],
		Col:         data[6],
		TimestampMs: binary.BigEndian.Uint64(data[7:15]),
	}, nil
}

// Ack acknowledges one reliable message by event id.
type Ack struct {
	Kind    AckKind
	EventID uint32
}

// EncodeAck serializes a into an AckSize-byte payload.
func EncodeAck(a Ack) []byte {
	buf := make([]byte, AckSize)
	buf[0] = byte(a.Kind)
	binary.BigEndian.PutUint32(buf[1:5], a.EventID)
	return buf
}

// DecodeAck parses an ack payload.
func DecodeAck(data []byte) (Ack, error) {
	if len(data) < AckSize {
		return Ack{}, fmt.Errorf("ack payload too short: %d bytes", len(data))
	}
	return Ack{
		Kind:    AckKind(data[0]),
		EventID: binary.BigEndian.Uint32(data[1:5]),
	}, nil
}

// EncodeJoinAck serializes the single-byte join-ack payload carrying
// the assigned player id.
func EncodeJoinAck(playerID uint8) []byte {
	return []byte{playerID}
}

// DecodeJoinAck parses a join-ack payload.
func DecodeJoinAck(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("join-ack payload too short: %d bytes", len(data))
	}
	return data[0], nil
}

// Package wire implements the binary message framing protocol used by every
// peer-to-peer exchange in the substrate: gossip pings, consensus RPCs, and
// replication writes all travel as one Message on top of an unreliable
// transport.
package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"

	"github.com/accuscene/corefabric/pkg/errors"
)

// ProtocolVersion is the only wire version this build speaks. Future
// versions must negotiate at connection setup; this build rejects anything
// else outright.
const ProtocolVersion uint8 = 1

// MessageType identifies the kind of payload a Message carries.
type MessageType uint8

// Type codes, fixed by the wire format and never renumbered.
const (
	TypePing        MessageType = 0x01
	TypePong        MessageType = 0x02
	TypeRequest     MessageType = 0x10
	TypeResponse    MessageType = 0x11
	TypeError       MessageType = 0x12
	TypeGossip      MessageType = 0x20
	TypeConsensus   MessageType = 0x30
	TypeReplication MessageType = 0x40
)

// IsValid reports whether t is a recognized message type code.
func IsValid(t MessageType) bool {
	switch t {
	case TypePing, TypePong, TypeRequest, TypeResponse, TypeError, TypeGossip, TypeConsensus, TypeReplication:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeRequest:
		return "Request"
	case TypeResponse:
		return "Response"
	case TypeError:
		return "Error"
	case TypeGossip:
		return "Gossip"
	case TypeConsensus:
		return "Consensus"
	case TypeReplication:
		return "Replication"
	default:
		return "Unknown"
	}
}

// NodeID is a 128-bit stable node identifier, stable across restarts.
type NodeID [16]byte

// NewNodeID generates a random NodeID. Nodes persist their id after first
// boot; this is only used the first time a node is provisioned.
func NewNodeID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// IsZero reports whether the id is the zero value (used as a "no id" sentinel).
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// String renders the id as lowercase hex, for logging and config files.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// NodeIDFromString derives a stable NodeID from an operator-supplied string
// (e.g. a configured node_id). A 32-digit hex string (exactly 16 bytes) is
// taken literally; anything else is folded through SHA-256 and truncated to 16 bytes so any
// string a deployment wants to use (hostnames, UUIDs) yields a deterministic
// id without requiring exact hex formatting.
func NodeIDFromString(s string) NodeID {
	var id NodeID
	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) == 16 {
		copy(id[:], decoded)
		return id
	}
	sum := sha256.Sum256([]byte(s))
	copy(id[:], sum[:16])
	return id
}

// MessageID is a 128-bit random identifier distinguishing one message from
// another, used for at-least-once dedup at higher layers.
type MessageID [16]byte

// NewMessageID generates a random MessageID.
func NewMessageID() MessageID {
	var id MessageID
	_, _ = rand.Read(id[:])
	return id
}

// Header is the fixed-layout prefix of every wire message:
//
//	offset  width  field
//	0       1      protocol_version
//	1       1      type_code
//	2       16     message_id
//	18      16     source node_id
//	34      1      destination flag (0 or 1)
//	35      0/16   destination node_id (if flagged)
//	35/51   4      payload_length (big-endian)
//	+4      4      payload CRC-32
type Header struct {
	Version     uint8
	Type        MessageType
	MessageID   MessageID
	Source      NodeID
	Destination NodeID
	HasDest     bool
	PayloadLen  uint32
	Checksum    uint32
}

// NewHeader builds a header for a new outgoing message with no destination set.
func NewHeader(t MessageType, source NodeID) Header {
	return Header{
		Version:   ProtocolVersion,
		Type:      t,
		MessageID: NewMessageID(),
		Source:    source,
	}
}

// WithDestination returns a copy of h addressed to dest.
func (h Header) WithDestination(dest NodeID) Header {
	h.Destination = dest
	h.HasDest = true
	return h
}

// Size returns the encoded size of the header in bytes.
func (h Header) Size() int {
	if h.HasDest {
		return 43 + 16
	}
	return 43
}

const minHeaderSize = 43 // version + type + message_id + source + dest-flag + length + checksum, no dest

// Encode appends the header's wire representation to buf and returns the
// extended slice.
func (h Header) Encode(buf []byte) []byte {
	buf = append(buf, h.Version, byte(h.Type))
	buf = append(buf, h.MessageID[:]...)
	buf = append(buf, h.Source[:]...)
	if h.HasDest {
		buf = append(buf, 1)
		buf = append(buf, h.Destination[:]...)
	} else {
		buf = append(buf, 0)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], h.PayloadLen)
	buf = append(buf, lenBuf[:]...)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Checksum)
	buf = append(buf, crcBuf[:]...)
	return buf
}

// DecodeHeader reads a Header from the front of buf, returning the header
// and the number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < minHeaderSize {
		return Header{}, 0, errors.NewError(errors.ErrCodeInvalidMessage, "insufficient header data").
			WithComponent("wire").WithDetail("have", len(buf)).WithDetail("need", minHeaderSize)
	}

	var h Header
	off := 0

	h.Version = buf[off]
	off++
	if h.Version != ProtocolVersion {
		return Header{}, 0, errors.NewError(errors.ErrCodeInvalidMessage, "unsupported protocol version").
			WithComponent("wire").WithDetail("version", h.Version)
	}

	typeCode := buf[off]
	off++
	h.Type = MessageType(typeCode)
	if !IsValid(h.Type) {
		return Header{}, 0, errors.NewError(errors.ErrCodeInvalidMessage, "invalid message type").
			WithComponent("wire").WithDetail("type_code", typeCode)
	}

	copy(h.MessageID[:], buf[off:off+16])
	off += 16
	copy(h.Source[:], buf[off:off+16])
	off += 16

	hasDest := buf[off]
	off++
	if hasDest == 1 {
		if len(buf) < off+16+8 {
			return Header{}, 0, errors.NewError(errors.ErrCodeInvalidMessage, "insufficient header data for destination").
				WithComponent("wire")
		}
		copy(h.Destination[:], buf[off:off+16])
		off += 16
		h.HasDest = true
	}

	if len(buf) < off+8 {
		return Header{}, 0, errors.NewError(errors.ErrCodeInvalidMessage, "insufficient header data for length/checksum").
			WithComponent("wire")
	}

	h.PayloadLen = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	h.Checksum = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	return h, off, nil
}

// Message is a complete framed message: header plus payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a Message, computing the payload length and CRC-32.
func NewMessage(t MessageType, source NodeID, payload []byte) Message {
	h := NewHeader(t, source)
	h.PayloadLen = uint32(len(payload))
	h.Checksum = crc32.ChecksumIEEE(payload)
	return Message{Header: h, Payload: payload}
}

// Encode serializes the message to a fresh byte slice.
func (m Message) Encode() []byte {
	buf := make([]byte, 0, m.Header.Size()+len(m.Payload))
	buf = m.Header.Encode(buf)
	buf = append(buf, m.Payload...)
	return buf
}

// Decode parses a Message from buf, verifying that the declared payload
// length fits within the buffer and that the checksum matches.
func Decode(buf []byte) (Message, error) {
	h, consumed, err := DecodeHeader(buf)
	if err != nil {
		return Message{}, err
	}

	remaining := buf[consumed:]
	if uint32(len(remaining)) < h.PayloadLen {
		return Message{}, errors.NewError(errors.ErrCodeInvalidMessage, "insufficient payload data").
			WithComponent("wire").WithDetail("declared", h.PayloadLen).WithDetail("have", len(remaining))
	}

	payload := make([]byte, h.PayloadLen)
	copy(payload, remaining[:h.PayloadLen])

	if crc32.ChecksumIEEE(payload) != h.Checksum {
		return Message{}, errors.NewError(errors.ErrCodeChecksumMismatch, "payload checksum mismatch").
			WithComponent("wire")
	}

	return Message{Header: h, Payload: payload}, nil
}

// Size returns the total encoded size of the message.
func (m Message) Size() int {
	return m.Header.Size() + len(m.Payload)
}

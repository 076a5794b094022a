// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package wire implements the framed multiplexing protocol: the 5-byte frame
// envelope, the closed MessageType enum, and the little-endian sub-payload
// codecs layered on top of it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType is the closed enum of octets a Frame's type byte may carry.
// Any other octet is reserved: it must be logged and dropped, never treated
// as a fatal transport error.
type MessageType byte

const (
	TCPConnect    MessageType = 0x01
	TCPConnectAck MessageType = 0x02
	TCPData       MessageType = 0x03
	TCPClose      MessageType = 0x04

	UDPBind    MessageType = 0x11
	UDPBindAck MessageType = 0x12
	UDPData    MessageType = 0x13
	UDPClose   MessageType = 0x14

	DNSQuery    MessageType = 0x21
	DNSResponse MessageType = 0x22

	HTTPRequest    MessageType = 0x31
	HTTPResponse   MessageType = 0x32
	HTTPBodyChunk  MessageType = 0x33
	HTTPBodyEnd    MessageType = 0x34

	Error     MessageType = 0xFE
	Heartbeat MessageType = 0xFF
)

// String renders a MessageType for logging.
func (m MessageType) String() string {
	switch m {
	case TCPConnect:
		return "TCP_CONNECT"
	case TCPConnectAck:
		return "TCP_CONNECT_ACK"
	case TCPData:
		return "TCP_DATA"
	case TCPClose:
		return "TCP_CLOSE"
	case UDPBind:
		return "UDP_BIND"
	case UDPBindAck:
		return "UDP_BIND_ACK"
	case UDPData:
		return "UDP_DATA"
	case UDPClose:
		return "UDP_CLOSE"
	case DNSQuery:
		return "DNS_QUERY"
	case DNSResponse:
		return "DNS_RESPONSE"
	case HTTPRequest:
		return "HTTP_REQUEST"
	case HTTPResponse:
		return "HTTP_RESPONSE"
	case HTTPBodyChunk:
		return "HTTP_BODY_CHUNK"
	case HTTPBodyEnd:
		return "HTTP_BODY_END"
	case Error:
		return "ERROR"
	case Heartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(m))
	}
}

// Known reports whether m is one of the closed enum values above.
func (m MessageType) Known() bool {
	switch m {
	case TCPConnect, TCPConnectAck, TCPData, TCPClose,
		UDPBind, UDPBindAck, UDPData, UDPClose,
		DNSQuery, DNSResponse,
		HTTPRequest, HTTPResponse, HTTPBodyChunk, HTTPBodyEnd,
		Error, Heartbeat:
		return true
	default:
		return false
	}
}

// HeaderSize is the fixed size, in bytes, of a Frame's envelope: 1 byte type
// plus 4 bytes big-endian resourceId. There is no payload length in the
// envelope; the underlying transport frame boundary carries that.
const HeaderSize = 5

// Frame is the envelope of every binary transport message.
type Frame struct {
	Type       MessageType
	ResourceID uint32
	Payload    []byte
}

// ErrFrameTooShort is returned by Decode when fewer than HeaderSize bytes are
// present.
var ErrFrameTooShort = errors.New("wire: frame too short")

// Encode writes the 5-byte header followed by the payload.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.ResourceID)
	copy(buf[5:], f.Payload)
	return buf
}

// Decode parses a binary transport message into a Frame. The returned
// Payload aliases the input slice; callers that retain it past the lifetime
// of a reused read buffer must copy it first (decoders themselves never
// assume ownership of the caller's buffer).
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, ErrFrameTooShort
	}
	return Frame{
		Type:       MessageType(data[0]),
		ResourceID: binary.BigEndian.Uint32(data[1:5]),
		Payload:    data[5:],
	}, nil
}

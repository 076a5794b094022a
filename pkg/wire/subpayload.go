// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-core-stack/tunnelmux/pkg/opaque"
)

// RecordType is the DNS_QUERY record-type enum.
type RecordType byte

const (
	RecordA     RecordType = 0
	RecordAAAA  RecordType = 1
	RecordANAME RecordType = 2
	RecordCNAME RecordType = 3
	RecordNS    RecordType = 4
	RecordPTR   RecordType = 5
)

// MaxDNSNameLength is the maximum accepted length of a DNS_QUERY name.
const MaxDNSNameLength = 253

// MaxUDPPacketSize is the maximum datagram size carried in a UDP_DATA frame.
const MaxUDPPacketSize = 65535

var (
	ErrNameTooLong  = errors.New("wire: dns name exceeds MaxDNSNameLength")
	ErrPacketTooBig = errors.New("wire: datagram exceeds MaxUDPPacketSize")
)

// EncodeDNSQuery builds a DNS_QUERY payload: nameLen u16 LE, name utf8, recordType u8.
func EncodeDNSQuery(name string, rt RecordType) ([]byte, error) {
	if len(name) > MaxDNSNameLength {
		return nil, ErrNameTooLong
	}
	buf := make([]byte, 2+len(name)+1)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(name)))
	copy(buf[2:2+len(name)], name)
	buf[2+len(name)] = byte(rt)
	return buf, nil
}

// DecodeDNSQuery parses a DNS_QUERY payload.
func DecodeDNSQuery(data []byte) (name string, rt RecordType, err error) {
	if len(data) < 2 {
		return "", 0, ErrFrameTooShort
	}
	nameLen := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+nameLen+1 {
		return "", 0, ErrFrameTooShort
	}
	if nameLen > MaxDNSNameLength {
		return "", 0, ErrNameTooLong
	}
	name = string(data[2 : 2+nameLen])
	rt = RecordType(data[2+nameLen])
	return name, rt, nil
}

// EncodeDNSResponse builds a DNS_RESPONSE payload: count u16 LE, then
// {ipLen u16 LE, ip utf8} per address.
func EncodeDNSResponse(ips []string) []byte {
	size := 2
	for _, ip := range ips {
		size += 2 + len(ip)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(ips)))
	off := 2
	for _, ip := range ips {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(ip)))
		off += 2
		copy(buf[off:off+len(ip)], ip)
		off += len(ip)
	}
	return buf
}

// DecodeDNSResponse parses a DNS_RESPONSE payload.
func DecodeDNSResponse(data []byte) ([]string, error) {
	if len(data) < 2 {
		return nil, ErrFrameTooShort
	}
	count := int(binary.LittleEndian.Uint16(data[0:2]))
	off := 2
	ips := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < off+2 {
			return nil, ErrFrameTooShort
		}
		ipLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		if len(data) < off+ipLen {
			return nil, ErrFrameTooShort
		}
		ips = append(ips, string(data[off:off+ipLen]))
		off += ipLen
	}
	return ips, nil
}

// EncodeUDPBind builds a UDP_BIND / UDP_BIND_ACK payload: hostLen u16 LE,
// host utf8, port u16 LE.
func EncodeUDPBind(host string, port uint16) []byte {
	buf := make([]byte, 2+len(host)+2)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(host)))
	copy(buf[2:2+len(host)], host)
	binary.LittleEndian.PutUint16(buf[2+len(host):], port)
	return buf
}

// DecodeUDPBind parses a UDP_BIND / UDP_BIND_ACK payload.
func DecodeUDPBind(data []byte) (host string, port uint16, err error) {
	if len(data) < 2 {
		return "", 0, ErrFrameTooShort
	}
	hostLen := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+hostLen+2 {
		return "", 0, ErrFrameTooShort
	}
	host = string(data[2 : 2+hostLen])
	port = binary.LittleEndian.Uint16(data[2+hostLen:])
	return host, port, nil
}

// EncodeUDPData builds a UDP_DATA payload: hostLen u16 LE, host utf8, port
// u16 LE, datagram bytes.
func EncodeUDPData(host string, port uint16, datagram []byte) ([]byte, error) {
	if len(datagram) > MaxUDPPacketSize {
		return nil, ErrPacketTooBig
	}
	buf := make([]byte, 2+len(host)+2+len(datagram))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(host)))
	copy(buf[2:2+len(host)], host)
	off := 2 + len(host)
	binary.LittleEndian.PutUint16(buf[off:off+2], port)
	off += 2
	copy(buf[off:], datagram)
	return buf, nil
}

// DecodeUDPData parses a UDP_DATA payload.
func DecodeUDPData(data []byte) (host string, port uint16, datagram []byte, err error) {
	if len(data) < 2 {
		return "", 0, nil, ErrFrameTooShort
	}
	hostLen := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < 2+hostLen+2 {
		return "", 0, nil, ErrFrameTooShort
	}
	host = string(data[2 : 2+hostLen])
	off := 2 + hostLen
	port = binary.LittleEndian.Uint16(data[off : off+2])
	off += 2
	datagram = data[off:]
	return host, port, datagram, nil
}

// EncodeTCPConnect builds the opaque-codec (host, port) pair for TCP_CONNECT.
func EncodeTCPConnect(host string, port int) ([]byte, error) {
	return opaque.Marshal([]any{host, int64(port)})
}

// DecodeTCPConnect parses the opaque-codec (host, port) pair.
func DecodeTCPConnect(data []byte) (host string, port int, err error) {
	v, err := opaque.Unmarshal(data)
	if err != nil {
		return "", 0, err
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return "", 0, fmt.Errorf("wire: malformed TCP_CONNECT payload")
	}
	host, ok = arr[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("wire: TCP_CONNECT host is not a string")
	}
	portInt, ok := arr[1].(int64)
	if !ok {
		return "", 0, fmt.Errorf("wire: TCP_CONNECT port is not an integer")
	}
	return host, int(portInt), nil
}

// HTTPRequestMeta is the decoded form of an HTTP_REQUEST opaque payload.
type HTTPRequestMeta struct {
	Method  string
	URL     string
	Headers map[string]string
}

// EncodeHTTPRequest builds the opaque-codec record for HTTP_REQUEST.
func EncodeHTTPRequest(meta HTTPRequestMeta) ([]byte, error) {
	headers := make(map[string]any, len(meta.Headers))
	for k, v := range meta.Headers {
		headers[k] = v
	}
	return opaque.Marshal(map[string]any{
		"method":  meta.Method,
		"url":     meta.URL,
		"headers": headers,
	})
}

// DecodeHTTPRequest parses the opaque-codec record for HTTP_REQUEST.
func DecodeHTTPRequest(data []byte) (HTTPRequestMeta, error) {
	v, err := opaque.Unmarshal(data)
	if err != nil {
		return HTTPRequestMeta{}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return HTTPRequestMeta{}, fmt.Errorf("wire: malformed HTTP_REQUEST payload")
	}
	meta := HTTPRequestMeta{Headers: map[string]string{}}
	meta.Method, _ = obj["method"].(string)
	meta.URL, _ = obj["url"].(string)
	if hdrs, ok := obj["headers"].(map[string]any); ok {
		for k, val := range hdrs {
			if s, ok := val.(string); ok {
				meta.Headers[k] = s
			}
		}
	}
	return meta, nil
}

// HTTPResponseMeta is the decoded form of an HTTP_RESPONSE opaque payload.
type HTTPResponseMeta struct {
	Status     int
	StatusText string
	Headers    map[string]string
	URL        string
	Body       bool
}

// httpTransferEncodingHeader is stripped from outgoing HTTP_RESPONSE headers;
// the transport frames body chunks itself, so transfer framing metadata
// would only mislead a receiver that re-synthesizes its own framing.
const httpTransferEncodingHeader = "transfer-encoding"

// EncodeHTTPResponse builds the opaque-codec record for HTTP_RESPONSE,
// stripping transfer-encoding from the header map per spec.
func EncodeHTTPResponse(meta HTTPResponseMeta) ([]byte, error) {
	headers := make(map[string]any, len(meta.Headers))
	for k, v := range meta.Headers {
		if isTransferEncodingKey(k) {
			continue
		}
		headers[k] = v
	}
	return opaque.Marshal(map[string]any{
		"status":     int64(meta.Status),
		"statusText": meta.StatusText,
		"headers":    headers,
		"url":        meta.URL,
		"body":       meta.Body,
	})
}

// DecodeHTTPResponse parses the opaque-codec record for HTTP_RESPONSE.
func DecodeHTTPResponse(data []byte) (HTTPResponseMeta, error) {
	v, err := opaque.Unmarshal(data)
	if err != nil {
		return HTTPResponseMeta{}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return HTTPResponseMeta{}, fmt.Errorf("wire: malformed HTTP_RESPONSE payload")
	}
	meta := HTTPResponseMeta{Headers: map[string]string{}}
	if status, ok := obj["status"].(int64); ok {
		meta.Status = int(status)
	}
	meta.StatusText, _ = obj["statusText"].(string)
	meta.URL, _ = obj["url"].(string)
	meta.Body, _ = obj["body"].(bool)
	if hdrs, ok := obj["headers"].(map[string]any); ok {
		for k, val := range hdrs {
			if s, ok := val.(string); ok {
				meta.Headers[k] = s
			}
		}
	}
	return meta, nil
}

func isTransferEncodingKey(k string) bool {
	if len(k) != len(httpTransferEncodingHeader) {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != httpTransferEncodingHeader[i] {
			return false
		}
	}
	return true
}

// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package wire

import (
	"bytes"
	"testing"
)

func TestDNSQueryEndianness(t *testing.T) {
	got, err := EncodeDNSQuery("example.com", RecordA)
	if err != nil {
		t.Fatalf("EncodeDNSQuery: %v", err)
	}
	want := append([]byte{0x0b, 0x00}, []byte("example.com")...)
	want = append(want, 0x00)
	if !bytes.Equal(got, want) {
		t.Fatalf("want %x, got %x", want, got)
	}
}

func TestDNSQueryRoundTrip(t *testing.T) {
	encoded, err := EncodeDNSQuery("a.test", RecordAAAA)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	name, rt, err := DecodeDNSQuery(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "a.test" || rt != RecordAAAA {
		t.Fatalf("want (a.test, AAAA), got (%s, %d)", name, rt)
	}
}

func TestDNSQueryNameTooLong(t *testing.T) {
	long := make([]byte, MaxDNSNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := EncodeDNSQuery(string(long), RecordA); err != ErrNameTooLong {
		t.Fatalf("want ErrNameTooLong, got %v", err)
	}
}

func TestDNSResponseRoundTrip(t *testing.T) {
	ips := []string{"1.2.3.4", "5.6.7.8"}
	encoded := EncodeDNSResponse(ips)
	decoded, err := DecodeDNSResponse(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 || decoded[0] != ips[0] || decoded[1] != ips[1] {
		t.Fatalf("want %v, got %v", ips, decoded)
	}
}

func TestDNSResponseWireExample(t *testing.T) {
	// S2 scenario from spec.md: 02 00  07 00 "1.2.3.4"  07 00 "5.6.7.8"
	encoded := EncodeDNSResponse([]string{"1.2.3.4", "5.6.7.8"})
	want := []byte{0x02, 0x00, 0x07, 0x00}
	want = append(want, []byte("1.2.3.4")...)
	want = append(want, 0x07, 0x00)
	want = append(want, []byte("5.6.7.8")...)
	if !bytes.Equal(encoded, want) {
		t.Fatalf("want %x, got %x", want, encoded)
	}
}

func TestUDPBindRoundTrip(t *testing.T) {
	encoded := EncodeUDPBind("0.0.0.0", 5353)
	host, port, err := DecodeUDPBind(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if host != "0.0.0.0" || port != 5353 {
		t.Fatalf("want (0.0.0.0, 5353), got (%s, %d)", host, port)
	}
}

func TestUDPDataRoundTrip(t *testing.T) {
	encoded, err := EncodeUDPData("198.51.100.1", 53, []byte{0xde, 0xad, 0xbe, 0xef})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	host, port, datagram, err := DecodeUDPData(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if host != "198.51.100.1" || port != 53 || !bytes.Equal(datagram, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("unexpected decode result: host=%s port=%d datagram=%x", host, port, datagram)
	}
}

func TestUDPDataTooBig(t *testing.T) {
	big := make([]byte, MaxUDPPacketSize+1)
	if _, err := EncodeUDPData("h", 1, big); err != ErrPacketTooBig {
		t.Fatalf("want ErrPacketTooBig, got %v", err)
	}
}

func TestTCPConnectRoundTrip(t *testing.T) {
	encoded, err := EncodeTCPConnect("127.0.0.1", 9)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	host, port, err := DecodeTCPConnect(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if host != "127.0.0.1" || port != 9 {
		t.Fatalf("want (127.0.0.1, 9), got (%s, %d)", host, port)
	}
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	meta := HTTPRequestMeta{
		Method:  "GET",
		URL:     "http://srv/x",
		Headers: map[string]string{"accept": "*/*"},
	}
	encoded, err := EncodeHTTPRequest(meta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeHTTPRequest(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Method != meta.Method || decoded.URL != meta.URL || decoded.Headers["accept"] != "*/*" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

func TestHTTPResponseStripsTransferEncoding(t *testing.T) {
	meta := HTTPResponseMeta{
		Status:     200,
		StatusText: "OK",
		Headers:    map[string]string{"Transfer-Encoding": "chunked", "Content-Type": "text/plain"},
		URL:        "http://srv/x",
		Body:       true,
	}
	encoded, err := EncodeHTTPResponse(meta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeHTTPResponse(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, present := decoded.Headers["Transfer-Encoding"]; present {
		t.Fatalf("transfer-encoding should have been stripped, got %+v", decoded.Headers)
	}
	if decoded.Headers["Content-Type"] != "text/plain" || !decoded.Body || decoded.Status != 200 {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}

// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package dispatch

// decodeErrorMessage renders an ERROR frame payload as a string. Per
// spec.md's ERROR payload note, the payload is plain UTF-8 (the DNS engine
// emits no flag byte). An empty payload yields a generic message; any other
// payload is returned as-is.
func decodeErrorMessage(payload []byte) string {
	if len(payload) == 0 {
		return "remote stream error"
	}
	return string(payload)
}

// EncodeError builds an ERROR frame payload from a plain message.
func EncodeError(msg string) []byte {
	return []byte(msg)
}

package wire

import (
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/warpmq/warpq/internal/werr"
)

// appendVarint appends i to b using the QUIC variable-length integer
// encoding, the same helper restys's http3 layer uses to build frames.
func appendVarint(b []byte, i uint64) []byte {
	return quicvarint.Append(b, i)
}

// readVarint parses one varint from the front of b, returning the value and
// the number of bytes consumed.
func readVarint(b []byte) (uint64, int, error) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, 0, werr.Malformedf("truncated varint: %v", err)
	}
	return v, n, nil
}

// appendBytes appends a varint length prefix followed by p.
func appendBytes(b []byte, p []byte) []byte {
	b = appendVarint(b, uint64(len(p)))
	return append(b, p...)
}

// readBytes parses a varint length prefix followed by that many bytes from
// the front of b.
func readBytes(b []byte) ([]byte, int, error) {
	l, n, err := readVarint(b)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-n) < l {
		return nil, 0, werr.Malformedf("byte string of length %d exceeds frame", l)
	}
	return b[n : n+int(l)], n + int(l), nil
}

// appendString is appendBytes for a string field.
func appendString(b []byte, s string) []byte {
	return appendBytes(b, []byte(s))
}

func readString(b []byte) (string, int, error) {
	raw, n, err := readBytes(b)
	if err != nil {
		return "", 0, err
	}
	return string(raw), n, nil
}

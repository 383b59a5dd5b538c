/*
Package codec implements the compact TLV (Type-Length-Value) layout used for
everything tagstore writes into a backend record.

# Record Format

Two header formats are selected by body size:

 1. Short Format (2 bytes header) - bodies up to 255 bytes:
    [lowercase_type, body_length]

 2. Long Format (5 bytes header) - larger bodies:
    [uppercase_type, length_as_4byte_little_endian]

Record types are letters A-Z; the case of the stored byte tells the header
format, readers always see the uppercase letter.

Flash records are small, so nearly everything lands in the short format.
*/
package codec

import (
	"encoding/binary"
	"errors"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("codec: incomplete record")
	ErrBadRecord  = errors.New("codec: bad TLV record format")
	ErrMissing    = errors.New("codec: required field missing")
)

// ProbeHeader reads a record header.
//
// Returns:
//   - lit: record type ('A'-'Z', '-' for garbage, 0 for incomplete)
//   - hdrlen: header length (2 or 5 bytes)
//   - bodylen: body length in bytes
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= 'a' && dlit <= 'z':
		if len(data) < 2 {
			return
		}
		lit = dlit - CaseBit
		hdrlen = 2
		bodylen = int(data[1])
	case dlit >= 'A' && dlit <= 'Z':
		if len(data) < 5 {
			return
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			lit = '-'
			return
		}
		lit = dlit
		bodylen = int(bl)
		hdrlen = 5
	default:
		lit = '-'
	}
	return
}

// AppendHeader appends a header for a body of bodylen bytes.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	if bodylen > 0xff {
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
	return append(into, biglit|CaseBit, byte(bodylen))
}

func totalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Append appends a complete record to into.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, totalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record creates a complete record with pre-allocated capacity.
func Record(lit byte, body ...[]byte) []byte {
	total := totalLen(body)
	return Append(make([]byte, 0, total+5), lit, body...)
}

// Concat joins records into one buffer.
func Concat(recs ...[]byte) []byte {
	ret := make([]byte, 0, totalLen(recs))
	for _, r := range recs {
		ret = append(ret, r...)
	}
	return ret
}

// Take extracts the leading record of type lit.
func Take(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit {
		return nil, data, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// TakeAny extracts the leading record whatever its type.
func TakeAny(data []byte) (lit byte, body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case flit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	case flit == '-':
		return 0, nil, data, ErrBadRecord
	}
	return flit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// Fields splits data into records keyed by type. Later duplicates win.
func Fields(data []byte) (map[byte][]byte, error) {
	fields := make(map[byte][]byte)
	for len(data) > 0 {
		lit, body, rest, err := TakeAny(data)
		if err != nil {
			return nil, err
		}
		fields[lit] = body
		data = rest
	}
	return fields, nil
}

// Need returns the body of a required field.
func Need(fields map[byte][]byte, lit byte) ([]byte, error) {
	body, ok := fields[lit]
	if !ok {
		return nil, ErrMissing
	}
	return body, nil
}

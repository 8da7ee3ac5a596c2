// Package codec implements the TFTP wire format: RFC 1350 opcodes plus the
// RFC 2347 option-extension mechanism (blksize, tsize). It is a pure
// bytes<->Packet codec with no I/O of its own.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcodes, per RFC 1350 and RFC 2347.
const (
	OpRRQ   uint16 = 1
	OpWRQ   uint16 = 2
	OpDATA  uint16 = 3
	OpACK   uint16 = 4
	OpERROR uint16 = 5
	OpOACK  uint16 = 6
)

// BlockSize is the default DATA payload when blksize is not negotiated.
const BlockSize = 512

// MaxBlksize is the largest blksize a client may request (RFC 2348).
const MaxBlksize = 65464

// ErrMalformed indicates the buffer does not decode to a legal Packet.
var ErrMalformed = errors.New("codec: malformed packet")

// Options is a lowercase-keyed, case-preserved-value option map, as
// negotiated by RRQ/WRQ/OACK.
type Options map[string]string

// Packet is a tagged union over the six TFTP packet shapes. Only the fields
// commented with the opcode selected by Op are meaningful.
type Packet struct {
	Op       uint16
	Filename string  // RRQ, WRQ
	Mode     string  // RRQ, WRQ
	Options  Options // RRQ, WRQ, OACK
	Block    uint16  // DATA, ACK
	Data     []byte  // DATA
	Code     uint16  // ERROR
	Msg      string  // ERROR
}

// RRQ builds a read-request packet.
func RRQ(filename, mode string, options Options) Packet {
	return Packet{Op: OpRRQ, Filename: filename, Mode: mode, Options: options}
}

// WRQ builds a write-request packet.
func WRQ(filename, mode string, options Options) Packet {
	return Packet{Op: OpWRQ, Filename: filename, Mode: mode, Options: options}
}

// DATA builds a data packet.
func DATA(block uint16, data []byte) Packet {
	return Packet{Op: OpDATA, Block: block, Data: data}
}

// ACK builds an acknowledgment packet.
func ACK(block uint16) Packet {
	return Packet{Op: OpACK, Block: block}
}

// ERROR builds an error packet.
func ERROR(code uint16, msg string) Packet {
	return Packet{Op: OpERROR, Code: code, Msg: msg}
}

// OACK builds an option-acknowledgment packet.
func OACK(options Options) Packet {
	return Packet{Op: OpOACK, Options: options}
}

// Encode serializes p to its on-wire form.
func Encode(p Packet) []byte {
	switch p.Op {
	case OpRRQ, OpWRQ:
		return encodeRequest(p.Op, p.Filename, p.Mode, p.Options)
	case OpDATA:
		buf := make([]byte, 4+len(p.Data))
		binary.BigEndian.PutUint16(buf[0:2], OpDATA)
		binary.BigEndian.PutUint16(buf[2:4], p.Block)
		copy(buf[4:], p.Data)
		return buf
	case OpACK:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], OpACK)
		binary.BigEndian.PutUint16(buf[2:4], p.Block)
		return buf
	case OpERROR:
		buf := make([]byte, 0, 5+len(p.Msg))
		buf = appendUint16(buf, OpERROR)
		buf = appendUint16(buf, p.Code)
		buf = append(buf, p.Msg...)
		buf = append(buf, 0)
		return buf
	case OpOACK:
		buf := make([]byte, 0, 2)
		buf = appendUint16(buf, OpOACK)
		return appendOptions(buf, p.Options)
	default:
		panic(fmt.Sprintf("codec: unknown opcode %d", p.Op))
	}
}

func encodeRequest(op uint16, filename, mode string, options Options) []byte {
	buf := make([]byte, 0, 4+len(filename)+len(mode))
	buf = appendUint16(buf, op)
	buf = append(buf, filename...)
	buf = append(buf, 0)
	buf = append(buf, mode...)
	buf = append(buf, 0)
	return appendOptions(buf, options)
}

func appendOptions(buf []byte, options Options) []byte {
	for key, val := range options {
		buf = append(buf, key...)
		buf = append(buf, 0)
		buf = append(buf, val...)
		buf = append(buf, 0)
	}
	return buf
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// Decode parses buf into a Packet, or returns ErrMalformed (wrapped with
// detail) if buf does not hold a legal packet.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return Packet{}, fmt.Errorf("%w: buffer shorter than 2 bytes", ErrMalformed)
	}
	op := binary.BigEndian.Uint16(buf[0:2])
	switch op {
	case OpRRQ:
		return decodeRequest(buf, OpRRQ)
	case OpWRQ:
		return decodeRequest(buf, OpWRQ)
	case OpDATA:
		return decodeData(buf)
	case OpACK:
		return decodeAck(buf)
	case OpERROR:
		return decodeError(buf)
	case OpOACK:
		return decodeOack(buf)
	default:
		return Packet{}, fmt.Errorf("%w: unknown opcode %d", ErrMalformed, op)
	}
}

func decodeRequest(buf []byte, op uint16) (Packet, error) {
	fields := bytes.Split(buf[2:], []byte{0})
	if len(fields) < 2 {
		return Packet{}, fmt.Errorf("%w: missing filename or mode", ErrMalformed)
	}
	filename := string(fields[0])
	if filename == "" {
		return Packet{}, fmt.Errorf("%w: empty filename", ErrMalformed)
	}
	mode := lowercase(string(fields[1]))
	options := parseOptionFields(fields[2:])
	return Packet{Op: op, Filename: filename, Mode: mode, Options: options}, nil
}

// parseOptionFields reads option/value pairs from fields (already split on
// NUL), ignoring empty keys and a dangling unpaired trailing field.
func parseOptionFields(fields [][]byte) Options {
	options := Options{}
	for i := 0; i+1 < len(fields); i += 2 {
		key := lowercase(string(fields[i]))
		if key == "" {
			continue
		}
		options[key] = string(fields[i+1])
	}
	return options
}

func decodeData(buf []byte) (Packet, error) {
	if len(buf) < 4 {
		return Packet{}, fmt.Errorf("%w: DATA shorter than 4 bytes", ErrMalformed)
	}
	block := binary.BigEndian.Uint16(buf[2:4])
	data := append([]byte(nil), buf[4:]...)
	return Packet{Op: OpDATA, Block: block, Data: data}, nil
}

func decodeAck(buf []byte) (Packet, error) {
	if len(buf) < 4 {
		return Packet{}, fmt.Errorf("%w: ACK shorter than 4 bytes", ErrMalformed)
	}
	block := binary.BigEndian.Uint16(buf[2:4])
	return Packet{Op: OpACK, Block: block}, nil
}

func decodeError(buf []byte) (Packet, error) {
	if len(buf) < 5 {
		return Packet{}, fmt.Errorf("%w: ERROR shorter than 5 bytes", ErrMalformed)
	}
	code := binary.BigEndian.Uint16(buf[2:4])
	msgBytes := buf[4:]
	end := bytes.IndexByte(msgBytes, 0)
	if end < 0 {
		end = len(msgBytes)
	}
	return Packet{Op: OpERROR, Code: code, Msg: string(msgBytes[:end])}, nil
}

func decodeOack(buf []byte) (Packet, error) {
	fields := bytes.Split(buf[2:], []byte{0})
	return Packet{Op: OpOACK, Options: parseOptionFields(fields)}, nil
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

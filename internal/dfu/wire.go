package dfu

import (
	"encoding/binary"
	"fmt"
)

// Opcode is a DFU control-point command byte.
type Opcode byte

const (
	OpCreate       Opcode = 0x01
	OpSetPRN       Opcode = 0x02
	OpCalculateCRC Opcode = 0x03
	OpExecute      Opcode = 0x04
	OpSelect       Opcode = 0x06
	OpResponse     Opcode = 0x60
)

func (o Opcode) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpSetPRN:
		return "SET_PRN"
	case OpCalculateCRC:
		return "CALCULATE_CRC"
	case OpExecute:
		return "EXECUTE"
	case OpSelect:
		return "SELECT"
	case OpResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("opcode(0x%02X)", byte(o))
	}
}

// ObjectType is the DFU object-type tag carried by CREATE and SELECT.
type ObjectType byte

const (
	ObjectCommand ObjectType = 0x01 // init packet
	ObjectData    ObjectType = 0x02 // firmware
)

func (t ObjectType) String() string {
	switch t {
	case ObjectCommand:
		return "init packet"
	case ObjectData:
		return "firmware"
	default:
		return fmt.Sprintf("objectType(0x%02X)", byte(t))
	}
}

// SelectResponse is the decoded body of a successful SELECT response.
type SelectResponse struct {
	MaximumSize uint32
	Offset      uint32
	CRC32       uint32
}

// CRCResponse is the decoded body of a successful CALCULATE_CRC response,
// and also the shape of a PRN notification.
type CRCResponse struct {
	Offset uint32
	CRC32  uint32
}

// encodeCreate builds a CREATE request: [CREATE, type, size_le_u32].
func encodeCreate(t ObjectType, size uint32) []byte {
	buf := make([]byte, 6)
	buf[0] = byte(OpCreate)
	buf[1] = byte(t)
	binary.LittleEndian.PutUint32(buf[2:], size)
	return buf
}

// encodeSetPRN builds a SET_PRN request: [SET_PRN, value_le_u16].
func encodeSetPRN(value uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = byte(OpSetPRN)
	binary.LittleEndian.PutUint16(buf[1:], value)
	return buf
}

// encodeCalculateCRC builds a CALCULATE_CRC request: [CALCULATE_CRC].
func encodeCalculateCRC() []byte {
	return []byte{byte(OpCalculateCRC)}
}

// encodeExecute builds an EXECUTE request: [EXECUTE].
func encodeExecute() []byte {
	return []byte{byte(OpExecute)}
}

// encodeSelect builds a SELECT request: [SELECT, type].
func encodeSelect(t ObjectType) []byte {
	return []byte{byte(OpSelect), byte(t)}
}

// decodeResponse validates the RESPONSE envelope and returns the request
// opcode it answers, the result code, and the remaining payload.
//
// Frame shape: [RESPONSE, req_opcode, result, body...].
func decodeResponse(frame []byte) (Opcode, ResultCode, []byte, error) {
	if len(frame) < 3 {
		return 0, 0, nil, fmt.Errorf("dfu: response frame too short (%d bytes)", len(frame))
	}
	if Opcode(frame[0]) != OpResponse {
		return 0, 0, nil, fmt.Errorf("dfu: expected RESPONSE (0x60), got 0x%02X", frame[0])
	}
	return Opcode(frame[1]), ResultCode(frame[2]), frame[3:], nil
}

// decodeCRCResponse decodes a CALCULATE_CRC success body: offset, crc32.
func decodeCRCResponse(body []byte) (CRCResponse, error) {
	if len(body) < 8 {
		return CRCResponse{}, fmt.Errorf("dfu: CRC response too short (%d bytes)", len(body))
	}
	return CRCResponse{
		Offset: binary.LittleEndian.Uint32(body[0:4]),
		CRC32:  binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

// decodeSelectResponse decodes a SELECT success body: max_size, offset, crc32.
func decodeSelectResponse(body []byte) (SelectResponse, error) {
	if len(body) < 12 {
		return SelectResponse{}, fmt.Errorf("dfu: select response too short (%d bytes)", len(body))
	}
	return SelectResponse{
		MaximumSize: binary.LittleEndian.Uint32(body[0:4]),
		Offset:      binary.LittleEndian.Uint32(body[4:8]),
		CRC32:       binary.LittleEndian.Uint32(body[8:12]),
	}, nil
}

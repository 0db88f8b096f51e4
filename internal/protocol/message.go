// Package protocol implements the fixed-layout validation record exchanged
// between participants and the coordinator. Every message on the wire is
// exactly MessageSize bytes.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Message types
type MessageType uint8

const (
	TypeRegister         MessageType = 0x01
	TypeSyncPoint        MessageType = 0x02
	TypeValidationResult MessageType = 0x03
	TypeShutdown         MessageType = 0x04
)

func (mt MessageType) String() string {
	switch mt {
	case TypeRegister:
		return "REGISTER"
	case TypeSyncPoint:
		return "SYNC_POINT"
	case TypeValidationResult:
		return "VALIDATION_RESULT"
	case TypeShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(mt))
	}
}

// CoordinatorID is the sender id carried by coordinator-originated messages.
const CoordinatorID int32 = -1

// Field widths. Fingerprint and MismatchDetails are NUL-terminated, so the
// usable content is one byte less than the field.
const (
	FingerprintSize   = 256
	DetailsSize       = 256
	MaxFingerprintLen = FingerprintSize - 1
	MaxDetailsLen     = DetailsSize - 1
)

// MessageSize is the size of the record on the wire.
const MessageSize = 16 + FingerprintSize + DetailsSize

// Message is the single record type carrying all coordinator/participant
// communication.
//
// Wire layout (big-endian integers):
//
//	Byte  0:      message type
//	Byte  1:      validation passed (0/1, VALIDATION_RESULT only)
//	Bytes 2-3:    reserved
//	Bytes 4-7:    instance id (int32, -1 when sent by the coordinator)
//	Bytes 8-11:   sync point ordinal (uint32)
//	Bytes 12-15:  reserved
//	Bytes 16-271: fingerprint, NUL-terminated
//	Bytes 272-527: mismatch details, NUL-terminated
type Message struct {
	Type            MessageType
	Passed          uint8
	InstanceID      int32
	SyncPoint       uint32
	Fingerprint     [FingerprintSize]byte
	MismatchDetails [DetailsSize]byte
}

// Validate checks that the record carries a known type tag.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeRegister, TypeSyncPoint, TypeValidationResult, TypeShutdown:
		return nil
	}
	return fmt.Errorf("invalid message type: 0x%02X", uint8(m.Type))
}

// Marshal serializes the message to its fixed wire form.
func (m *Message) Marshal() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, MessageSize))

	var reserved16 uint16
	var reserved32 uint32

	if err := binary.Write(buf, binary.BigEndian, m.Type); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, m.Passed); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, reserved16); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, m.InstanceID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, m.SyncPoint); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, reserved32); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, m.Fingerprint); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, m.MismatchDetails); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal deserializes the message from its fixed wire form.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < MessageSize {
		return fmt.Errorf("data too short: %d bytes (need %d)", len(data), MessageSize)
	}

	buf := bytes.NewReader(data)

	var reserved16 uint16
	var reserved32 uint32

	if err := binary.Read(buf, binary.BigEndian, &m.Type); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.Passed); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &reserved16); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.InstanceID); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.SyncPoint); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &reserved32); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.Fingerprint); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.MismatchDetails); err != nil {
		return err
	}

	return m.Validate()
}

// SetFingerprint copies s into the fingerprint field, zero-filling the
// remainder. Fingerprints longer than MaxFingerprintLen are rejected.
func (m *Message) SetFingerprint(s string) error {
	if len(s) > MaxFingerprintLen {
		return fmt.Errorf("fingerprint too long: %d bytes (max %d)", len(s), MaxFingerprintLen)
	}
	m.Fingerprint = [FingerprintSize]byte{}
	copy(m.Fingerprint[:], s)
	return nil
}

// FingerprintString returns the fingerprint up to its NUL terminator.
func (m *Message) FingerprintString() string {
	return cString(m.Fingerprint[:])
}

// SetMismatchDetails copies s into the details field, truncating at
// MaxDetailsLen. Details are diagnostic text; truncation is acceptable.
func (m *Message) SetMismatchDetails(s string) {
	m.MismatchDetails = [DetailsSize]byte{}
	if len(s) > MaxDetailsLen {
		s = s[:MaxDetailsLen]
	}
	copy(m.MismatchDetails[:], s)
}

// MismatchDetailsString returns the details up to their NUL terminator.
func (m *Message) MismatchDetailsString() string {
	return cString(m.MismatchDetails[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// ReadMessage reads exactly one message from r. Partial reads are handled
// by io.ReadFull; the caller sees either a complete record or an error.
func ReadMessage(r io.Reader) (*Message, error) {
	buf := make([]byte, MessageSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	msg := &Message{}
	if err := msg.Unmarshal(buf); err != nil {
		return nil, err
	}

	return msg, nil
}

// WriteMessage writes one message to w, looping until the full record has
// been written.
func WriteMessage(w io.Writer, m *Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}

	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

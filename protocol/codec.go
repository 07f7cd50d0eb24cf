package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxPayloadSize bounds a single message; probe messages are tiny.
const MaxPayloadSize = 64 * 1024

// ErrPayloadTooLarge is returned for frames announcing more than MaxPayloadSize bytes.
var ErrPayloadTooLarge = errors.New("payload too large")

// Wire format: [1 byte type][4 bytes length][payload]

// WriteMessage writes a message to the writer using buffer pooling to reduce allocations.
func WriteMessage(w io.Writer, msgType byte, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	buf := GetBufferWithSize(5 + len(data))
	defer PutBuffer(buf)

	header := [5]byte{msgType}
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))
	buf.Write(header[:])
	buf.Write(data)

	// Single write to the underlying writer
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads one frame and returns its type and raw payload.
func ReadMessage(r io.Reader) (msgType byte, payload []byte, err error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	msgType = header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return msgType, payload, nil
}

// DecodeMessage decodes a payload into a message structure
func DecodeMessage(payload []byte, msg any) error {
	if err := json.Unmarshal(payload, msg); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// RemoteError is an ErrorMsg received from the peer.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// ReadTypedMessage reads and decodes a message in one call. An ErrorMsg from
// the peer is returned as *RemoteError.
func ReadTypedMessage(r io.Reader, expectedType byte, msg any) error {
	msgType, payload, err := ReadMessage(r)
	if err != nil {
		return err
	}

	if msgType == MsgTypeError && expectedType != MsgTypeError {
		var remote ErrorMsg
		if err := DecodeMessage(payload, &remote); err != nil {
			return err
		}
		return &RemoteError{Code: remote.Code, Message: remote.Message}
	}
	if msgType != expectedType {
		return fmt.Errorf("unexpected message type: got 0x%02x, expected 0x%02x", msgType, expectedType)
	}

	return DecodeMessage(payload, msg)
}

// WriteHello writes a probe request
func WriteHello(w io.Writer, clientID string, seq int) error {
	return WriteMessage(w, MsgTypeHello, HelloMsg{
		ClientID: clientID,
		Seq:      seq,
		Version:  ProtocolVersion,
	})
}

// WriteHelloAck writes a probe answer
func WriteHelloAck(w io.Writer, ack HelloAckMsg) error {
	return WriteMessage(w, MsgTypeHelloAck, ack)
}

// WriteError writes an error message
func WriteError(w io.Writer, code uint32, message string) error {
	return WriteMessage(w, MsgTypeError, ErrorMsg{
		Code:    code,
		Message: message,
	})
}

package dashpoll

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Protocol constants
const (
	// ProtocolVersion is the current version of the /ws2 protocol
	ProtocolVersion byte = 1

	// Message type constants
	MessageTypePoints    byte = 0x01
	MessageTypeField     byte = 0x02
	MessageTypeWindow    byte = 0x03
	MessageTypeStreamEnd byte = 0x04

	// Header size in bytes
	EnvelopeHeaderSize = 8

	// Series names are length-prefixed with a uint16.
	maxSeriesNameLength = math.MaxUint16
)

// EnvelopeHeader represents the message envelope header
type EnvelopeHeader struct {
	Version  byte
	Reserved [2]byte // Reserved for future use
	Type     byte
	Length   uint32 // Payload length in bytes
}

// PointsMessage represents a POINTS message payload (type 0x01)
type PointsMessage struct {
	Series string
	Length uint32    // Number of X/Y pairs
	X      []float64 // X values
	Y      []float64 // Y values
}

// WindowMessage represents a WINDOW message payload (type 0x03)
type WindowMessage struct {
	Series string
	Min    float64
	Max    float64
}

// StreamEndMessage represents a STREAM_END message payload (type 0x04)
type StreamEndMessage struct {
	Error bool
	Msg   string
}

// WSMessage represents a complete websocket message with header and payload
type WSMessage struct {
	Header  EnvelopeHeader
	Payload interface{} // One of: PointsMessage, FieldUpdate, WindowMessage, StreamEndMessage
}

// EncodeEnvelopeHeader encodes the envelope header into a byte slice
func EncodeEnvelopeHeader(env EnvelopeHeader) []byte {
	buf := make([]byte, EnvelopeHeaderSize)
	buf[0] = env.Version
	buf[1] = env.Reserved[0]
	buf[2] = env.Reserved[1]
	buf[3] = env.Type
	binary.LittleEndian.PutUint32(buf[4:8], env.Length)
	return buf
}

// DecodeEnvelopeHeader decodes the envelope header from a byte slice
// Returns the envelope and an error if the buffer is too short
func DecodeEnvelopeHeader(buf []byte) (EnvelopeHeader, error) {
	if len(buf) < EnvelopeHeaderSize {
		return EnvelopeHeader{}, fmt.Errorf("buffer too short: expected at least %d bytes, got %d", EnvelopeHeaderSize, len(buf))
	}

	env := EnvelopeHeader{
		Version: buf[0],
		Type:    buf[3],
		Length:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	env.Reserved[0] = buf[1]
	env.Reserved[1] = buf[2]

	return env, nil
}

func appendSeriesName(buf []byte, name string) ([]byte, error) {
	if len(name) > maxSeriesNameLength {
		return nil, fmt.Errorf("series name too long: %d bytes", len(name))
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	return append(buf, name...), nil
}

// Returns the name and the number of bytes consumed.
func readSeriesName(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("buffer too short for series name: got %d bytes", len(buf))
	}

	nameLength := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+nameLength {
		return "", 0, fmt.Errorf("buffer too short for series name of %d bytes: got %d", nameLength, len(buf)-2)
	}

	return string(buf[2 : 2+nameLength]), 2 + nameLength, nil
}

// EncodePointsMessage encodes a POINTS message payload
// Returns error if X and Y arrays don't match in length
func EncodePointsMessage(msg PointsMessage) ([]byte, error) {
	if len(msg.X) != len(msg.Y) {
		return nil, fmt.Errorf("X and Y arrays must have same length: X=%d, Y=%d", len(msg.X), len(msg.Y))
	}
	if uint32(len(msg.X)) != msg.Length {
		return nil, fmt.Errorf("Length field (%d) doesn't match array length (%d)", msg.Length, len(msg.X))
	}

	// Name(2 + n) + Length(4) + X array + Y array
	buf := make([]byte, 0, 2+len(msg.Series)+4+int(msg.Length)*8*2)

	buf, err := appendSeriesName(buf, msg.Series)
	if err != nil {
		return nil, err
	}

	buf = binary.LittleEndian.AppendUint32(buf, msg.Length)

	for _, x := range msg.X {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(x))
	}

	for _, y := range msg.Y {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(y))
	}

	return buf, nil
}

// DecodePointsMessage decodes a POINTS message payload
func DecodePointsMessage(buf []byte) (PointsMessage, error) {
	name, offset, err := readSeriesName(buf)
	if err != nil {
		return PointsMessage{}, err
	}

	if len(buf) < offset+4 {
		return PointsMessage{}, fmt.Errorf("buffer too short for POINTS message: expected at least %d bytes, got %d", offset+4, len(buf))
	}

	msg := PointsMessage{
		Series: name,
		Length: binary.LittleEndian.Uint32(buf[offset : offset+4]),
	}
	offset += 4

	// Validate buffer size
	expectedSize := uint64(offset) + uint64(msg.Length)*8*2
	if uint64(len(buf)) != expectedSize {
		return PointsMessage{}, fmt.Errorf("buffer size mismatch: expected %d bytes for %d pairs, got %d", expectedSize, msg.Length, len(buf))
	}

	msg.X = make([]float64, msg.Length)
	for i := uint32(0); i < msg.Length; i++ {
		msg.X[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[offset : offset+8]))
		offset += 8
	}

	msg.Y = make([]float64, msg.Length)
	for i := uint32(0); i < msg.Length; i++ {
		msg.Y[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[offset : offset+8]))
		offset += 8
	}

	return msg, nil
}

// EncodeWindowMessage encodes a WINDOW message payload
func EncodeWindowMessage(msg WindowMessage) ([]byte, error) {
	buf := make([]byte, 0, 2+len(msg.Series)+16)

	buf, err := appendSeriesName(buf, msg.Series)
	if err != nil {
		return nil, err
	}

	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(msg.Min))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(msg.Max))
	return buf, nil
}

// DecodeWindowMessage decodes a WINDOW message payload
func DecodeWindowMessage(buf []byte) (WindowMessage, error) {
	name, offset, err := readSeriesName(buf)
	if err != nil {
		return WindowMessage{}, err
	}

	if len(buf) != offset+16 {
		return WindowMessage{}, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", offset+16, len(buf))
	}

	return WindowMessage{
		Series: name,
		Min:    math.Float64frombits(binary.LittleEndian.Uint64(buf[offset : offset+8])),
		Max:    math.Float64frombits(binary.LittleEndian.Uint64(buf[offset+8 : offset+16])),
	}, nil
}

// Payload: JSON Length (4 bytes) + JSON data
func encodeJSONPayload(v interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}

	buf := make([]byte, 4+len(jsonData))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(jsonData)))
	copy(buf[4:], jsonData)

	return buf, nil
}

func decodeJSONPayload(buf []byte, v interface{}) error {
	if len(buf) < 4 {
		return fmt.Errorf("buffer too short for JSON payload: expected at least 4 bytes, got %d", len(buf))
	}

	jsonLength := binary.LittleEndian.Uint32(buf[0:4])

	// Validate buffer size
	expectedSize := 4 + uint64(jsonLength)
	if uint64(len(buf)) != expectedSize {
		return fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", expectedSize, len(buf))
	}

	if err := json.Unmarshal(buf[4:], v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}

	return nil
}

// EncodeFieldMessage encodes a FIELD message payload
func EncodeFieldMessage(msg FieldUpdate) ([]byte, error) {
	return encodeJSONPayload(msg)
}

// DecodeFieldMessage decodes a FIELD message payload
func DecodeFieldMessage(buf []byte) (FieldUpdate, error) {
	var msg FieldUpdate
	if err := decodeJSONPayload(buf, &msg); err != nil {
		return FieldUpdate{}, err
	}
	return msg, nil
}

// EncodeStreamEndMessage encodes a STREAM_END message payload
func EncodeStreamEndMessage(msg StreamEndMessage) ([]byte, error) {
	return encodeJSONPayload(msg)
}

// DecodeStreamEndMessage decodes a STREAM_END message payload
func DecodeStreamEndMessage(buf []byte) (StreamEndMessage, error) {
	var msg StreamEndMessage
	if err := decodeJSONPayload(buf, &msg); err != nil {
		return StreamEndMessage{}, err
	}
	return msg, nil
}

// EncodeWSMessage encodes a WSMessage into a complete message byte slice
// Returns error if payload encoding fails or if payload type is invalid
func EncodeWSMessage(msg WSMessage) ([]byte, error) {
	var payload []byte
	var err error

	switch msg.Header.Type {
	case MessageTypePoints:
		points, ok := msg.Payload.(PointsMessage)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected PointsMessage for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodePointsMessage(points)
	case MessageTypeField:
		field, ok := msg.Payload.(FieldUpdate)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected FieldUpdate for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeFieldMessage(field)
	case MessageTypeWindow:
		window, ok := msg.Payload.(WindowMessage)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected WindowMessage for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeWindowMessage(window)
	case MessageTypeStreamEnd:
		streamEnd, ok := msg.Payload.(StreamEndMessage)
		if !ok {
			return nil, fmt.Errorf("payload type mismatch: expected StreamEndMessage for type 0x%02x, got %T", msg.Header.Type, msg.Payload)
		}
		payload, err = EncodeStreamEndMessage(streamEnd)
	default:
		return nil, fmt.Errorf("unknown message type: 0x%02x", msg.Header.Type)
	}

	if err != nil {
		return nil, err
	}

	// Update header length to match actual payload size
	msg.Header.Length = uint32(len(payload))

	return append(EncodeEnvelopeHeader(msg.Header), payload...), nil
}

// DecodeWSMessage decodes a complete message (envelope + payload) into a WSMessage
// Returns error if buffer is too short or payload decoding fails
func DecodeWSMessage(buf []byte) (WSMessage, error) {
	env, err := DecodeEnvelopeHeader(buf)
	if err != nil {
		return WSMessage{}, err
	}

	// Validate full message size
	expectedSize := uint64(EnvelopeHeaderSize) + uint64(env.Length)
	if uint64(len(buf)) < expectedSize {
		return WSMessage{}, fmt.Errorf("buffer too short: expected %d bytes (header + payload), got %d", expectedSize, len(buf))
	}

	payloadBytes := buf[EnvelopeHeaderSize:expectedSize]

	var payload interface{}
	switch env.Type {
	case MessageTypePoints:
		payload, err = DecodePointsMessage(payloadBytes)
	case MessageTypeField:
		payload, err = DecodeFieldMessage(payloadBytes)
	case MessageTypeWindow:
		payload, err = DecodeWindowMessage(payloadBytes)
	case MessageTypeStreamEnd:
		payload, err = DecodeStreamEndMessage(payloadBytes)
	default:
		return WSMessage{}, fmt.Errorf("unknown message type: 0x%02x", env.Type)
	}

	if err != nil {
		return WSMessage{}, err
	}

	return WSMessage{
		Header:  env,
		Payload: payload,
	}, nil
}

// EventToWSMessage converts a dashboard event into its /ws2 framing.
func EventToWSMessage(event Event) (WSMessage, error) {
	header := EnvelopeHeader{Version: ProtocolVersion}

	switch event.Kind {
	case EventPointsAdded:
		points := PointsMessage{
			Series: event.Series,
			Length: uint32(len(event.Points)),
			X:      make([]float64, len(event.Points)),
			Y:      make([]float64, len(event.Points)),
		}
		for i, p := range event.Points {
			points.X[i] = p.X
			points.Y[i] = p.Y
		}
		header.Type = MessageTypePoints
		return WSMessage{Header: header, Payload: points}, nil
	case EventFieldChanged:
		header.Type = MessageTypeField
		return WSMessage{Header: header, Payload: FieldUpdate{ID: event.Field, Value: event.Value}}, nil
	case EventWindowChanged:
		if event.Window == nil {
			return WSMessage{}, fmt.Errorf("window event for %q has no bounds", event.Series)
		}
		header.Type = MessageTypeWindow
		return WSMessage{Header: header, Payload: WindowMessage{
			Series: event.Series,
			Min:    event.Window.Min,
			Max:    event.Window.Max,
		}}, nil
	case EventStreamEnded:
		header.Type = MessageTypeStreamEnd
		return WSMessage{Header: header, Payload: StreamEndMessage{
			Error: event.Error != "",
			Msg:   event.Error,
		}}, nil
	default:
		return WSMessage{}, fmt.Errorf("unknown event kind: %q", event.Kind)
	}
}

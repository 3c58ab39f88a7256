package protocol

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewFrameMessage creates a frame message from an encoded image.
func NewFrameMessage(width, height int, mime string, data []byte, frameID uint64) (*Message, error) {
	return NewMessage(TypeFrame, FrameData{
		Width:   width,
		Height:  height,
		Format:  FormatFromMIME(mime),
		Data:    DataURI(mime, data),
		FrameID: frameID,
	})
}

// NewResultMessage creates a result message.
func NewResultMessage(res *Result) (*Message, error) {
	return NewMessage(TypeResult, res)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(msg string) (*Message, error) {
	return NewMessage(TypeError, ErrorData{Message: msg})
}

// NewPingMessage creates a ping message.
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: time.Now().UnixMilli()})
}

// NewPongMessage creates a pong response message.
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetFrameData extracts frame data from a message.
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetResult extracts and normalizes a result payload.
func (m *Message) GetResult() (*Result, error) {
	return DecodeResult(m.Data)
}

// GetErrorData extracts an error report from a message.
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message.
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message.
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// DecodeImage decodes the frame's data URI.
func (f *FrameData) DecodeImage() (mime string, data []byte, err error) {
	return DecodeDataURI(f.Data)
}

// =============================================================================
// Data URIs
// =============================================================================

// ErrNotDataURI is returned for strings that are not base64 data URIs.
var ErrNotDataURI = errors.New("protocol: not a base64 data URI")

// DataURI builds "data:<mime>;base64,<payload>".
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI splits a base64 data URI into its MIME type and bytes.
// A bare base64 string is accepted and reported with an empty MIME type.
func DecodeDataURI(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", nil, ErrNotDataURI
		}
		return "", data, nil
	}

	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", nil, ErrNotDataURI
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSuffix(header, ";base64"), data, nil
}

// FormatFromMIME returns the short format name for an image MIME type.
func FormatFromMIME(mime string) string {
	return strings.TrimPrefix(mime, "image/")
}

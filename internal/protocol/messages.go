// Package protocol defines the websocket payloads for the streaming
// variant of the talking-reply endpoint.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientRequest  MessageType = "client_request"
	TypePipelineStage  MessageType = "pipeline_stage"
	TypePipelineResult MessageType = "pipeline_result"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientRequest carries the pipeline inputs inline. The image is required;
// text and audio follow the same either-or rule as the multipart endpoint.
type ClientRequest struct {
	Type        MessageType `json:"type"`
	ImageBase64 string      `json:"image_base64"`
	ImageExt    string      `json:"image_ext"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	AudioExt    string      `json:"audio_ext,omitempty"`
	Text        string      `json:"text,omitempty"`
}

// PipelineStage announces that a stage started.
type PipelineStage struct {
	Type   MessageType `json:"type"`
	Stage  string      `json:"stage"`
	Detail string      `json:"detail,omitempty"`
	TSMs   int64       `json:"ts_ms"`
}

// PipelineResult is the terminal success payload.
type PipelineResult struct {
	Type       MessageType `json:"type"`
	OK         bool        `json:"ok"`
	Transcript string      `json:"transcript"`
	ReplyText  string      `json:"replyText"`
	AudioURL   string      `json:"audioUrl"`
	VideoURL   string      `json:"videoUrl"`
	Note       string      `json:"note,omitempty"`
}

// ErrorEvent is the terminal failure payload.
type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// Decode parses a raw websocket message into its typed struct.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case TypeClientRequest:
		var m ClientRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePipelineStage:
		var m PipelineStage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePipelineResult:
		var m PipelineResult
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeErrorEvent:
		var m ErrorEvent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

package outcome

import (
	"bytes"
	"encoding/json"
)

// Payload is a downstream or gateway response body, resolved once into either
// raw bytes or a structured outcome.
type Payload interface {
	isPayload()
}

// Raw is a body that carries no outcome fields.
type Raw struct {
	Bytes []byte
}

// Structured is a JSON object that reports its own outcome.
type Structured struct {
	// Success is nil when the object has no "success" field.
	Success *bool
	Code    string
}

func (Raw) isPayload()        {}
func (Structured) isPayload() {}

// ParsePayload inspects body once. Only a JSON object with a boolean
// "success" or a string "code" becomes Structured.
func ParsePayload(body []byte) Payload {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Raw{Bytes: body}
	}
	var fields struct {
		Success json.RawMessage `json:"success"`
		Code    json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Raw{Bytes: body}
	}
	var s Structured
	var ok bool
	if len(fields.Success) > 0 {
		var b bool
		if json.Unmarshal(fields.Success, &b) == nil {
			s.Success = &b
			ok = true
		}
	}
	if len(fields.Code) > 0 {
		var c string
		if json.Unmarshal(fields.Code, &c) == nil {
			s.Code = c
			ok = true
		}
	}
	if !ok {
		return Raw{Bytes: body}
	}
	return s
}

// Classification separates the gateway's verdict from the domain outcome.
type Classification struct {
	// GatewaySuccess is true when the proxy did its job, which includes
	// reporting an offline device.
	GatewaySuccess bool   `json:"gatewaySuccess"`
	Kind           Kind   `json:"kind"`
	Code           string `json:"code,omitempty"`
}

// Classify decides the outcome of a call from its status and payload.
func Classify(status int, p Payload) Classification {
	s, structured := p.(Structured)
	if status >= 200 && status < 400 {
		if !structured {
			return Classification{GatewaySuccess: true, Kind: None}
		}
		if s.Code == CodeDeviceOffline {
			return Classification{GatewaySuccess: true, Kind: DeviceUnreachable, Code: s.Code}
		}
		if k, known := KindOf(s.Code); known {
			return Classification{Kind: k, Code: s.Code}
		}
		if s.Success != nil && !*s.Success {
			return Classification{Kind: DownstreamApiError, Code: s.Code}
		}
		return Classification{GatewaySuccess: true, Kind: None, Code: s.Code}
	}

	if structured {
		if s.Code == CodeDeviceOffline {
			return Classification{GatewaySuccess: true, Kind: DeviceUnreachable, Code: s.Code}
		}
		if k, known := KindOf(s.Code); known {
			return Classification{Kind: k, Code: s.Code}
		}
	}
	return Classification{Kind: kindForStatus(status)}
}

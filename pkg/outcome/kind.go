// Package outcome defines the gateway's error taxonomy, its wire codes, and
// the classifier that separates gateway success from the device's own result.
package outcome

import "net/http"

// Kind is the classified outcome of a gateway call.
type Kind int

const (
	None Kind = iota
	AuthFailure
	AuthorizationFailure
	RateLimited
	NotFound
	BadRequest
	DeviceUnreachable
	InvalidDeviceCredentials
	AccessDenied
	EndpointNotFound
	DownstreamApiError
	DownstreamInternalError
	InternalFault
)

var kindNames = map[Kind]string{
	None:                     "None",
	AuthFailure:              "AuthFailure",
	AuthorizationFailure:     "AuthorizationFailure",
	RateLimited:              "RateLimited",
	NotFound:                 "NotFound",
	BadRequest:               "BadRequest",
	DeviceUnreachable:        "DeviceUnreachable",
	InvalidDeviceCredentials: "InvalidDeviceCredentials",
	AccessDenied:             "AccessDenied",
	EndpointNotFound:         "EndpointNotFound",
	DownstreamApiError:       "DownstreamApiError",
	DownstreamInternalError:  "DownstreamInternalError",
	InternalFault:            "InternalFault",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name. Unknown names decode as None.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	*k = None
	return nil
}

// Wire codes carried in the "code" field of every gateway response.
const (
	CodeDeviceOffline       = "DEVICE_OFFLINE"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccessDenied        = "ACCESS_DENIED"
	CodeEndpointNotFound    = "ENDPOINT_NOT_FOUND"
	CodeDeviceError         = "DEVICE_ERROR"
	CodeDeviceAPIError      = "DEVICE_API_ERROR"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeMissingToken        = "MISSING_TOKEN"
	CodeInvalidSession      = "INVALID_SESSION"
	CodeExpiredSession      = "EXPIRED_SESSION"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeUnauthorizedAccess  = "UNAUTHORIZED_ACCESS"
	CodeDeviceInactive      = "DEVICE_INACTIVE"
	CodeTokenDeviceMismatch = "TOKEN_DEVICE_MISMATCH"
	CodeDeviceNotFound      = "DEVICE_NOT_FOUND"
	CodeMissingDeviceID     = "MISSING_DEVICE_ID"
	CodeEndpointNotAllowed  = "ENDPOINT_NOT_ALLOWED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeResponseTooLarge    = "RESPONSE_TOO_LARGE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// codeKinds lists every code the gateway knows how to classify.
var codeKinds = map[string]Kind{
	CodeDeviceOffline:       DeviceUnreachable,
	CodeInvalidCredentials:  InvalidDeviceCredentials,
	CodeAccessDenied:        AccessDenied,
	CodeEndpointNotFound:    EndpointNotFound,
	CodeDeviceError:         DownstreamInternalError,
	CodeDeviceAPIError:      DownstreamApiError,
	CodeRateLimitExceeded:   RateLimited,
	CodeMissingToken:        AuthFailure,
	CodeInvalidSession:      AuthFailure,
	CodeExpiredSession:      AuthFailure,
	CodeInvalidToken:        AuthFailure,
	CodeUnauthorizedAccess:  AuthorizationFailure,
	CodeDeviceInactive:      AuthorizationFailure,
	CodeTokenDeviceMismatch: AuthorizationFailure,
	CodeDeviceNotFound:      NotFound,
	CodeMissingDeviceID:     BadRequest,
	CodeEndpointNotAllowed:  AuthorizationFailure,
	CodeInvalidRequest:      BadRequest,
	CodePayloadTooLarge:     BadRequest,
	CodeResponseTooLarge:    DownstreamApiError,
	CodeInternalError:       InternalFault,
}

// KindOf returns the kind for a known wire code.
func KindOf(code string) (Kind, bool) {
	k, ok := codeKinds[code]
	return k, ok
}

// kindForStatus maps an error HTTP status with no usable code to a kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return AuthFailure
	case status == http.StatusForbidden:
		return AuthorizationFailure
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= http.StatusInternalServerError:
		return InternalFault
	default:
		return DownstreamApiError
	}
}

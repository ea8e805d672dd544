package outcome

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// ParsePayload
// ---------------------------------------------------------------------------

func TestParsePayload(t *testing.T) {
	tru, fal := true, false
	tests := []struct {
		name string
		body string
		want Payload
	}{
		{"empty", "", Raw{Bytes: []byte("")}},
		{"array", `[{"name":"ether1"}]`, Raw{Bytes: []byte(`[{"name":"ether1"}]`)}},
		{"object without outcome fields", `{"name":"r1"}`, Raw{Bytes: []byte(`{"name":"r1"}`)}},
		{"invalid json", `{"success":`, Raw{Bytes: []byte(`{"success":`)}},
		{"success only", `{"success":true}`, Structured{Success: &tru}},
		{"failure with code", `{"success":false,"code":"DEVICE_OFFLINE"}`, Structured{Success: &fal, Code: CodeDeviceOffline}},
		{"code only", ` {"code":"ACCESS_DENIED"}`, Structured{Code: CodeAccessDenied}},
		{"non-bool success ignored", `{"success":"yes"}`, Raw{Bytes: []byte(`{"success":"yes"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePayload([]byte(tt.body)))
		})
	}
}

// ---------------------------------------------------------------------------
// Classify
// ---------------------------------------------------------------------------

func TestClassify_OfflineIsGatewaySuccess(t *testing.T) {
	c := Classify(http.StatusOK, ParsePayload([]byte(`{"success":false,"code":"DEVICE_OFFLINE"}`)))
	assert.True(t, c.GatewaySuccess)
	assert.Equal(t, DeviceUnreachable, c.Kind)
	assert.Equal(t, CodeDeviceOffline, c.Code)
}

func TestClassify_KnownFailureCodeOn200(t *testing.T) {
	c := Classify(http.StatusOK, ParsePayload([]byte(`{"success":false,"code":"INVALID_CREDENTIALS"}`)))
	assert.False(t, c.GatewaySuccess)
	assert.Equal(t, InvalidDeviceCredentials, c.Kind)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		success bool
		kind    Kind
	}{
		{"plain 200", 200, `[{"id":"*1"}]`, true, None},
		{"redirect", 302, ``, true, None},
		{"explicit success", 200, `{"success":true,"data":[]}`, true, None},
		{"explicit failure unknown code", 200, `{"success":false,"code":"SOMETHING"}`, false, DownstreamApiError},
		{"explicit failure no code", 200, `{"success":false}`, false, DownstreamApiError},
		{"unknown code, success true", 200, `{"success":true,"code":"OK"}`, true, None},
		{"404 with code", 404, `{"code":"ENDPOINT_NOT_FOUND"}`, false, EndpointNotFound},
		{"404 bare", 404, `not found`, false, NotFound},
		{"401 bare", 401, ``, false, AuthFailure},
		{"403 bare", 403, ``, false, AuthorizationFailure},
		{"429 bare", 429, ``, false, RateLimited},
		{"500 bare", 500, `boom`, false, InternalFault},
		{"502 device error code", 502, `{"success":false,"code":"DEVICE_ERROR"}`, false, DownstreamInternalError},
		{"418 bare", 418, ``, false, DownstreamApiError},
		{"offline on error status", 503, `{"code":"DEVICE_OFFLINE"}`, true, DeviceUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.status, ParsePayload([]byte(tt.body)))
			assert.Equal(t, tt.success, c.GatewaySuccess)
			assert.Equal(t, tt.kind, c.Kind)
		})
	}
}

// ---------------------------------------------------------------------------
// Error
// ---------------------------------------------------------------------------

func TestError_WrapAndAs(t *testing.T) {
	cause := errors.New("registry down")
	base := Auth(CodeInvalidSession, "invalid session")
	wrapped := base.Wrap(cause)

	assert.Nil(t, base.Err, "Wrap must not mutate the receiver")
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "invalid session: registry down", wrapped.Error())

	got := As(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, http.StatusUnauthorized, got.Status)

	internal := As(cause)
	assert.Equal(t, InternalFault, internal.Kind)
	assert.Equal(t, http.StatusInternalServerError, internal.Status)
	assert.Equal(t, "internal gateway error", internal.Message)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "DeviceUnreachable", DeviceUnreachable.String())
	assert.Equal(t, "Unknown", Kind(99).String())
	b, err := RateLimited.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "RateLimited", string(b))
}

func TestKind_UnmarshalText(t *testing.T) {
	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("EndpointNotFound")))
	assert.Equal(t, EndpointNotFound, k)
	require.NoError(t, k.UnmarshalText([]byte("Bogus")))
	assert.Equal(t, None, k)
}

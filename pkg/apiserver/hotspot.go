package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/strand-protocol/devgate/pkg/gateway"
	"github.com/strand-protocol/devgate/pkg/outcome"
)

// Hotspot routes are unauthenticated helpers for captive-portal pages. Each
// one is a single device call through the public route, so the endpoint
// allowlist, the per-IP limit and the unreachable cache all apply.

var validate = validator.New()

type voucherQuery struct {
	Username string `json:"username" validate:"required"`
}

type hotspotUserRequest struct {
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required"`
	Profile  string `json:"profile"`
	Comment  string `json:"comment,omitempty"`
}

type ipBindingRequest struct {
	Address    string `json:"address" validate:"required,ip"`
	MACAddress string `json:"mac_address" validate:"required,mac"`
	Comment    string `json:"comment"`
}

type ipBindingQuery struct {
	Address    string `json:"address" validate:"required_without=MACAddress"`
	MACAddress string `json:"mac_address" validate:"required_without=Address"`
}

// hotspotUser is a /ip/hotspot/user record as the device reports it.
type hotspotUser struct {
	ID       string `json:".id,omitempty"`
	Name     string `json:"name"`
	Profile  string `json:"profile,omitempty"`
	Comment  string `json:"comment,omitempty"`
	Uptime   string `json:"uptime,omitempty"`
	Disabled string `json:"disabled,omitempty"`
}

// used reports whether the voucher has accumulated any session time.
func (u hotspotUser) used() bool {
	switch u.Uptime {
	case "", "0s", "00:00:00":
		return false
	}
	return true
}

// ipBinding is a /ip/hotspot/ip-binding record.
type ipBinding struct {
	ID            string `json:".id,omitempty"`
	Address       string `json:"address,omitempty"`
	MACAddress    string `json:"mac-address,omitempty"`
	ActiveAddress string `json:"active-address,omitempty"`
	Type          string `json:"type,omitempty"`
	Comment       string `json:"comment,omitempty"`
	Disabled      string `json:"disabled,omitempty"`
	Dynamic       string `json:"dynamic,omitempty"`
}

func (b ipBinding) matches(q ipBindingQuery) bool {
	if q.MACAddress != "" && strings.EqualFold(b.MACAddress, q.MACAddress) {
		return true
	}
	return q.Address != "" && (b.Address == q.Address || b.ActiveAddress == q.Address)
}

type voucherResult struct {
	Success      bool         `json:"success"`
	Exists       bool         `json:"exists"`
	Used         bool         `json:"used"`
	User         *hotspotUser `json:"user,omitempty"`
	Message      string       `json:"message,omitempty"`
	ResponseTime int64        `json:"responseTime"`
}

type bindingResult struct {
	Success      bool       `json:"success"`
	Exists       bool       `json:"exists"`
	Binding      *ipBinding `json:"binding,omitempty"`
	Message      string     `json:"message,omitempty"`
	ResponseTime int64      `json:"responseTime"`
}

type createdResult struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	Record       any             `json:"record"`
	Data         json.RawMessage `json:"data,omitempty"`
	ResponseTime int64           `json:"responseTime"`
}

// hotspotCall decodes and validates the request body into dst and returns
// the public-route call for endpoint. Invalid requests are answered and
// recorded here.
func (s *Server) hotspotCall(w http.ResponseWriter, r *http.Request, endpoint string, dst any) (gateway.Call, bool) {
	call, err := s.callFrom(r, endpoint)
	if err == nil {
		err = decodeRequest(call.Body, dst)
	}
	if err != nil {
		s.respond(w, r, s.deps.Pipeline.Reject(s.routes.public, call, err), nil)
		return call, false
	}
	return call, true
}

func decodeRequest(body []byte, dst any) error {
	if len(body) == 0 {
		return outcome.Invalid(outcome.CodeInvalidRequest, "request body required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return outcome.Invalid(outcome.CodeInvalidRequest, "malformed request body").Wrap(err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return outcome.Invalid(outcome.CodeInvalidRequest, "invalid field "+verrs[0].Field()).Wrap(err)
		}
		return outcome.Invalid(outcome.CodeInvalidRequest, "invalid request").Wrap(err)
	}
	return nil
}

// forward runs call through the public route. It returns false when the
// response has already been written, including device failures.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, call gateway.Call) (gateway.Response, bool) {
	resp, err := s.deps.Pipeline.Handle(r.Context(), s.routes.public, call)
	if err != nil || !resp.Body.Success {
		s.respond(w, r, resp, err)
		return resp, false
	}
	return resp, true
}

func unexpectedShape(w http.ResponseWriter) {
	writeFailure(w, &outcome.Error{
		Kind:    outcome.DownstreamApiError,
		Code:    outcome.CodeDeviceAPIError,
		Status:  http.StatusBadGateway,
		Message: "unexpected device response",
	})
}

func (s *Server) handleCheckVoucher(w http.ResponseWriter, r *http.Request) {
	var q voucherQuery
	call, ok := s.hotspotCall(w, r, "/ip/hotspot/user", &q)
	if !ok {
		return
	}
	call.Method, call.Body = http.MethodGet, nil
	resp, ok := s.forward(w, r, call)
	if !ok {
		return
	}
	var users []hotspotUser
	if err := json.Unmarshal(resp.Body.Data, &users); err != nil {
		unexpectedShape(w)
		return
	}
	for i := range users {
		u := users[i]
		if u.Name == q.Username || u.ID == q.Username {
			writeJSON(w, http.StatusOK, voucherResult{
				Success:      true,
				Exists:       true,
				Used:         u.used(),
				User:         &u,
				ResponseTime: resp.Body.ResponseTime,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, voucherResult{Message: "voucher not found", ResponseTime: resp.Body.ResponseTime})
}

func (s *Server) handleCreateHotspotUser(w http.ResponseWriter, r *http.Request) {
	var req hotspotUserRequest
	call, ok := s.hotspotCall(w, r, "/ip/hotspot/user", &req)
	if !ok {
		return
	}
	if req.Profile == "" {
		req.Profile = "default"
	}
	body, err := json.Marshal(req)
	if err != nil {
		s.fail(w, r, outcome.Internal(err))
		return
	}
	call.Method, call.Body = http.MethodPut, body
	resp, ok := s.forward(w, r, call)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, createdResult{
		Success:      true,
		Message:      "hotspot user created",
		Record:       hotspotUser{Name: req.Name, Profile: req.Profile, Comment: req.Comment},
		Data:         resp.Body.Data,
		ResponseTime: resp.Body.ResponseTime,
	})
}

func (s *Server) handleCreateIPBinding(w http.ResponseWriter, r *http.Request) {
	var req ipBindingRequest
	call, ok := s.hotspotCall(w, r, "/ip/hotspot/ip-binding", &req)
	if !ok {
		return
	}
	binding := ipBinding{Address: req.Address, MACAddress: req.MACAddress, Type: "bypassed", Comment: req.Comment}
	body, err := json.Marshal(binding)
	if err != nil {
		s.fail(w, r, outcome.Internal(err))
		return
	}
	call.Method, call.Body = http.MethodPut, body
	resp, ok := s.forward(w, r, call)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, createdResult{
		Success:      true,
		Message:      "ip binding created",
		Record:       binding,
		Data:         resp.Body.Data,
		ResponseTime: resp.Body.ResponseTime,
	})
}

func (s *Server) handleCheckIPBinding(w http.ResponseWriter, r *http.Request) {
	var q ipBindingQuery
	call, ok := s.hotspotCall(w, r, "/ip/hotspot/ip-binding", &q)
	if !ok {
		return
	}
	call.Method, call.Body = http.MethodGet, nil
	resp, ok := s.forward(w, r, call)
	if !ok {
		return
	}
	var bindings []ipBinding
	if err := json.Unmarshal(resp.Body.Data, &bindings); err != nil {
		unexpectedShape(w)
		return
	}
	for i := range bindings {
		if b := bindings[i]; b.matches(q) {
			writeJSON(w, http.StatusOK, bindingResult{Success: true, Exists: true, Binding: &b, ResponseTime: resp.Body.ResponseTime})
			return
		}
	}
	writeJSON(w, http.StatusOK, bindingResult{Message: "ip binding not found", ResponseTime: resp.Body.ResponseTime})
}

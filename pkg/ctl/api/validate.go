package api

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// validIDRE matches the allowed character set for device IDs: alphanumeric
// plus dot, underscore and hyphen.
var validIDRE = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,253}$`)

// ValidateID checks that id is a well-formed device identifier.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if !validIDRE.MatchString(id) {
		return fmt.Errorf("id %q is invalid (allowed: a-z A-Z 0-9 . _ - up to 253 chars)", id)
	}
	return nil
}

// ValidateMethod returns the upper-cased method if the gateway proxies it.
func ValidateMethod(method string) (string, error) {
	m := strings.ToUpper(method)
	switch m {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return m, nil
	}
	return "", fmt.Errorf("method %q is not supported (use GET, POST, PUT, PATCH or DELETE)", method)
}

// ValidateEndpoint rejects device endpoints that could escape the REST root.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	if !strings.HasPrefix(endpoint, "/") {
		return fmt.Errorf("endpoint %q must start with '/'", endpoint)
	}
	if strings.ContainsAny(endpoint, "\x00\n\r") {
		return fmt.Errorf("endpoint %q contains invalid characters", endpoint)
	}
	path, _, _ := strings.Cut(endpoint, "?")
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("endpoint %q must not contain '..'", endpoint)
		}
	}
	return nil
}

package server

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OAuth error codes used on the authorization and token endpoints.
const (
	ErrInvalidRequest          = "invalid_request"
	ErrInvalidClient           = "invalid_client"
	ErrInvalidGrant            = "invalid_grant"
	ErrUnauthorizedClient      = "unauthorized_client"
	ErrAccessDenied            = "access_denied"
	ErrUnsupportedResponseType = "unsupported_response_type"
	ErrUnsupportedGrantType    = "unsupported_grant_type"
	ErrServerError             = "server_error"
)

// FlowError is an error that can be reported to the downstream client in
// OAuth terms. Description must be safe to show; upstream detail stays in
// the logs.
type FlowError struct {
	Code        string
	Description string
}

func (e *FlowError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// NewFlowError builds a FlowError.
func NewFlowError(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description}
}

// AsFlowError extracts a FlowError from err, or wraps it as server_error
// with no detail leaked.
func AsFlowError(err error) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return &FlowError{Code: ErrServerError}
}

// ErrorRedirectURL appends the standard error parameters to a validated
// redirect URI. Callers must have checked the URI against the connection's
// allow-list first.
func ErrorRedirectURL(redirectURI, state string, fe *FlowError) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", fe.Code)
	if fe.Description != "" {
		q.Set("error_description", fe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

const errorCookieName = "brokerd_error"

// errorCookieTTL bounds how long a signed error survives the hop to the
// error page.
const errorCookieTTL = 5 * time.Minute

// SignErrorCookie packs a flow error into a short-lived HS256 JWT so the
// error page can display it without trusting query parameters.
func SignErrorCookie(secret []byte, fe *FlowError) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"err":  fe.Code,
		"desc": fe.Description,
		"exp":  time.Now().Add(errorCookieTTL).Unix(),
	})
	return tok.SignedString(secret)
}

// ParseErrorCookie verifies and unpacks a signed error cookie.
func ParseErrorCookie(secret []byte, value string) (*FlowError, error) {
	tok, err := jwt.Parse(value, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse error cookie: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	code, _ := claims["err"].(string)
	desc, _ := claims["desc"].(string)
	if code == "" {
		code = ErrServerError
	}
	return &FlowError{Code: code, Description: desc}, nil
}

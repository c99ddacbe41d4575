package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const invalidGrant = "invalid_grant"

// ExchangeError is an HTTP error response from the token endpoint, with the
// OAuth2 error code extracted when the body allows it.
type ExchangeError struct {
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token endpoint returned %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// IsInvalidGrant reports whether err is an authorization-server rejection of
// the grant itself (dead refresh token, revoked authorization). These are
// never worth retrying with the same strategy.
func IsInvalidGrant(err error) bool {
	var ee *ExchangeError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Code == invalidGrant
}

// parseExchangeError extracts the structured OAuth2 error from a non-200
// response body. Bling emits both the RFC 6749 shape ("error" as a string with
// "error_description") and an object shape ("error": {"type": ..., usually
// with "message"}); both are handled, and an unparseable body is kept
// verbatim for logging.
func parseExchangeError(status int, body []byte) *ExchangeError {
	ee := &ExchangeError{
		StatusCode: status,
		Body:       strings.TrimSpace(string(body)),
	}

	var flat struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		ee.Code = flat.Error
		ee.Description = flat.ErrorDescription
		return ee
	}

	var nested struct {
		Error struct {
			Type        string `json:"type"`
			Message     string `json:"message"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && nested.Error.Type != "" {
		ee.Code = nested.Error.Type
		if nested.Error.Message != "" {
			ee.Description = nested.Error.Message
		} else {
			ee.Description = nested.Error.Description
		}
	}
	return ee
}

package auth

import "errors"

var (
	// ErrTokenInvalid is returned for malformed, tampered, or
	// wrongly-signed agent tokens.
	ErrTokenInvalid = errors.New("agent token is invalid")

	// ErrTokenMismatch is returned when a valid token is presented for a
	// different agent than the one addressed by the request.
	ErrTokenMismatch = errors.New("agent token does not match the addressed agent")
)

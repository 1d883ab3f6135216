package domain

import "errors"

var (
	// ErrIssuerUnavailable: the credential issuer answered non-2xx or could not be reached.
	ErrIssuerUnavailable = errors.New("credential issuer unavailable")
	// ErrMalformedResponse: the issuer answered 2xx without a usable token.
	ErrMalformedResponse = errors.New("malformed credential response")
	// ErrConnectionFailed is terminal after the credential retries are exhausted.
	ErrConnectionFailed = errors.New("connection failed")
	ErrPeerTimeout      = errors.New("agent did not join in time")
	ErrTransport        = errors.New("transport error")
	// ErrConfiguration is never retried; it needs an operator.
	ErrConfiguration = errors.New("configuration error")
	ErrNoGesture     = errors.New("no user gesture recorded")
	ErrAlreadyActive = errors.New("another session is already active")
)

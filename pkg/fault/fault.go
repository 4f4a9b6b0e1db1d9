// Package fault defines the categorized error envelopes shared by the relay.
package fault

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeAuthenticationDenied = "AUTHENTICATION_DENIED"
	TextCodeTransportFailure     = "TRANSPORT_FAILURE"
	TextCodeDecodeAnomaly        = "DECODE_ANOMALY"
	TextCodeConfigurationFault   = "CONFIGURATION_FAULT"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// AuthenticationDenied reports a missing or unrecognized shared secret.
func AuthenticationDenied(metadata map[string]any) error {
	return newError(
		"relay: credential missing or not recognized",
		goerrors.CategoryAuthz,
		http.StatusForbidden,
		TextCodeAuthenticationDenied,
		metadata,
	)
}

// TransportFailure wraps a connection, DNS or socket error from the upstream call.
func TransportFailure(source error, message string, metadata map[string]any) error {
	if source == nil {
		return newError(message, goerrors.CategoryExternal, http.StatusBadGateway, TextCodeTransportFailure, metadata)
	}

	err := goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(TextCodeTransportFailure)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// DecodeAnomaly marks an upstream body that was not valid UTF-8.
//
// It never fails a fetch: the result degrades to empty text and carries this
// error alongside so callers can tell it apart from a transport failure.
func DecodeAnomaly(metadata map[string]any) error {
	return newError(
		"upstream: response body is not valid utf-8",
		goerrors.CategoryExternal,
		http.StatusOK,
		TextCodeDecodeAnomaly,
		metadata,
	)
}

// ConfigurationFault reports missing or malformed startup input.
func ConfigurationFault(message string) error {
	return newError(
		message,
		goerrors.CategoryValidation,
		http.StatusInternalServerError,
		TextCodeConfigurationFault,
		nil,
	)
}

// TextCode returns the stable text code of a fault envelope, or "" for plain errors.
func TextCode(err error) string {
	if err == nil {
		return ""
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode
	}

	return ""
}

// Is reports whether err carries the given text code.
func Is(err error, textCode string) bool {
	return err != nil && TextCode(err) == textCode
}

// StatusCode maps a fault envelope to its HTTP status, falling back for plain errors.
func StatusCode(err error, fallback int) int {
	var rich *goerrors.Error
	if err != nil && goerrors.As(err, &rich) && rich.Code > 0 {
		return rich.Code
	}

	return fallback
}

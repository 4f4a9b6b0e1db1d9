// Package auth decides whether a trigger carries a recognized shared secret.
package auth

import (
	"crypto/subtle"
	"net/url"
	"strings"
)

const (
	tokenField      = "token"
	secretDelimiter = ":"
)

// SecretSet is the immutable set of shared secrets accepted by the relay.
//
// It is built once at startup and shared read-only between triggers, so it
// needs no synchronization.
type SecretSet struct {
	secrets []string
}

// NewSecretSet copies tokens into a set, dropping blanks and duplicates.
// Tokens are kept verbatim, so surrounding spaces are part of the secret.
func NewSecretSet(tokens []string) SecretSet {
	seen := make(map[string]struct{}, len(tokens))
	secrets := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if strings.TrimSpace(token) == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		secrets = append(secrets, token)
	}

	return SecretSet{secrets: secrets}
}

// ParseSecretList splits a ":"-delimited token list.
func ParseSecretList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	return strings.Split(raw, secretDelimiter)
}

// Len returns the number of accepted secrets.
func (s SecretSet) Len() int {
	return len(s.secrets)
}

// Contains reports whether token matches one of the secrets.
func (s SecretSet) Contains(token string) bool {
	if token == "" {
		return false
	}

	found := 0
	for _, secret := range s.secrets {
		found |= subtle.ConstantTimeCompare([]byte(secret), []byte(token))
	}

	return found == 1
}

// Authenticator checks trigger credentials against a SecretSet.
type Authenticator struct {
	secrets SecretSet
}

func New(secrets SecretSet) *Authenticator {
	return &Authenticator{secrets: secrets}
}

// AuthorizeForm authorizes a URL-encoded request body such as "token=abc&text=hi".
func (a *Authenticator) AuthorizeForm(body string) bool {
	return a.authorizeEncoded(body)
}

// AuthorizeQuery authorizes the raw query component of a request URL.
func (a *Authenticator) AuthorizeQuery(rawQuery string) bool {
	return a.authorizeEncoded(rawQuery)
}

// AuthorizeChannel authorizes a bot channel message. The chat platform already
// authenticated the bot connection, so there is no per-message secret.
func (a *Authenticator) AuthorizeChannel() bool {
	return true
}

func (a *Authenticator) authorizeEncoded(encoded string) bool {
	if a == nil {
		return false
	}

	token, ok := extractToken(encoded)
	if !ok {
		return false
	}

	return a.secrets.Contains(token)
}

// extractToken returns the first token field of a URL-encoded blob.
//
// Malformed pairs are skipped; the decode error is ignored on purpose because a
// malformed credential is just an absent one.
func extractToken(encoded string) (string, bool) {
	values, _ := url.ParseQuery(encoded)
	tokens, ok := values[tokenField]
	if !ok || len(tokens) == 0 {
		return "", false
	}

	return tokens[0], true
}

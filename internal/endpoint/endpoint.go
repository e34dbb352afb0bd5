// Package endpoint derives realtime socket URLs from the configured backend URL.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// TokenParam is the query parameter carrying the auth token.
const TokenParam = "token"

var (
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	ErrMissingHost       = errors.New("URL has no host")
)

// Resolve translates a backend base URL (http/https) into the realtime
// socket URL (ws/wss) and appends path.
func Resolve(backendURL, path string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return "", ErrMissingHost
	}

	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	u.Fragment = ""

	return u.String(), nil
}

// Validate checks that raw is an absolute ws or wss URL.
func Validate(raw string) error {
	_, err := parseSocketURL(raw)
	return err
}

// WithToken returns the endpoint with the token attached as a query
// parameter, replacing any token already present.
func WithToken(raw, token string) (string, error) {
	u, err := parseSocketURL(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Redact hides the token query parameter for logging.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has(TokenParam) {
		q.Set(TokenParam, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func parseSocketURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, ErrMissingHost
	}
	return u, nil
}

// Package auth loads the gateway credentials used by the socket and the
// REST client.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Environment variables read by FromEnv.
const (
	EnvToken     = "RT_TOKEN"
	EnvTokenFile = "RT_TOKEN_FILE"
	EnvUserID    = "RT_USER_ID"
)

// Credentials identify the caller to the gateway. A zero value connects
// anonymously.
type Credentials struct {
	Token  string // Appended to the socket URL and sent as a bearer token
	UserID string // Used for quota lookups only
}

// LoadCredentials builds credentials from an inline token or a token file.
// Setting both is an error.
func LoadCredentials(token, tokenPath, userID string) (*Credentials, error) {
	if token != "" && tokenPath != "" {
		return nil, errors.New("token and token file are mutually exclusive")
	}

	if tokenPath != "" {
		var err error
		token, err = LoadToken(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
	}

	return &Credentials{
		Token:  strings.TrimSpace(token),
		UserID: strings.TrimSpace(userID),
	}, nil
}

// LoadToken reads a token from a file, ignoring surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return "", fmt.Errorf("token file %s holds more than one token", path)
	}
	return token, nil
}

// FromEnv loads credentials from RT_TOKEN or RT_TOKEN_FILE plus RT_USER_ID.
// getenv is usually os.Getenv.
func FromEnv(getenv func(string) string) (*Credentials, error) {
	return LoadCredentials(getenv(EnvToken), getenv(EnvTokenFile), getenv(EnvUserID))
}

// Anonymous reports whether no token is set.
func (c Credentials) Anonymous() bool {
	return c.Token == ""
}

// Redacted returns the token with all but its first four characters masked,
// for logging.
func (c Credentials) Redacted() string {
	switch {
	case c.Token == "":
		return ""
	case len(c.Token) <= 8:
		return "****"
	default:
		return c.Token[:4] + "****"
	}
}

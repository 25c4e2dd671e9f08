// Package fcm implements the Firebase Cloud Messaging HTTP v1 send path:
// service-account credential handling, OAuth2 assertion minting, access
// token caching, and the message client itself.
package fcm

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the subset of a Google service-account key file the relay
// needs to mint access tokens.
type Credential struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`

	key *rsa.PrivateKey
}

// defaultTokenURI is used when the key file omits token_uri, which older
// exports of service-account keys did.
const defaultTokenURI = "https://oauth2.googleapis.com/token"

// ParseCredential decodes a service-account key. raw may be the JSON document
// itself or a base64 encoding of it, which is how the value usually arrives
// through environment variables. The embedded PEM key is parsed eagerly so a
// malformed credential fails at startup rather than on the first send.
func ParseCredential(raw []byte) (*Credential, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty credential")
	}
	if !strings.HasPrefix(trimmed, "{") {
		decoded, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("credential is neither JSON nor base64: %w", err)
		}
		trimmed = string(decoded)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(trimmed), &cred); err != nil {
		return nil, fmt.Errorf("parsing credential JSON: %w", err)
	}
	if cred.ClientEmail == "" {
		return nil, fmt.Errorf("credential missing client_email")
	}
	if cred.ProjectID == "" {
		return nil, fmt.Errorf("credential missing project_id")
	}
	if cred.PrivateKey == "" {
		return nil, fmt.Errorf("credential missing private_key")
	}
	if cred.TokenURI == "" {
		cred.TokenURI = defaultTokenURI
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cred.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing credential private key: %w", err)
	}
	cred.key = key
	return &cred, nil
}

// LoadCredentialFile reads and parses a service-account key file from disk.
func LoadCredentialFile(path string) (*Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	return ParseCredential(raw)
}

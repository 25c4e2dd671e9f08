package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// assertionLifetime is the validity window claimed in the signed
	// assertion. Google rejects anything over an hour.
	assertionLifetime = time.Hour
)

// AccessToken is a minted OAuth2 bearer token and its expiry.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Signer mints OAuth2 access tokens for the messaging scope by signing a
// JWT assertion with the service-account key and exchanging it at the
// credential's token endpoint.
type Signer struct {
	cred   *Credential
	client *http.Client
	now    func() time.Time
}

// NewSigner returns a Signer for cred. client may be nil, in which case a
// client with a 10 second timeout is used.
func NewSigner(cred *Credential, client *http.Client) *Signer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Signer{cred: cred, client: client, now: time.Now}
}

// Assertion produces the signed RS256 JWT presented to the token endpoint.
func (s *Signer) Assertion() (string, error) {
	now := s.now().UTC()
	claims := jwt.MapClaims{
		"iss":   s.cred.ClientEmail,
		"scope": messagingScope,
		"aud":   s.cred.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.cred.key)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}
	return signed, nil
}

// Mint exchanges a fresh assertion for an access token.
func (s *Signer) Mint(ctx context.Context) (AccessToken, error) {
	assertion, err := s.Assertion()
	if err != nil {
		return AccessToken{}, err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cred.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessToken{}, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AccessToken{}, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return AccessToken{}, fmt.Errorf("decoding token response: %w", err)
	}
	if payload.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("token endpoint returned no access_token")
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = int64(assertionLifetime / time.Second)
	}

	return AccessToken{
		Token:     payload.AccessToken,
		ExpiresAt: s.now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

package fcm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testCredentialJSON builds a syntactically valid service-account key file
// around a freshly generated RSA key.
func testCredentialJSON(t *testing.T, tokenURI string) ([]byte, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	doc := map[string]string{
		"type":           "service_account",
		"project_id":     "relay-test",
		"private_key_id": "kid-1",
		"private_key":    string(keyPEM),
		"client_email":   "relay@relay-test.iam.gserviceaccount.com",
		"token_uri":      tokenURI,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshaling credential: %v", err)
	}
	return raw, key
}

func TestParseCredential(t *testing.T) {
	raw, _ := testCredentialJSON(t, "https://token.example/token")

	t.Run("raw JSON", func(t *testing.T) {
		cred, err := ParseCredential(raw)
		if err != nil {
			t.Fatalf("ParseCredential() error: %v", err)
		}
		if cred.ProjectID != "relay-test" {
			t.Errorf("ProjectID = %q", cred.ProjectID)
		}
		if cred.key == nil {
			t.Error("private key was not parsed")
		}
	})

	t.Run("base64", func(t *testing.T) {
		encoded := base64.StdEncoding.EncodeToString(raw)
		cred, err := ParseCredential([]byte(encoded))
		if err != nil {
			t.Fatalf("ParseCredential() error: %v", err)
		}
		if cred.ClientEmail != "relay@relay-test.iam.gserviceaccount.com" {
			t.Errorf("ClientEmail = %q", cred.ClientEmail)
		}
	})

	t.Run("default token_uri", func(t *testing.T) {
		raw, _ := testCredentialJSON(t, "")
		cred, err := ParseCredential(raw)
		if err != nil {
			t.Fatalf("ParseCredential() error: %v", err)
		}
		if cred.TokenURI != defaultTokenURI {
			t.Errorf("TokenURI = %q, want default", cred.TokenURI)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for name, input := range map[string]string{
			"empty":       "",
			"not base64":  "not json and not base64!!!",
			"missing key": `{"client_email":"a@b","project_id":"p"}`,
			"bad pem":     `{"client_email":"a@b","project_id":"p","private_key":"not a pem"}`,
		} {
			if _, err := ParseCredential([]byte(input)); err == nil {
				t.Errorf("%s: ParseCredential() succeeded, want error", name)
			}
		}
	})
}

func TestSignerAssertion(t *testing.T) {
	raw, key := testCredentialJSON(t, "https://token.example/token")
	cred, err := ParseCredential(raw)
	if err != nil {
		t.Fatalf("ParseCredential() error: %v", err)
	}

	signer := NewSigner(cred, nil)
	assertion, err := signer.Assertion()
	if err != nil {
		t.Fatalf("Assertion() error: %v", err)
	}

	if parts := strings.Split(assertion, "."); len(parts) != 3 {
		t.Fatalf("assertion has %d segments, want 3", len(parts))
	}

	parsed, err := jwt.Parse(assertion, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("verifying assertion with own public key: %v", err)
	}
	if alg := parsed.Header["alg"]; alg != "RS256" {
		t.Errorf("header alg = %v", alg)
	}
	if typ := parsed.Header["typ"]; typ != "JWT" {
		t.Errorf("header typ = %v", typ)
	}

	claims := parsed.Claims.(jwt.MapClaims)
	if claims["iss"] != cred.ClientEmail {
		t.Errorf("iss = %v, want %q", claims["iss"], cred.ClientEmail)
	}
	if claims["scope"] != messagingScope {
		t.Errorf("scope = %v", claims["scope"])
	}
	if claims["aud"] != cred.TokenURI {
		t.Errorf("aud = %v, want %q", claims["aud"], cred.TokenURI)
	}
	iat, exp := claims["iat"].(float64), claims["exp"].(float64)
	if exp-iat != assertionLifetime.Seconds() {
		t.Errorf("exp-iat = %v, want %v", exp-iat, assertionLifetime.Seconds())
	}
}

func TestSignerMint(t *testing.T) {
	var gotGrant, gotAssertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		gotGrant = r.PostFormValue("grant_type")
		gotAssertion = r.PostFormValue("assertion")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"minted-token","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	raw, _ := testCredentialJSON(t, srv.URL)
	cred, err := ParseCredential(raw)
	if err != nil {
		t.Fatalf("ParseCredential() error: %v", err)
	}

	signer := NewSigner(cred, srv.Client())
	token, err := signer.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint() error: %v", err)
	}

	if token.Token != "minted-token" {
		t.Errorf("Token = %q", token.Token)
	}
	if remaining := time.Until(token.ExpiresAt); remaining < 59*time.Minute {
		t.Errorf("ExpiresAt only %v away, want ~1h", remaining)
	}
	if gotGrant != jwtBearerGrant {
		t.Errorf("grant_type = %q", gotGrant)
	}
	if strings.Count(gotAssertion, ".") != 2 {
		t.Errorf("assertion sent to endpoint is not a compact JWT: %q", gotAssertion)
	}
}

func TestSignerMintErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	raw, _ := testCredentialJSON(t, srv.URL)
	cred, err := ParseCredential(raw)
	if err != nil {
		t.Fatalf("ParseCredential() error: %v", err)
	}

	if _, err := NewSigner(cred, srv.Client()).Mint(context.Background()); err == nil {
		t.Fatal("Mint() succeeded against a 400 endpoint")
	}
}

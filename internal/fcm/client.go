package fcm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUnregistered reports that the provider no longer recognizes the
// destination token, usually because the app was uninstalled. Callers use
// it to evict the stale registration.
var ErrUnregistered = errors.New("fcm: token unregistered")

const (
	defaultEndpoint = "https://fcm.googleapis.com"

	maxSubjectLen = 100
	maxMessageLen = 500

	notificationIcon  = "notification_icon"
	notificationColor = "#F99B0D"
)

// rawPushHeaders is the whitelist of inbound headers forwarded alongside an
// encrypted Web Push payload. They carry what the receiving client needs to
// decrypt; everything else is dropped.
var rawPushHeaders = []string{"encryption", "crypto-key", "content-encoding", "ttl", "content-type"}

// Message is the provider message shape for the HTTP v1 send API. Only the
// fields the relay uses are modeled.
type Message struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data,omitempty"`
	Android *AndroidConfig    `json:"android,omitempty"`
}

type AndroidConfig struct {
	Notification *AndroidNotification `json:"notification,omitempty"`
}

type AndroidNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
	Image string `json:"image,omitempty"`
}

// NotificationData builds the message for a structured webhook notification.
// Subject and body are truncated before relay so oversized upstream payloads
// cannot be rejected by the provider.
func NotificationData(token, subject, body, image, notifyType string) *Message {
	subject = truncate(subject, maxSubjectLen)
	body = truncate(body, maxMessageLen)

	data := map[string]string{
		"title":   subject,
		"message": body,
	}
	if image != "" {
		data["image"] = image
	}
	if notifyType != "" {
		data["type"] = notifyType
	}

	return &Message{
		Token: token,
		Data:  data,
		Android: &AndroidConfig{
			Notification: &AndroidNotification{
				Title: subject,
				Body:  body,
				Icon:  notificationIcon,
				Color: notificationColor,
				Image: image,
			},
		},
	}
}

// WebPushData wraps an opaque encrypted Web Push payload for relay. The body
// is base64-encoded untouched and the crypto headers travel as a JSON map, so
// the receiving client can reverse both and decrypt locally.
func WebPushData(token string, payload []byte, headers http.Header) (*Message, error) {
	kept := make(map[string]string, len(rawPushHeaders))
	for _, name := range rawPushHeaders {
		if v := headers.Get(name); v != "" {
			kept[name] = v
		}
	}
	headerJSON, err := json.Marshal(kept)
	if err != nil {
		return nil, fmt.Errorf("encoding push headers: %w", err)
	}

	return &Message{
		Token: token,
		Data: map[string]string{
			"type":    "webpush_encrypted",
			"payload": base64.StdEncoding.EncodeToString(payload),
			"headers": string(headerJSON),
		},
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Client sends messages through the provider's HTTP v1 API.
type Client struct {
	endpoint  string
	projectID string
	tokens    TokenSource
	http      *http.Client
}

// NewClient returns a Client for projectID. endpoint overrides the provider
// base URL when non-empty, which the tests use. httpClient may be nil.
func NewClient(projectID, endpoint string, tokens TokenSource, httpClient *http.Client) *Client {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint:  strings.TrimRight(endpoint, "/"),
		projectID: projectID,
		tokens:    tokens,
		http:      httpClient,
	}
}

// Send posts msg to the provider and returns the provider's message name.
// A 404 or UNREGISTERED error status maps to ErrUnregistered.
func (c *Client) Send(ctx context.Context, msg *Message) (string, error) {
	bearer, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("obtaining access token: %w", err)
	}

	body, err := json.Marshal(struct {
		Message *Message `json:"message"`
	}{Message: msg})
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	sendURL := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.endpoint, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading send response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if isUnregistered(resp.StatusCode, respBody) {
			return "", ErrUnregistered
		}
		return "", fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", fmt.Errorf("decoding send response: %w", err)
	}
	return payload.Name, nil
}

// isUnregistered detects the provider's stale-token signal: HTTP 404, or an
// error status of UNREGISTERED in the body.
func isUnregistered(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	var payload struct {
		Error struct {
			Status  string `json:"status"`
			Details []struct {
				ErrorCode string `json:"errorCode"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	if payload.Error.Status == "UNREGISTERED" || payload.Error.Status == "NOT_FOUND" {
		return true
	}
	for _, d := range payload.Error.Details {
		if d.ErrorCode == "UNREGISTERED" {
			return true
		}
	}
	return false
}

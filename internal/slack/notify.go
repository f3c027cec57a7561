package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultEndpoint = "https://slack.com/api/chat.postMessage"

var _ Service = (*service)(nil)

type Service interface {
	// Notify posts text to the configured channel.
	Notify(ctx context.Context, text string) error
}

type Config struct {
	Token   string
	Channel string

	// Endpoint overrides the chat.postMessage URL, for tests.
	Endpoint string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

func NewService(cfg *Config) Service {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &service{
		token:    cfg.Token,
		channel:  cfg.Channel,
		endpoint: endpoint,
		client:   client,
	}
}

type service struct {
	token    string
	channel  string
	endpoint string
	client   *http.Client
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// slack reports API failures as 200s with ok=false
type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (s *service) Notify(ctx context.Context, text string) error {
	body, err := json.Marshal(postMessageRequest{
		Channel: s.channel,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("slack responded with status %d", res.StatusCode)
	}

	var pmr postMessageResponse
	if err := json.NewDecoder(res.Body).Decode(&pmr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !pmr.OK {
		return fmt.Errorf("slack rejected the message: %s", pmr.Error)
	}

	return nil
}

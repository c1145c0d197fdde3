package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"skillswap-backend/internal/domain"
)

// HTTPStore submits messages to POST /v1/messages
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore creates a durable store client. A nil client gets a 10s timeout.
func NewHTTPStore(baseURL, token string, client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

type sendRequest struct {
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
	TempID     string `json:"temp_id"`
}

type sendEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Message   *domain.ChatMessage `json:"message"`
		Duplicate bool                `json:"duplicate"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SendMessage stores the message and returns it with its canonical id.
// Resubmitting a tempID returns the message stored the first time.
func (s *HTTPStore) SendMessage(ctx context.Context, receiverID, text, tempID string) (*domain.ChatMessage, error) {
	body, err := json.Marshal(sendRequest{ReceiverID: receiverID, Text: text, TempID: tempID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit message: %w", err)
	}
	defer resp.Body.Close()

	var env sendEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success || env.Data.Message == nil {
		if env.Error != nil {
			return nil, fmt.Errorf("message rejected: %s: %s", env.Error.Code, env.Error.Message)
		}
		return nil, fmt.Errorf("message rejected with status %d", resp.StatusCode)
	}
	return env.Data.Message, nil
}

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/wabridge/internal/session"
	"github.com/go-resty/resty/v2"
)

// MessageSender is the slice of *session.Manager used by SessionSender.
type MessageSender interface {
	SendMessage(ctx context.Context, destination string, payload any, opts session.SendOptions) (session.DeliveryResult, error)
}

// SessionSender delivers through an in-process session.
type SessionSender struct {
	Session MessageSender
}

func (SessionSender) Name() string { return "session" }

func (s SessionSender) Send(ctx context.Context, req Request) (Result, error) {
	res, err := s.Session.SendMessage(ctx, req.To, req.Payload, req.Options)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(SendResponse{Status: "sent", ID: res.ID, To: res.RemoteJID})
	if err != nil {
		return Result{}, fmt.Errorf("delivery: encode response: %w", err)
	}
	return Result{
		Status:      http.StatusOK,
		Body:        body,
		ContentType: "application/json; charset=utf-8",
		MessageID:   res.ID,
	}, nil
}

// SendResponse is the gateway's success body.
type SendResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	To     string `json:"to"`
}

type HTTPSenderConfig struct {
	URL       string
	Timeout   time.Duration
	AuthToken string
}

// HTTPSender posts requests to a remote gateway's /sendMessage endpoint.
type HTTPSender struct {
	url    string
	client *resty.Client
}

func NewHTTPSender(cfg HTTPSenderConfig) (*HTTPSender, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: downstream url required", ErrInvalidRequest)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.AuthToken != "" {
		client.SetAuthToken(cfg.AuthToken)
	}
	return &HTTPSender{url: cfg.URL, client: client}, nil
}

func (*HTTPSender) Name() string { return "http" }

func (s *HTTPSender) Send(ctx context.Context, req Request) (Result, error) {
	body := make(map[string]any, len(req.Payload)+2)
	for k, v := range req.Payload {
		body[k] = v
	}
	body["to"] = req.To
	if req.Options.QuotedID != "" {
		body["options"] = req.Options
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", req.ID).
		SetBody(body).
		Post(s.url)
	if err != nil {
		return Result{}, fmt.Errorf("delivery: post %s: %w", s.url, err)
	}
	result := Result{
		Status:      resp.StatusCode(),
		Body:        resp.Body(),
		ContentType: resp.Header().Get("Content-Type"),
	}
	if !resp.IsSuccess() {
		return result, &StatusError{Status: result.Status, Body: result.Body, ContentType: result.ContentType}
	}
	var decoded SendResponse
	if json.Unmarshal(result.Body, &decoded) == nil {
		result.MessageID = decoded.ID
	}
	return result, nil
}

package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"convo-engine/internal/channel"
)

// GraphSender pushes text replies through the Graph API messages endpoint.
type GraphSender struct {
	BaseURL string
	Version string
	Client  *http.Client
}

func NewGraphSender(baseURL, version string) *GraphSender {
	return &GraphSender{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Version: version,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send returns the provider message id.
func (s *GraphSender) Send(ctx context.Context, r channel.OutboundReply) (string, error) {
	if r.ChannelOriginID == "" || r.To == "" {
		return "", errors.New("whatsapp: origin and recipient are required")
	}
	if r.Credential == "" {
		return "", errors.New("whatsapp: access token is required")
	}

	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               r.To,
		Type:             "text",
		Text:             textBody{Body: r.Text},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.BaseURL, s.Version, r.ChannelOriginID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.Credential)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode >= 300 {
		if out.Error != nil {
			return "", fmt.Errorf("whatsapp: send: status %d: %s (code %d)", resp.StatusCode, out.Error.Message, out.Error.Code)
		}
		return "", fmt.Errorf("whatsapp: send: status %d", resp.StatusCode)
	}
	if len(out.Messages) == 0 {
		return "", errors.New("whatsapp: send: response has no message id")
	}
	return out.Messages[0].ID, nil
}

package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"convo-engine/internal/channel"
)

// RESTSender sends replies through the Messages resource of the REST API.
// Numbers listed in WhatsAppNumbers send over WhatsApp, the rest over SMS.
type RESTSender struct {
	BaseURL         string
	AccountSID      string
	AuthToken       string
	WhatsAppNumbers map[string]bool
	Client          *http.Client
}

func NewRESTSender(baseURL, accountSID, authToken string, whatsappNumbers []string) *RESTSender {
	wa := make(map[string]bool, len(whatsappNumbers))
	for _, n := range whatsappNumbers {
		wa[normalizeAddress(n)] = true
	}
	return &RESTSender{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		AccountSID:      accountSID,
		AuthToken:       authToken,
		WhatsAppNumbers: wa,
		Client:          &http.Client{Timeout: 15 * time.Second},
	}
}

type messageResponse struct {
	SID     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// e164 restores the leading "+" that lead identifiers drop.
func e164(number string) string {
	if strings.HasPrefix(number, "+") {
		return number
	}
	return "+" + number
}

// Send returns the message SID.
func (s *RESTSender) Send(ctx context.Context, r channel.OutboundReply) (string, error) {
	if r.ChannelOriginID == "" || r.To == "" {
		return "", errors.New("twilio: origin and recipient are required")
	}
	if s.AccountSID == "" || s.AuthToken == "" {
		return "", errors.New("twilio: account sid and auth token are required")
	}

	from := normalizeAddress(r.ChannelOriginID)
	to := e164(normalizeAddress(r.To))
	if s.WhatsAppNumbers[from] {
		from, to = "whatsapp:"+from, "whatsapp:"+to
	}
	form := url.Values{"From": {from}, "To": {to}, "Body": {r.Text}}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", s.BaseURL, url.PathEscape(s.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(s.AccountSID, s.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio: send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out messageResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode >= 300 {
		if out.Message != "" {
			return "", fmt.Errorf("twilio: send: status %d: %s (code %d)", resp.StatusCode, out.Message, out.Code)
		}
		return "", fmt.Errorf("twilio: send: status %d", resp.StatusCode)
	}
	if out.SID == "" {
		return "", errors.New("twilio: send: response has no message sid")
	}
	return out.SID, nil
}

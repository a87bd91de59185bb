package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"convo-engine/internal/channel"
)

func TestRESTSender_SendsWhatsAppAndSMS(t *testing.T) {
	var got []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC1/Messages.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC1" || pass != "tok" {
			t.Errorf("unexpected basic auth %q %q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got = append(got, map[string]string{"From": r.PostForm.Get("From"), "To": r.PostForm.Get("To"), "Body": r.PostForm.Get("Body")})
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM42"}`))
	}))
	defer srv.Close()

	s := NewRESTSender(srv.URL+"/", "AC1", "tok", []string{"whatsapp:+15550002"})

	id, err := s.Send(context.Background(), channel.OutboundReply{ChannelOriginID: "+15550002", To: "5215512345678", Text: "Hola"})
	if err != nil || id != "SM42" {
		t.Fatalf("expected SM42, got %q %v", id, err)
	}
	if _, err := s.Send(context.Background(), channel.OutboundReply{ChannelOriginID: "+15559999", To: "+15551230000", Text: "Hi"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(got))
	}
	if got[0]["From"] != "whatsapp:+15550002" || got[0]["To"] != "whatsapp:+5215512345678" || got[0]["Body"] != "Hola" {
		t.Fatalf("unexpected whatsapp form %v", got[0])
	}
	if got[1]["From"] != "+15559999" || got[1]["To"] != "+15551230000" {
		t.Fatalf("unexpected sms form %v", got[1])
	}
}

func TestRESTSender_ReportsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	_, err := NewRESTSender(srv.URL, "AC1", "tok", nil).Send(context.Background(), channel.OutboundReply{ChannelOriginID: "+15550002", To: "1", Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "21211") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestRESTSender_RequiresCredentials(t *testing.T) {
	_, err := NewRESTSender("http://unused", "", "", nil).Send(context.Background(), channel.OutboundReply{ChannelOriginID: "+1", To: "+2", Text: "x"})
	if err == nil {
		t.Fatalf("expected missing credential error")
	}
}

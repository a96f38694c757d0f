package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("TESTTOKEN", nil)
	c.baseURL = srv.URL
	c.httpClient = srv.Client()
	c.pollClient = srv.Client()
	return c
}

func okEnvelope(result any) []byte {
	raw, _ := json.Marshal(result)
	out, _ := json.Marshal(apiResponse{OK: true, Result: raw})
	return out
}

func TestSendMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		json.NewDecoder(req.Body).Decode(&gotPayload)
		w.Write(okEnvelope(Message{MessageID: 7}))
	})

	err := c.SendMessage(context.Background(), 123, "hallo", ModeMarkdownV2, false)
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if gotPath != "/botTESTTOKEN/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotPayload["text"] != "hallo" || gotPayload["parse_mode"] != "MarkdownV2" {
		t.Errorf("payload = %v", gotPayload)
	}
	if gotPayload["disable_web_page_preview"] != true {
		t.Error("link preview not disabled")
	}
}

func TestSendMessage_LinkPreviewOptIn(t *testing.T) {
	var gotPayload map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&gotPayload)
		w.Write(okEnvelope(Message{MessageID: 8}))
	})

	if err := c.SendMessage(context.Background(), 123, "mit Vorschau", ModeNone, true); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if gotPayload["disable_web_page_preview"] != false {
		t.Errorf("disable_web_page_preview = %v, want false when preview requested", gotPayload["disable_web_page_preview"])
	}
}

func TestSendMessage_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{
			OK: false, ErrorCode: 400, Description: "Bad Request: can't parse entities",
		})
	})

	err := c.SendMessage(context.Background(), 123, "broken_markdown", ModeMarkdownV2, false)
	if err == nil || !strings.Contains(err.Error(), "can't parse entities") {
		t.Errorf("err = %v, want API description", err)
	}
}

func TestGetUpdates(t *testing.T) {
	var gotPayload map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&gotPayload)
		w.Write(okEnvelope([]Update{
			{UpdateID: 10, Message: &Message{Text: "/status", Chat: Chat{ID: -100}}},
		}))
	})

	updates, err := c.GetUpdates(context.Background(), 10, 30*time.Second)
	if err != nil {
		t.Fatalf("GetUpdates() error: %v", err)
	}
	if len(updates) != 1 || updates[0].Message.Text != "/status" {
		t.Errorf("updates = %+v", updates)
	}
	if gotPayload["offset"] != float64(10) || gotPayload["timeout"] != float64(30) {
		t.Errorf("payload = %v", gotPayload)
	}
}

func TestIsPrivileged(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{"creator", true},
		{"administrator", true},
		{"member", false},
		{"left", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Write(okEnvelope(chatMember{Status: tt.status}))
			})
			got, err := c.IsPrivileged(context.Background(), -100, 42)
			if err != nil {
				t.Fatalf("IsPrivileged() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsPrivileged(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a.b", `a\.b`},
		{"1+1=2!", `1\+1\=2\!`},
		{"_under_ *star*", `\_under\_ \*star\*`},
		{"[link](url)", `\[link\]\(url\)`},
		{"Ümläute bleiben", "Ümläute bleiben"},
		{"a-b #1 {x}", `a\-b \#1 \{x\}`},
	}

	for _, tt := range tests {
		if got := EscapeMarkdownV2(tt.in); got != tt.want {
			t.Errorf("EscapeMarkdownV2(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package postcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

const existingPostHTML = `<!DOCTYPE html><html><body>
<div class="tgme_widget_message" data-post="testchan/42">
  <div class="tgme_widget_message_text">Fresh espresso deals every morning</div>
</div>
</body></html>`

const missingPostHTML = `<!DOCTYPE html><html><body>
<div class="tgme_widget_message_error">Post not found</div>
</body></html>`

func testChecker(t *testing.T, handler http.HandlerFunc) (*Checker, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewChecker(2*time.Second, 0, zap.NewNop())
	return c, srv
}

func TestCheckPostParsing(t *testing.T) {
	tests := []struct {
		name       string
		html       string
		wantExists bool
		wantText   string
	}{
		{"existing post", existingPostHTML, true, "Fresh espresso deals every morning"},
		{"missing post", missingPostHTML, false, ""},
		{"empty page", "<html><body></body></html>", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := testChecker(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.html))
			})

			doc, err := c.fetch(context.Background(), srv.URL)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}

			widget := doc.Find(".tgme_widget_message")
			exists := widget.Length() > 0
			if exists != tt.wantExists {
				t.Errorf("exists = %v, want %v", exists, tt.wantExists)
			}
			if tt.wantExists {
				text := widget.Find(".tgme_widget_message_text").Text()
				if text != tt.wantText {
					t.Errorf("text = %q, want %q", text, tt.wantText)
				}
			}
		})
	}
}

func TestFetchRetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(existingPostHTML))
	}))
	defer srv.Close()

	c := NewChecker(2*time.Second, 2, zap.NewNop())
	doc, err := c.fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch after retry: %v", err)
	}
	if doc.Find(".tgme_widget_message").Length() == 0 {
		t.Error("expected widget after successful retry")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewChecker(time.Second, 1, zap.NewNop())
	if _, err := c.fetch(context.Background(), srv.URL); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

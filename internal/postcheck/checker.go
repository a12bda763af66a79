// Package postcheck verifies post existence by scraping the channel's
// public t.me page. It is a best-effort heuristic; which checker is
// authoritative (this or the bot's channel access) is a configuration
// decision, not something the engine infers.
package postcheck

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Checker struct {
	httpClient *http.Client
	log        *zap.Logger
	maxRetries int
}

func NewChecker(timeout time.Duration, maxRetries int, log *zap.Logger) *Checker {
	return &Checker{
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		maxRetries: maxRetries,
	}
}

// PostResult carries the existence verdict plus the visible text for
// edit detection via content hashing.
type PostResult struct {
	Exists bool
	Text   string
}

// CheckPost fetches https://t.me/<channel>/<messageRef> in embed mode
// and reports whether the message widget is present. A page that loads
// without the widget means the message is gone.
func (c *Checker) CheckPost(ctx context.Context, channelUsername, messageRef string) (*PostResult, error) {
	url := fmt.Sprintf("https://t.me/%s/%s?embed=1&mode=tme", channelUsername, messageRef)

	doc, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	// Deleted or never-existing messages render the page without the
	// message widget.
	widget := doc.Find(".tgme_widget_message")
	if widget.Length() == 0 {
		return &PostResult{Exists: false}, nil
	}

	text := strings.TrimSpace(widget.Find(".tgme_widget_message_text").Text())
	return &PostResult{Exists: true, Text: text}, nil
}

func (c *Checker) fetch(ctx context.Context, url string) (*goquery.Document, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
			continue
		}

		doc, err := goquery.NewDocumentFromReader(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return doc, nil
	}

	return nil, lastErr
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/deedflow/config"
)

// Session owns the single browser page a batch run drives. All plot
// processing shares this one page; callers are strictly sequential.
type Session struct {
	cfg    config.BrowserConfig
	ctx    context.Context
	cancel []context.CancelFunc
}

// NewSession starts a headless browser and prepares the download directory.
func NewSession(ctx context.Context, cfg config.BrowserConfig) (*Session, error) {
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
	)
	if strings.TrimSpace(cfg.UserAgent) != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	bctx, cancelBrowser := chromedp.NewContext(actx)

	s := &Session{
		cfg:    cfg,
		ctx:    bctx,
		cancel: []context.CancelFunc{cancelBrowser, cancelAlloc},
	}
	err := chromedp.Run(bctx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(cfg.DownloadDir),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("configure downloads: %w", err)
	}
	return s, nil
}

// Close tears down the browser contexts in reverse order.
func (s *Session) Close() {
	for _, cancel := range s.cancel {
		cancel()
	}
}

// Navigate loads the given URL and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("invalid url")
	}
	ctx, cancel := s.bind(ctx, s.cfg.NavTimeout)
	defer cancel()
	return chromedp.Run(ctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// CurrentURL reports the page location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	ctx, cancel := s.bind(ctx, 10*time.Second)
	defer cancel()
	var loc string
	if err := chromedp.Run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// WaitSettled blocks until the document reports complete, then a short
// quiet period for late XHR-driven rerenders.
func (s *Session) WaitSettled(ctx context.Context) error {
	ctx, cancel := s.bind(ctx, s.cfg.SettleTimeout)
	defer cancel()
	for {
		var state string
		if err := chromedp.Run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
			return err
		}
		if state == "complete" {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}

// HTML returns the full page markup.
func (s *Session) HTML(ctx context.Context) (string, error) {
	ctx, cancel := s.bind(ctx, 15*time.Second)
	defer cancel()
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// RawText returns the readable text content of the current page. It is the
// haystack for regex fallbacks, so a degraded plain innerText result is
// preferred over an error.
func (s *Session) RawText(ctx context.Context) (string, error) {
	html, err := s.HTML(ctx)
	if err != nil {
		return "", err
	}
	loc, _ := s.CurrentURL(ctx)
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(loc))
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	var text string
	ctx, cancel := s.bind(ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text)); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Evaluate runs a JS expression and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, expression string, out interface{}) error {
	ctx, cancel := s.bind(ctx, 15*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.Evaluate(expression, out))
}

// Click clicks the first element matching the selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	if strings.TrimSpace(selector) == "" {
		return errors.New("empty selector")
	}
	ctx, cancel := s.bind(ctx, 15*time.Second)
	defer cancel()
	return chromedp.Run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Type clears the matching field and types the given text into it.
// Re-running it is safe: the field ends up with the same value.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	if strings.TrimSpace(selector) == "" {
		return errors.New("empty selector")
	}
	ctx, cancel := s.bind(ctx, 15*time.Second)
	defer cancel()
	return chromedp.Run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

// PressEnter submits via the enter key on the matching element.
func (s *Session) PressEnter(ctx context.Context, selector string) error {
	if strings.TrimSpace(selector) == "" {
		return errors.New("empty selector")
	}
	ctx, cancel := s.bind(ctx, 15*time.Second)
	defer cancel()
	return chromedp.Run(ctx, chromedp.SendKeys(selector, "\r", chromedp.ByQuery))
}

// SelectedValue reads the current value of a form control, so callers can
// verify state directly instead of trusting an action-success signal.
func (s *Session) SelectedValue(ctx context.Context, selector string) (string, error) {
	if strings.TrimSpace(selector) == "" {
		return "", errors.New("empty selector")
	}
	ctx, cancel := s.bind(ctx, 10*time.Second)
	defer cancel()
	var value string
	err := chromedp.Run(ctx, chromedp.Value(selector, &value, chromedp.ByQuery))
	return value, err
}

// bind merges the caller context with the session's page context and a
// timeout. The chromedp context carries the page; the caller context
// carries cancellation.
func (s *Session) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	merged, cancelTimeout := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancelTimeout)
	return merged, func() {
		stop()
		cancelTimeout()
	}
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

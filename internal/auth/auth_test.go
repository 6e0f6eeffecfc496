package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deedflow/config"
	"github.com/mohammad-safakhou/deedflow/internal/intel"
)

type pageStub struct {
	urls        []string // popped per CurrentURL call, last one sticks
	navigations []string
}

func (p *pageStub) Navigate(ctx context.Context, url string) error {
	p.navigations = append(p.navigations, url)
	return nil
}

func (p *pageStub) CurrentURL(ctx context.Context) (string, error) {
	if len(p.urls) == 0 {
		return "", nil
	}
	url := p.urls[0]
	if len(p.urls) > 1 {
		p.urls = p.urls[1:]
	}
	return url, nil
}

func (p *pageStub) WaitSettled(ctx context.Context) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Portal: config.PortalConfig{
			BaseURL:       "https://portal.example",
			HomeURL:       "https://portal.example/home",
			AuthDomain:    "id.gov.example",
			PhoneNumber:   "0501234567",
			CaptchaWindow: time.Millisecond,
			LoginTimeout:  time.Second,
		},
		Retry: config.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 2},
	}
}

func signedIn() []intel.Observation {
	return []intel.Observation{{Selector: "#account-name"}}
}

func TestEnsureSkipsLoginWithUsableSession(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{{Observations: signedIn()}},
	}
	page := &pageStub{urls: []string{"https://portal.example/home"}}
	seq := New(testConfig(), page, mind)

	if err := seq.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(mind.ActCalls) != 0 {
		t.Fatalf("expected no login actions with a live session, got %v", mind.ActCalls)
	}
}

func TestLoginRunsFullSequence(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{Observations: signedIn()}, // confirmation poll
		},
	}
	page := &pageStub{urls: []string{"https://portal.example/dashboard"}}
	seq := New(testConfig(), page, mind)

	if err := seq.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(mind.ActCalls) != 4 {
		t.Fatalf("expected 4 login actions, got %v", mind.ActCalls)
	}
	if !strings.Contains(mind.ActCalls[2], "0501234567") {
		t.Fatalf("phone entry action missing the number: %q", mind.ActCalls[2])
	}
}

func TestLoginRequiresBothConfirmationSignals(t *testing.T) {
	// URL still on the identity provider's domain: the signed-in indicator
	// alone must not confirm the login.
	mind := &intel.Script{}
	page := &pageStub{urls: []string{"https://id.gov.example/consent"}}
	cfg := testConfig()
	cfg.Portal.LoginTimeout = 2 * time.Millisecond
	seq := New(cfg, page, mind)

	err := seq.Login(context.Background())
	if err == nil {
		t.Fatalf("expected login failure while still on the auth domain")
	}
	// the indicator was never even checked: the URL signal short-circuits
	if len(mind.ObserveCalls) != 0 {
		t.Fatalf("expected no indicator checks on the auth domain, got %v", mind.ObserveCalls)
	}
}

func TestLoginFatalWhenConfirmationExhausted(t *testing.T) {
	// off the auth domain but no signed-in indicator ever appears
	mind := &intel.Script{}
	page := &pageStub{urls: []string{"https://portal.example/limbo"}}
	cfg := testConfig()
	cfg.Portal.LoginTimeout = 2 * time.Millisecond
	seq := New(cfg, page, mind)

	if err := seq.Login(context.Background()); err == nil {
		t.Fatalf("expected fatal error when confirmation never arrives")
	}
}

func TestEnsureLogsInWhenSessionExpired(t *testing.T) {
	mind := &intel.Script{
		ObserveReplies: []intel.ObserveReply{
			{}, // Ensure's check: no signed-in indicator
			{Observations: signedIn()}, // confirmation after login
		},
	}
	page := &pageStub{urls: []string{"https://portal.example/home"}}
	seq := New(testConfig(), page, mind)

	if err := seq.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(mind.ActCalls) != 4 {
		t.Fatalf("expected full login sequence, got %v", mind.ActCalls)
	}
}

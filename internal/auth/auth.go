package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deedflow/config"
	"github.com/mohammad-safakhou/deedflow/internal/actor"
	"github.com/mohammad-safakhou/deedflow/internal/intel"
	"github.com/mohammad-safakhou/deedflow/internal/poll"
	"github.com/mohammad-safakhou/deedflow/internal/telemetry"
)

// Surface is the slice of the browser session the sequencer drives.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	WaitSettled(ctx context.Context) error
}

// Sequencer drives the portal's delegated-identity login. The flow has one
// human step, the CAPTCHA, which gets a fixed time window rather than a
// readiness poll: there is nothing on the page to observe for it.
type Sequencer struct {
	cfg    config.PortalConfig
	page   Surface
	mind   intel.Intelligence
	exec   *actor.Executor
	poller *poll.Poller
	logger *log.Logger
}

// New builds a Sequencer.
func New(cfg *config.Config, page Surface, mind intel.Intelligence) *Sequencer {
	return &Sequencer{
		cfg:    cfg.Portal,
		page:   page,
		mind:   mind,
		exec:   actor.New(cfg.Retry, telemetry.Logger("ACTION")),
		poller: poll.New(telemetry.Logger("POLL")),
		logger: telemetry.Logger("AUTH"),
	}
}

// Ensure leaves the page authenticated and on the portal, logging in only
// when the current session is not usable.
func (s *Sequencer) Ensure(ctx context.Context) error {
	if err := s.page.Navigate(ctx, s.cfg.HomeURL); err != nil {
		return fmt.Errorf("open portal: %w", err)
	}
	if err := s.page.WaitSettled(ctx); err != nil {
		s.logger.Printf("settle on portal home: %v", err)
	}
	if s.sessionUsable(ctx) {
		return nil
	}
	s.logger.Printf("no usable session, starting login")
	return s.Login(ctx)
}

// Login walks the full delegated-identity sequence. Failure here is fatal
// for the whole run: nothing downstream works without a session.
func (s *Sequencer) Login(ctx context.Context) error {
	if err := s.page.Navigate(ctx, s.cfg.BaseURL); err != nil {
		return fmt.Errorf("open portal: %w", err)
	}
	if err := s.act(ctx, "open_login", "click the login button"); err != nil {
		return err
	}
	if err := s.act(ctx, "choose_identity_provider", "choose the national digital identity login option"); err != nil {
		return err
	}
	if err := s.act(ctx, "enter_phone", fmt.Sprintf("type %q into the phone number field", s.cfg.PhoneNumber)); err != nil {
		return err
	}

	// Fixed window for the human to solve the CAPTCHA.
	s.logger.Printf("waiting %s for CAPTCHA to be solved", s.cfg.CaptchaWindow)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.CaptchaWindow):
	}

	if err := s.act(ctx, "submit_login", "click the submit or continue button of the login form"); err != nil {
		return err
	}

	interval := 3 * time.Second
	attempts := int(s.cfg.LoginTimeout / interval)
	if attempts < 1 {
		attempts = 1
	}
	ready, err := s.poller.WaitUntilReady(ctx, poll.Config{
		Name:        "login_confirmation",
		Interval:    interval,
		MaxAttempts: attempts,
	}, func(ctx context.Context) (poll.Outcome, error) {
		if s.sessionUsable(ctx) {
			return poll.Ready, nil
		}
		return poll.NotYet, nil
	})
	if err != nil {
		return fmt.Errorf("confirm login: %w", err)
	}
	if !ready {
		return errors.New("login not confirmed within timeout")
	}
	s.logger.Printf("login confirmed")
	return nil
}

// sessionUsable requires both signals: the URL left the identity provider's
// domain and the page shows a signed-in indicator. Either alone can be a
// transitional redirect state.
func (s *Sequencer) sessionUsable(ctx context.Context) bool {
	url, err := s.page.CurrentURL(ctx)
	if err != nil {
		s.logger.Printf("read current url: %v", err)
		return false
	}
	if strings.Contains(url, s.cfg.AuthDomain) {
		return false
	}
	obs, err := s.mind.Observe(ctx, "a signed-in indicator such as the account name or a logout control")
	if err != nil {
		s.logger.Printf("observe signed-in indicator: %v", err)
		return false
	}
	return len(obs) > 0
}

func (s *Sequencer) act(ctx context.Context, name, description string) error {
	return s.exec.Do(ctx, name, func(ctx context.Context) error {
		return s.mind.Act(ctx, description)
	})
}

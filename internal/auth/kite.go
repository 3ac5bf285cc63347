// Package auth performs the daily broker session bootstrap: headless Kite
// login with TOTP two-factor, request-token exchange, and publication of the
// access token at auth:kite:access_token for the collectors.
package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"tradecore/internal/markethours"
)

const (
	loginURL = "https://kite.zerodha.com/api/login"
	twofaURL = "https://kite.zerodha.com/api/twofa"

	// Kite flushes sessions daily around 7:30 AM IST.
	sessionFlushHour   = 7
	sessionFlushMinute = 30
)

// TokenWriter publishes the access token for the collectors.
type TokenWriter interface {
	SetAccessToken(ctx context.Context, token string, ttl time.Duration) error
}

// Config carries the broker credentials.
type Config struct {
	APIKey     string
	APISecret  string
	UserID     string
	Password   string
	TOTPSecret string
}

// Bootstrap drives the login flow.
type Bootstrap struct {
	cfg    Config
	tokens TokenWriter
	client *http.Client
}

// NewBootstrap creates a Bootstrap. The HTTP client keeps cookies across the
// login and twofa calls and never follows the final redirect (the request
// token rides on it).
func NewBootstrap(cfg Config, tokens TokenWriter) (*Bootstrap, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("auth: api key, secret and user id are required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{
			Jar:     jar,
			Timeout: 15 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Login runs the full flow and writes the access token with a TTL ending at
// the next daily session flush.
func (b *Bootstrap) Login(ctx context.Context) error {
	requestID, err := b.password(ctx)
	if err != nil {
		return err
	}
	if err := b.twofa(ctx, requestID); err != nil {
		return err
	}
	requestToken, err := b.requestToken(ctx)
	if err != nil {
		return err
	}

	kc := kiteconnect.New(b.cfg.APIKey)
	sess, err := kc.GenerateSession(requestToken, b.cfg.APISecret)
	if err != nil {
		return fmt.Errorf("auth: generate session: %w", err)
	}

	ttl := time.Until(nextSessionFlush(time.Now()))
	if err := b.tokens.SetAccessToken(ctx, sess.AccessToken, ttl); err != nil {
		return fmt.Errorf("auth: publish token: %w", err)
	}
	log.Printf("[auth] session ready for %s, token valid %s", b.cfg.UserID, ttl.Round(time.Minute))
	return nil
}

// password performs step 1 and returns the twofa request id.
func (b *Bootstrap) password(ctx context.Context) (string, error) {
	form := url.Values{"user_id": {b.cfg.UserID}, "password": {b.cfg.Password}}
	var out struct {
		Data struct {
			RequestID string `json:"request_id"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := b.postForm(ctx, loginURL, form, &out); err != nil {
		return "", fmt.Errorf("auth: login: %w", err)
	}
	if out.Data.RequestID == "" {
		return "", fmt.Errorf("auth: login rejected: %s", out.Message)
	}
	return out.Data.RequestID, nil
}

// twofa performs step 2 with a fresh TOTP code.
func (b *Bootstrap) twofa(ctx context.Context, requestID string) error {
	code, err := totp.GenerateCode(b.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("auth: totp: %w", err)
	}
	form := url.Values{
		"user_id":     {b.cfg.UserID},
		"request_id":  {requestID},
		"twofa_value": {code},
		"twofa_type":  {"totp"},
	}
	var out struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := b.postForm(ctx, twofaURL, form, &out); err != nil {
		return fmt.Errorf("auth: twofa: %w", err)
	}
	if out.Status != "success" {
		return fmt.Errorf("auth: twofa rejected: %s", out.Message)
	}
	return nil
}

// requestToken follows the connect login redirect chain and extracts the
// request_token parameter from the final redirect location.
func (b *Bootstrap) requestToken(ctx context.Context) (string, error) {
	next := "https://kite.zerodha.com/connect/login?v=3&api_key=" + url.QueryEscape(b.cfg.APIKey)
	for hop := 0; hop < 8; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return "", err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("auth: connect login: %w", err)
		}
		resp.Body.Close()

		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", fmt.Errorf("auth: connect login: no redirect (status %d)", resp.StatusCode)
		}
		u, err := url.Parse(loc)
		if err != nil {
			return "", err
		}
		if tok := u.Query().Get("request_token"); tok != "" {
			return tok, nil
		}
		if !strings.HasPrefix(loc, "http") {
			loc = "https://kite.zerodha.com" + loc
		}
		next = loc
	}
	return "", fmt.Errorf("auth: connect login: request token not found in redirect chain")
}

func (b *Bootstrap) postForm(ctx context.Context, target string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

// nextSessionFlush returns the next 7:30 AM IST after t.
func nextSessionFlush(t time.Time) time.Time {
	ist := t.In(markethours.IST)
	flush := time.Date(ist.Year(), ist.Month(), ist.Day(), sessionFlushHour, sessionFlushMinute, 0, 0, markethours.IST)
	if !ist.Before(flush) {
		flush = flush.AddDate(0, 0, 1)
	}
	return flush
}

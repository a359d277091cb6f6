package kiteconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"kitebridge/internal/apperr"
)

const (
	defaultLoginRoot    = "https://kite.zerodha.com"
	defaultConnectURL   = "https://kite.trade/connect/login"
	maxLoginRedirects   = 10
	defaultLoginTimeout = 15 * time.Second
)

// AutoLogin produces request tokens without a browser: password login, TOTP
// two-factor, then the Connect redirect that carries request_token.
type AutoLogin struct {
	APIKey     string
	UserID     string
	Password   string
	TOTPSecret string

	LoginRoot  string // default: https://kite.zerodha.com
	ConnectURL string // default: https://kite.trade/connect/login
	Timeout    time.Duration

	// Now is the TOTP clock; defaults to time.Now.
	Now func() time.Time
}

// Validate reports missing credentials.
func (a *AutoLogin) Validate() error {
	var missing []string
	for _, f := range [][2]string{
		{"api key", a.APIKey}, {"user id", a.UserID}, {"password", a.Password}, {"totp secret", a.TOTPSecret},
	} {
		if f[1] == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: auto login missing %s", apperr.ErrAuth, strings.Join(missing, ", "))
	}
	return nil
}

// RequestToken runs the login flow and returns a fresh request token.
func (a *AutoLogin) RequestToken(ctx context.Context) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	root := strings.TrimRight(firstNonEmpty(a.LoginRoot, defaultLoginRoot), "/")
	connect := firstNonEmpty(a.ConnectURL, defaultConnectURL)
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	timeout := a.Timeout
	if timeout == 0 {
		timeout = defaultLoginTimeout
	}

	jar, _ := cookiejar.New(nil)
	hc := &http.Client{
		Jar:     jar,
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// Step 1: password
	var step1 struct {
		RequestID string `json:"request_id"`
	}
	if err := postForm(ctx, hc, root+"/api/login", url.Values{
		"user_id":  {a.UserID},
		"password": {a.Password},
	}, &step1); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if step1.RequestID == "" {
		return "", fmt.Errorf("login: %w: no request_id in response", apperr.ErrAuth)
	}

	// Step 2: TOTP
	code, err := totp.GenerateCode(a.TOTPSecret, now())
	if err != nil {
		return "", fmt.Errorf("login: %w: totp: %v", apperr.ErrAuth, err)
	}
	if err := postForm(ctx, hc, root+"/api/twofa", url.Values{
		"user_id":     {a.UserID},
		"request_id":  {step1.RequestID},
		"twofa_value": {code},
		"twofa_type":  {"totp"},
	}, nil); err != nil {
		return "", fmt.Errorf("twofa: %w", err)
	}
	log.Printf("[kite] login and 2FA accepted for %s", a.UserID)

	// Step 3: walk the Connect redirects until one carries request_token.
	next := connect + "?" + url.Values{"api_key": {a.APIKey}, "v": {apiVersion}}.Encode()
	for hop := 0; hop < maxLoginRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return "", err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return "", fmt.Errorf("connect: %w: %v", apperr.ErrUnavailable, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", fmt.Errorf("connect: %w: no redirect (status %d)", apperr.ErrAuth, resp.StatusCode)
		}
		target, err := resp.Request.URL.Parse(loc)
		if err != nil {
			return "", fmt.Errorf("connect: bad redirect %q: %w", loc, err)
		}
		if tok := target.Query().Get("request_token"); tok != "" {
			return tok, nil
		}
		next = target.String()
	}
	return "", fmt.Errorf("connect: %w: request_token not found after %d redirects", apperr.ErrAuth, maxLoginRedirects)
}

func postForm(ctx context.Context, hc *http.Client, u string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrUnavailable, err)
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)
	if resp.StatusCode != http.StatusOK || env.Status == "error" {
		kind := apperr.ErrAuth
		if resp.StatusCode >= 500 {
			kind = apperr.ErrUnavailable
		} else if resp.StatusCode == http.StatusTooManyRequests {
			kind = apperr.ErrRateLimited
		}
		return &Error{HTTPStatus: resp.StatusCode, Type: env.ErrorType, Message: env.Message, kind: kind}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return nil
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}

// errNoToken is returned by producers that are not configured.
var errNoToken = errors.New("no credential producer configured")

// StaticToken is a producer that always yields the same request token; useful
// when the token arrives out of band.
type StaticToken string

// RequestToken implements the credential producer contract.
func (s StaticToken) RequestToken(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: %w", apperr.ErrAuth, errNoToken)
	}
	return string(s), nil
}

package chzzk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-bridge/credential"
	"github.com/onnwee/chzzk-bridge/telemetry"
)

const (
	// RefreshMargin is how close to expiry a held token may get before it is replaced.
	RefreshMargin = 10 * time.Minute
	// DefaultExpiresIn applies when the token endpoint omits expiresIn.
	DefaultExpiresIn = 86400 * time.Second

	grantRefresh  = "refresh_token"
	grantAuthCode = "authorization_code"
)

// SessionProof carries the first-party login cookies produced by the
// interactive browser login.
type SessionProof struct {
	NIDAut string
	NIDSes string
}

// Valid reports whether both cookies are present.
func (p SessionProof) Valid() bool { return p.NIDAut != "" && p.NIDSes != "" }

// Authority produces currently-valid access tokens, refreshing or fully
// re-authenticating as needed and persisting results to Store.
type Authority struct {
	Store        *credential.Store
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Session      SessionProof
	HTTPClient   *http.Client

	// Base URLs; empty means the production hosts.
	OpenAPIBase string
	AccountBase string

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu sync.Mutex
}

var _ oauth2.TokenSource = (*Authority)(nil)

func (a *Authority) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authority) openAPI() string {
	if a.OpenAPIBase != "" {
		return a.OpenAPIBase
	}
	return DefaultOpenAPIBase
}

func (a *Authority) account() string {
	if a.AccountBase != "" {
		return a.AccountBase
	}
	return DefaultAccountBase
}

// held returns the cached token when it is valid for longer than RefreshMargin.
func (a *Authority) held() (string, bool) {
	rec := a.Store.Current()
	if rec.AccessToken != "" && rec.ExpiresAt.Sub(a.now()) > RefreshMargin {
		return rec.AccessToken, true
	}
	return "", false
}

// EnsureValidToken returns a usable access token. Errors wrap ErrAuthFailure.
func (a *Authority) EnsureValidToken(ctx context.Context) (string, error) {
	if tok, ok := a.held(); ok {
		return tok, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// another caller may have refreshed while we waited
	if tok, ok := a.held(); ok {
		return tok, nil
	}

	if rec := a.Store.Current(); rec.RefreshToken != "" {
		tok, err := a.refresh(ctx, rec)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrRemoteRejection) {
			return "", fmt.Errorf("%w: refresh: %w", ErrAuthFailure, err)
		}
		slog.Warn("chzzk refresh rejected, clearing credentials", slog.Any("err", err))
		if cerr := a.Store.Clear(ctx); cerr != nil {
			slog.Warn("failed to clear credential record", slog.Any("err", cerr))
		}
	}
	return a.authenticate(ctx)
}

// Token implements oauth2.TokenSource.
func (a *Authority) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	tok, err := a.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer", Expiry: a.Store.Current().ExpiresAt}, nil
}

// HasCredentials reports whether a complete credential record is held.
func (a *Authority) HasCredentials() bool { return a.Store.Current().Complete() }

func (a *Authority) refresh(ctx context.Context, rec credential.Record) (string, error) {
	res, err := a.exchange(ctx, grantRefresh, map[string]string{
		"grantType":    grantRefresh,
		"refreshToken": rec.RefreshToken,
		"clientId":     a.ClientID,
		"clientSecret": a.ClientSecret,
	})
	if err != nil {
		return "", err
	}
	if res.RefreshToken == "" {
		res.RefreshToken = rec.RefreshToken
	}
	return a.persist(ctx, res)
}

func (a *Authority) authenticate(ctx context.Context) (string, error) {
	if !a.Session.Valid() {
		return "", fmt.Errorf("%w: no session proof available", ErrAuthFailure)
	}
	state := uuid.NewString()
	code, err := a.authorizationCode(ctx, state)
	if err != nil {
		return "", fmt.Errorf("%w: authorization code: %w", ErrAuthFailure, err)
	}
	res, err := a.exchange(ctx, grantAuthCode, map[string]string{
		"grantType":    grantAuthCode,
		"clientId":     a.ClientID,
		"clientSecret": a.ClientSecret,
		"code":         code,
		"state":        state,
	})
	if err != nil {
		return "", fmt.Errorf("%w: code exchange: %w", ErrAuthFailure, err)
	}
	if res.RefreshToken == "" {
		return "", fmt.Errorf("%w: code exchange returned no refresh token", ErrAuthFailure)
	}
	slog.Info("chzzk authorization complete")
	return a.persist(ctx, res)
}

func (a *Authority) persist(ctx context.Context, res tokenContent) (string, error) {
	expiresIn := time.Duration(res.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}
	rec := credential.Record{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    a.now().Add(expiresIn),
	}
	if err := a.Store.Save(ctx, rec); err != nil {
		// the token is still usable for this process
		slog.Warn("failed to persist chzzk credentials", slog.Any("err", err))
	}
	return rec.AccessToken, nil
}

type tokenContent struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	TokenType    string      `json:"tokenType"`
	ExpiresIn    flexSeconds `json:"expiresIn"`
}

// exchange posts a grant to the token endpoint. A non-200 status or a
// malformed body is returned as *RemoteRejection.
func (a *Authority) exchange(ctx context.Context, grant string, body map[string]string) (res tokenContent, err error) {
	ctx, span := telemetry.StartSpan(ctx, "chzzk", "token.exchange", attribute.String("grant", grant))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, ErrRemoteRejection) {
				result = "rejected"
			}
		}
		telemetry.Count(telemetry.TokenExchanges, grant, result)
		telemetry.EndSpan(span, err)
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.openAPI()+"/auth/v1/token", bytes.NewReader(payload))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient(a.HTTPClient).Do(req)
	if err != nil {
		return res, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return res, rejection(resp)
	}
	var env envelope[tokenContent]
	if err := decodeJSON(resp.Body, &env); err != nil {
		return res, &RemoteRejection{StatusCode: resp.StatusCode, Body: err.Error()}
	}
	if (env.Code != 0 && env.Code != http.StatusOK) || env.Content.AccessToken == "" {
		return res, &RemoteRejection{StatusCode: resp.StatusCode, Body: fmt.Sprintf("code=%d message=%q", env.Code, env.Message)}
	}
	return env.Content, nil
}

// authorizationCode asks the account-interlock endpoint for a one-time code,
// presenting the session cookies. The code arrives in the redirect Location.
func (a *Authority) authorizationCode(ctx context.Context, state string) (string, error) {
	q := url.Values{}
	q.Set("clientId", a.ClientID)
	q.Set("redirectUri", a.RedirectURI)
	q.Set("state", state)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.account()+"/account-interlock?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.AddCookie(&http.Cookie{Name: "NID_AUT", Value: a.Session.NIDAut})
	req.AddCookie(&http.Cookie{Name: "NID_SES", Value: a.Session.NIDSes})

	hc := *httpClient(a.HTTPClient)
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", rejection(resp)
	}
	loc, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("redirect without location: %w", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("redirect carried no code: %s", loc.Redacted())
	}
	if got := loc.Query().Get("state"); got != "" && got != state {
		return "", fmt.Errorf("state mismatch")
	}
	return code, nil
}

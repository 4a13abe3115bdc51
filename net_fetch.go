package haywatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// FetchFunction performs one request/response round trip.
type FetchFunction func(req *http.Request) (*http.Response, error)

func DefaultFetchSettings() *FetchSettings {
	return &FetchSettings{
		TokenHeader:       "Attest-Key",
		TokenPath:         "/user/attest-key",
		ExpiredStatusCode: 419,
		MaxAuthTries:      3,
	}
}

type FetchSettings struct {
	// response header carrying the attest token
	TokenHeader string
	// token endpoint path on the origin
	TokenPath string
	// status code on a protected request that signals token expiry
	ExpiredStatusCode int
	// bound on authentication attempts before giving up
	MaxAuthTries int
}

// process-wide: origin -> token acquisition
// concurrent requests to the same origin share one in-flight acquisition
var tokenCacheLock sync.Mutex
var tokenCache = map[string]*tokenAcquisition{}

type tokenAcquisition struct {
	done  chan struct{}
	token string
	err   error
}

// test hook
func clearTokenCache() {
	tokenCacheLock.Lock()
	defer tokenCacheLock.Unlock()
	tokenCache = map[string]*tokenAcquisition{}
}

// TokenFetch attaches a per-origin attest token to each request and
// retries exactly once when the token has expired.
type TokenFetch struct {
	client   *http.Client
	settings *FetchSettings
}

func NewTokenFetchWithDefaults() *TokenFetch {
	return NewTokenFetch(defaultClient(), DefaultFetchSettings())
}

func NewTokenFetch(client *http.Client, settings *FetchSettings) *TokenFetch {
	return &TokenFetch{
		client:   client,
		settings: settings,
	}
}

// FetchFunction
func (self *TokenFetch) Fetch(req *http.Request) (*http.Response, error) {
	if req.Header.Get(self.settings.TokenHeader) != "" {
		// the caller already attached a token
		return self.client.Do(req)
	}

	origin := originOf(req.URL)

	token, err := self.acquireToken(req.Context(), origin)
	if err != nil {
		return nil, err
	}

	resp, err := self.do(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != self.settings.ExpiredStatusCode {
		return resp, nil
	}

	// the token expired. invalidate, re-acquire, and retry exactly once
	resp.Body.Close()
	self.invalidateToken(origin)

	glog.V(2).Infof("[fetch]token expired for %s, retry\n", origin)

	token, err = self.acquireToken(req.Context(), origin)
	if err != nil {
		return nil, err
	}
	return self.do(req, token)
}

func (self *TokenFetch) do(req *http.Request, token string) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		attempt.Body = body
	}
	attempt.Header.Set(self.settings.TokenHeader, token)
	return self.client.Do(attempt)
}

func (self *TokenFetch) acquireToken(ctx context.Context, origin string) (string, error) {
	tokenCacheLock.Lock()
	acquisition, ok := tokenCache[origin]
	if !ok {
		acquisition = &tokenAcquisition{
			done: make(chan struct{}),
		}
		tokenCache[origin] = acquisition
		go self.fetchToken(origin, acquisition)
	}
	tokenCacheLock.Unlock()

	select {
	case <-acquisition.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if acquisition.err != nil {
		// a failed acquisition must not poison future attempts
		tokenCacheLock.Lock()
		if tokenCache[origin] == acquisition {
			delete(tokenCache, origin)
		}
		tokenCacheLock.Unlock()
	}
	return acquisition.token, acquisition.err
}

func (self *TokenFetch) fetchToken(origin string, acquisition *tokenAcquisition) {
	defer close(acquisition.done)

	req, err := http.NewRequest("POST", origin+self.settings.TokenPath, nil)
	if err != nil {
		acquisition.err = &TokenError{Origin: origin, Message: err.Error()}
		return
	}

	resp, err := self.client.Do(req)
	if err != nil {
		acquisition.err = &TokenError{Origin: origin, Message: err.Error()}
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		acquisition.err = &TokenError{
			Origin:  origin,
			Message: fmt.Sprintf("token endpoint status %d", resp.StatusCode),
		}
		return
	}

	token := resp.Header.Get(self.settings.TokenHeader)
	if token == "" {
		acquisition.err = &TokenError{
			Origin:  origin,
			Message: fmt.Sprintf("missing %s response header", self.settings.TokenHeader),
		}
		return
	}

	glog.V(2).Infof("[fetch]token acquired for %s\n", origin)
	acquisition.token = token
}

func (self *TokenFetch) invalidateToken(origin string) {
	tokenCacheLock.Lock()
	defer tokenCacheLock.Unlock()
	delete(tokenCache, origin)
}

func originOf(u *url.URL) string {
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

// Authenticator is the pluggable authentication strategy layered on
// top of the token fetch.
type Authenticator interface {
	// attach current credentials to the outgoing request
	PreAuthenticate(req *http.Request) error
	// whether the response is an authentication fault
	IsAuthFault(resp *http.Response) bool
	// re-establish credentials
	Authenticate(ctx context.Context) error
}

// AuthFetch retries authentication up to the configured max tries
// before raising a terminal AuthenticationError.
type AuthFetch struct {
	fetch         FetchFunction
	authenticator Authenticator
	maxTries      int
}

func NewAuthFetch(fetch FetchFunction, authenticator Authenticator, maxTries int) *AuthFetch {
	if maxTries <= 0 {
		maxTries = DefaultFetchSettings().MaxAuthTries
	}
	return &AuthFetch{
		fetch:         fetch,
		authenticator: authenticator,
		maxTries:      maxTries,
	}
}

// FetchFunction
func (self *AuthFetch) Fetch(req *http.Request) (*http.Response, error) {
	for i := 0; i < self.maxTries; i += 1 {
		attempt := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attempt.Body = body
		}
		if err := self.authenticator.PreAuthenticate(attempt); err != nil {
			return nil, err
		}

		resp, err := self.fetch(attempt)
		if err != nil {
			return nil, err
		}
		if !self.authenticator.IsAuthFault(resp) {
			return resp, nil
		}
		resp.Body.Close()

		glog.V(2).Infof("[fetch]auth fault, authenticate try=%d\n", i+1)
		if err := self.authenticator.Authenticate(req.Context()); err != nil {
			return nil, err
		}
	}
	return nil, &AuthenticationError{Tries: self.maxTries}
}

// BearerAuthenticator attaches a bearer token and renews it through a
// caller-supplied renew function when the server rejects it.
type BearerAuthenticator struct {
	stateLock sync.Mutex
	token     string
	renew     func(ctx context.Context) (string, error)
}

func NewBearerAuthenticator(token string, renew func(ctx context.Context) (string, error)) *BearerAuthenticator {
	return &BearerAuthenticator{
		token: token,
		renew: renew,
	}
}

func (self *BearerAuthenticator) Token() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.token
}

// Expired reports whether the token is a JWT already past its exp
// claim. Checking locally avoids a round trip that is known to fail.
func (self *BearerAuthenticator) Expired() bool {
	token := self.Token()
	if token == "" {
		return true
	}
	claims := gojwt.MapClaims{}
	parser := gojwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// opaque tokens cannot be checked locally
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

// Authenticator

func (self *BearerAuthenticator) PreAuthenticate(req *http.Request) error {
	token := self.Token()
	if token == "" {
		return nil
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}

func (self *BearerAuthenticator) IsAuthFault(resp *http.Response) bool {
	return resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden
}

func (self *BearerAuthenticator) Authenticate(ctx context.Context) error {
	if self.renew == nil {
		return fmt.Errorf("bearer token rejected and no renew function configured")
	}
	token, err := self.renew(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("renew returned an empty token")
	}
	self.stateLock.Lock()
	self.token = token
	self.stateLock.Unlock()
	return nil
}

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

const defaultHttpTimeout = 10 * time.Second
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

// Credentials name a room. Every device that knows the pair meets in the same room.
type Credentials struct {
	Room     string `json:"room" yaml:"room"`
	Password string `json:"password" yaml:"password"`
}

func (self Credentials) IsZero() bool {
	return self.Room == "" || self.Password == ""
}

type TokenArgs struct {
	Id       string `json:"id,omitempty"`
	Room     string `json:"room"`
	Password string `json:"password"`
}

// RelayTokenError is a non-2xx response from the token endpoint.
type RelayTokenError struct {
	StatusCode int
	Message    string
}

func (self *RelayTokenError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("relay token error: %d %s", self.StatusCode, http.StatusText(self.StatusCode))
	}
	return fmt.Sprintf("relay token error: %d %s: %s", self.StatusCode, http.StatusText(self.StatusCode), self.Message)
}

// FetchToken requests a websocket access token for `deviceId` in the credentials' room.
// The response body is the token.
func FetchToken(ctx context.Context, client *http.Client, apiUrl string, credentials Credentials, deviceId string) (string, error) {
	if client == nil {
		client = defaultClient()
	}

	requestBodyBytes, err := json.Marshal(&TokenArgs{
		Id:       deviceId,
		Room:     credentials.Room,
		Password: credentials.Password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(apiUrl, "/")+"/token", bytes.NewReader(requestBodyBytes))
	if err != nil {
		return "", err
	}
	req.Header.Add("Content-Type", "application/json")

	r, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		return "", &RelayTokenError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
	}
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(responseBodyBytes))
	if token == "" {
		return "", &RelayTokenError{
			StatusCode: r.StatusCode,
			Message:    "empty token",
		}
	}
	return token, nil
}

// TokenProvider supplies the token for each websocket dial.
type TokenProvider interface {
	Token(ctx context.Context, credentials Credentials, deviceId string) (string, error)
	// drops a token the relay rejected
	Invalidate(credentials Credentials, deviceId string)
}

type TokenSourceSettings struct {
	// used when the token does not carry an expiry
	DefaultTtl time.Duration
	// a cached token is dropped this long before it expires
	ExpiryMargin time.Duration
	Capacity     uint64
	HttpClient   *http.Client
}

func DefaultTokenSourceSettings() *TokenSourceSettings {
	return &TokenSourceSettings{
		DefaultTtl:   1 * time.Minute,
		ExpiryMargin: 10 * time.Second,
		Capacity:     1024,
	}
}

// TokenSource fetches tokens from the relay api and reuses each until shortly before it expires.
type TokenSource struct {
	apiUrl   string
	settings *TokenSourceSettings
	client   *http.Client
	cache    *ttlcache.Cache[uint64, string]
}

func NewTokenSourceWithDefaults(ctx context.Context, apiUrl string) *TokenSource {
	return NewTokenSource(ctx, apiUrl, DefaultTokenSourceSettings())
}

func NewTokenSource(ctx context.Context, apiUrl string, settings *TokenSourceSettings) *TokenSource {
	cache := ttlcache.New[uint64, string](
		ttlcache.WithTTL[uint64, string](settings.DefaultTtl),
		ttlcache.WithCapacity[uint64, string](settings.Capacity),
		// a hit must not extend the token past its expiry
		ttlcache.WithDisableTouchOnHit[uint64, string](),
	)

	go cache.Start()

	go func() {
		<-ctx.Done()
		cache.Stop()
	}()

	client := settings.HttpClient
	if client == nil {
		client = defaultClient()
	}

	return &TokenSource{
		apiUrl:   apiUrl,
		settings: settings,
		client:   client,
		cache:    cache,
	}
}

func (self *TokenSource) Token(ctx context.Context, credentials Credentials, deviceId string) (string, error) {
	key := tokenKey(credentials, deviceId)
	if item := self.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	token, err := FetchToken(ctx, self.client, self.apiUrl, credentials, deviceId)
	if err != nil {
		return "", err
	}
	if ttl := tokenTtl(token, time.Now(), self.settings); 0 < ttl {
		self.cache.Set(key, token, ttl)
	}
	return token, nil
}

func (self *TokenSource) Invalidate(credentials Credentials, deviceId string) {
	self.cache.Delete(tokenKey(credentials, deviceId))
}

func tokenKey(credentials Credentials, deviceId string) uint64 {
	// fields are zero separated so that shifting characters between fields changes the key
	h := xxhash.New()
	h.WriteString(credentials.Room)
	h.Write([]byte{0})
	h.WriteString(credentials.Password)
	h.Write([]byte{0})
	h.WriteString(deviceId)
	return h.Sum64()
}

// tokenTtl is the time the token can be cached.
// Tokens are treated as opaque when they do not parse as a jwt.
func tokenTtl(token string, now time.Time, settings *TokenSourceSettings) time.Duration {
	parser := gojwt.NewParser()
	parsedToken, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		glog.V(2).Infof("[relay]opaque token (%s)\n", err)
		return settings.DefaultTtl
	}
	exp, err := parsedToken.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return settings.DefaultTtl
	}
	return exp.Time.Sub(now) - settings.ExpiryMargin
}

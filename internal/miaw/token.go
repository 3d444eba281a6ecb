package miaw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/config"
)

// tokenFallbackTTL is used when the access token carries no usable exp claim.
const tokenFallbackTTL = 20 * time.Minute

// expirySkew forces a refresh slightly before the real expiry so in-flight
// requests don't race the deadline.
const expirySkew = 30 * time.Second

// tokenRetryBase is the initial backoff between token fetch attempts.
var tokenRetryBase = time.Second

// grant is one acquired access token plus the channel identity that came
// with it.
type grant struct {
	AccessToken     string
	DeviceID        string
	ChannelAddress  string
	ClientSessionID string
	expiresAt       time.Time
}

func (g *grant) valid(now time.Time) bool {
	return g != nil && g.AccessToken != "" && now.Before(g.expiresAt.Add(-expirySkew))
}

// tokenSource acquires and caches an unauthenticated MIAW access token.
// It is shared across every conversation a Client opens; the mutex gives the
// refresh a single-flight discipline so N workers hitting an expired token
// trigger exactly one fetch.
type tokenSource struct {
	cfg        config.SalesforceConfig
	httpClient *http.Client
	logger     *zap.Logger
	retries    uint64

	mu      sync.Mutex
	current *grant
}

func newTokenSource(cfg config.SalesforceConfig, httpClient *http.Client, retries int, logger *zap.Logger) *tokenSource {
	if retries < 1 {
		retries = 1
	}
	return &tokenSource{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		retries:    uint64(retries),
	}
}

// Token returns a cached grant, fetching a fresh one when missing or expired.
func (ts *tokenSource) Token(ctx context.Context) (*grant, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.current.valid(time.Now()) {
		return ts.current, nil
	}

	g, err := ts.fetch(ctx)
	if err != nil {
		return nil, err
	}
	ts.current = g
	return g, nil
}

// Invalidate drops the cached grant so the next Token call fetches anew.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.current = nil
}

type tokenRequest struct {
	ESDeveloperName     string `json:"esDeveloperName"`
	OrgID               string `json:"orgId"`
	CapabilitiesVersion string `json:"capabilitiesVersion"`
	Platform            string `json:"platform"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	Context     struct {
		DeviceID      string `json:"deviceId"`
		Configuration struct {
			EmbeddedServiceConfig struct {
				EmbeddedServiceMessagingChannel struct {
					ChannelAddressIdentifier string `json:"channelAddressIdentifier"`
				} `json:"embeddedServiceMessagingChannel"`
			} `json:"embeddedServiceConfig"`
		} `json:"configuration"`
	} `json:"context"`
}

func (ts *tokenSource) fetch(ctx context.Context) (*grant, error) {
	body, err := json.Marshal(tokenRequest{
		ESDeveloperName:     ts.cfg.DeploymentName,
		OrgID:               ts.cfg.OrgID,
		CapabilitiesVersion: "1",
		Platform:            "Web",
	})
	if err != nil {
		return nil, transportErr("token request", err)
	}

	url := ts.cfg.BaseURL + "/iamessage/api/v2/authorization/unauthenticated/access-token"

	var resp tokenResponse
	backoff := retry.WithMaxRetries(ts.retries-1, retry.NewExponential(tokenRetryBase))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := ts.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = httpResp.Body.Close() }()

		if httpResp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
			err := fmt.Errorf("token endpoint returned %d: %s", httpResp.StatusCode, raw)
			if httpResp.StatusCode >= 500 {
				return retry.RetryableError(err)
			}
			return err
		}

		return json.NewDecoder(httpResp.Body).Decode(&resp)
	})
	if err != nil {
		return nil, transportErr("acquire token", err)
	}

	if resp.AccessToken == "" {
		return nil, transportErr("acquire token", fmt.Errorf("response carried no access token"))
	}

	g := &grant{
		AccessToken:    resp.AccessToken,
		DeviceID:       resp.Context.DeviceID,
		ChannelAddress: resp.Context.Configuration.EmbeddedServiceConfig.EmbeddedServiceMessagingChannel.ChannelAddressIdentifier,
		expiresAt:      time.Now().Add(tokenFallbackTTL),
	}

	// The token is a JWT; its claims carry the expiry plus identity fields
	// the conversation endpoints expect back as routing attributes. We never
	// verify the signature — we are the party the token was issued to.
	if claims := decodeClaims(resp.AccessToken); claims != nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			g.expiresAt = exp.Time
		}
		if v, ok := (*claims)["deviceId"].(string); ok && g.DeviceID == "" {
			g.DeviceID = v
		}
		if v, ok := (*claims)["clientSessionId"].(string); ok {
			g.ClientSessionID = v
		}
	}

	ts.logger.Debug("acquired messaging token",
		zap.String("deployment", ts.cfg.DeploymentName),
		zap.Time("expires_at", g.expiresAt))

	return g, nil
}

func decodeClaims(token string) *jwt.MapClaims {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	return &claims
}

package miaw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/config"
)

// Options tunes conversation setup behavior. The zero value uses the
// package defaults.
type Options struct {
	// OpenTimeout bounds each HTTP call made while opening a conversation.
	OpenTimeout time.Duration
	// OpenRetries is the total number of attempts for the token fetch.
	OpenRetries int
}

func (o Options) withDefaults() Options {
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = time.Duration(config.DefaultOpenTimeoutSec) * time.Second
	}
	if o.OpenRetries <= 0 {
		o.OpenRetries = config.DefaultOpenRetries
	}
	return o
}

// Client opens MIAW conversations against a single configured messaging
// deployment. It is safe for concurrent use; the access token is shared
// across all conversations it opens.
type Client struct {
	cfg        config.SalesforceConfig
	opts       Options
	httpClient *http.Client
	logger     *zap.Logger
	tokens     *tokenSource
}

// NewClient builds a Client for the given deployment. logger must not be nil.
func NewClient(cfg config.SalesforceConfig, opts Options, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	httpClient := &http.Client{Timeout: opts.OpenTimeout}
	return &Client{
		cfg:        cfg,
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
		tokens:     newTokenSource(cfg, httpClient, opts.OpenRetries, logger),
	}, nil
}

type createConversationRequest struct {
	ConversationID    string         `json:"conversationId"`
	ESDeveloperName   string         `json:"esDeveloperName"`
	Language          string         `json:"language"`
	RoutingAttributes map[string]any `json:"routingAttributes,omitempty"`
}

// Open acquires a token, creates a conversation and subscribes to its event
// stream. The returned Conversation is ready for Send / WaitForReply.
// A token the server no longer accepts (revoked, or expired server-side past
// the local skew) gets one retry with a fresh grant.
func (c *Client) Open(ctx context.Context) (*Conversation, error) {
	conv, err := c.open(ctx)
	if err != nil && errors.Is(err, ErrUnauthorized) {
		c.logger.Warn("access token rejected, retrying with a fresh grant", zap.Error(err))
		conv, err = c.open(ctx)
	}
	return conv, err
}

func (c *Client) open(ctx context.Context) (*Conversation, error) {
	g, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	conversationID := uuid.NewString()
	routing := c.routingAttributes(g)

	err = c.doJSON(ctx, http.MethodPost, "/iamessage/api/v2/conversation", g.AccessToken, createConversationRequest{
		ConversationID:    conversationID,
		ESDeveloperName:   c.cfg.DeploymentName,
		Language:          "en_US",
		RoutingAttributes: routing,
	}, nil)
	if err != nil {
		// Some deployments create the conversation lazily on the first
		// message; a create failure is not fatal.
		c.logger.Warn("conversation create failed, continuing",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}

	conv := &Conversation{
		id:      conversationID,
		client:  c,
		grant:   g,
		routing: routing,
		logger:  c.logger.With(zap.String("conversation_id", conversationID)),
		waiters: make([]chan waitResult, 0, 1),
	}

	if err := conv.subscribe(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("conversation opened", zap.String("conversation_id", conversationID))
	return conv, nil
}

// routingAttributes merges the configured custom attributes under the system
// ones. System attributes win on key conflicts.
func (c *Client) routingAttributes(g *grant) map[string]any {
	attrs := make(map[string]any, len(c.cfg.RoutingAttributes)+4)
	for k, v := range c.cfg.RoutingAttributes {
		attrs[k] = v
	}
	if g.DeviceID != "" {
		attrs["deviceId"] = g.DeviceID
	}
	if g.ChannelAddress != "" {
		attrs["channelAddressIdentifier"] = g.ChannelAddress
	}
	attrs["platform"] = "Web"
	if g.ClientSessionID != "" {
		attrs["clientSessionId"] = g.ClientSessionID
	}
	return attrs
}

// doJSON performs one authenticated JSON request against the messaging API.
// out may be nil when the response body is irrelevant.
func (c *Client) doJSON(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return transportErr(method+" "+path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return transportErr(method+" "+path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErr(method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return transportErr(method+" "+path, fmt.Errorf("status 401: %s: %w", raw, ErrUnauthorized))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return transportErr(method+" "+path, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return transportErr(method+" "+path, err)
		}
	}
	return nil
}

// sseURL builds the event-router subscription URL for one conversation.
func (c *Client) sseURL(conversationID string, g *grant) string {
	q := url.Values{}
	q.Set("channelPlatformKey", "embedded_messaging")
	q.Set("channelType", "embedded_messaging")
	q.Set("channelAddressIdentifier", g.ChannelAddress)
	q.Set("conversationId", conversationID)
	return c.cfg.BaseURL + "/eventrouter/v1/sse?" + q.Encode()
}

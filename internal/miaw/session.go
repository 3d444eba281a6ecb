package miaw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type waitResult struct {
	text string
	err  error
}

// Conversation is one live messaging session. Send delivers a customer
// message; WaitForReply blocks for the next agent message. Replies arriving
// with no waiter registered are buffered and handed to the next caller in
// order, so bursty delivery never drops a message.
type Conversation struct {
	id      string
	client  *Client
	grant   *grant
	routing map[string]any
	logger  *zap.Logger

	streamCancel context.CancelFunc
	streamDone   chan struct{}

	mu        sync.Mutex
	waiters   []chan waitResult
	pending   []string
	sentFirst bool
	closed    bool
	closeErr  error
}

// ID returns the conversation identifier assigned at open.
func (cv *Conversation) ID() string {
	return cv.id
}

// subscribe opens the event-router stream and starts the read loop. The
// stream uses its own context so it outlives the caller's open deadline.
func (cv *Conversation) subscribe(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, cv.client.sseURL(cv.id, cv.grant), nil)
	if err != nil {
		cancel()
		return transportErr("subscribe", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+cv.grant.AccessToken)
	req.Header.Set("X-Org-Id", cv.client.cfg.OrgID)

	// The subscribe request must not inherit the open-call timeout: the
	// stream stays up for the life of the conversation.
	httpClient := &http.Client{Transport: cv.client.httpClient.Transport}

	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return transportErr("subscribe", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusUnauthorized {
			cv.client.tokens.Invalidate()
			return transportErr("subscribe", fmt.Errorf("status 401: %s: %w", raw, ErrUnauthorized))
		}
		return transportErr("subscribe", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	cv.streamCancel = cancel
	cv.streamDone = make(chan struct{})
	go cv.readLoop(resp.Body)
	return nil
}

func (cv *Conversation) readLoop(body io.ReadCloser) {
	defer close(cv.streamDone)
	defer func() { _ = body.Close() }()

	reader := newEventReader(body)
	for {
		evt, err := reader.Next()
		if err != nil {
			cv.mu.Lock()
			locallyClosed := cv.closed
			cv.mu.Unlock()
			if locallyClosed {
				return
			}
			cv.failWaiters(transportErr("event stream ended", err))
			return
		}

		text, ok := decodeAgentMessage(evt.Name, evt.Data)
		if !ok {
			continue
		}
		cv.logger.Debug("agent message received", zap.Int("length", len(text)))
		cv.deliver(text)
	}
}

// deliver hands an agent message to the oldest waiter, or buffers it when
// nobody is waiting.
func (cv *Conversation) deliver(text string) {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	if len(cv.waiters) > 0 {
		ch := cv.waiters[0]
		cv.waiters = cv.waiters[1:]
		ch <- waitResult{text: text}
		return
	}
	cv.pending = append(cv.pending, text)
}

// failWaiters rejects every registered waiter and marks the conversation
// unusable with the given cause.
func (cv *Conversation) failWaiters(cause error) {
	cv.mu.Lock()
	waiters := cv.waiters
	cv.waiters = nil
	if !cv.closed {
		cv.closed = true
		cv.closeErr = cause
	}
	cause = cv.closeErr
	cv.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{err: cause}
	}
}

type sendMessageRequest struct {
	ESDeveloperName       string         `json:"esDeveloperName"`
	IsNewMessagingSession bool           `json:"isNewMessagingSession"`
	Language              string         `json:"language"`
	RoutingAttributes     map[string]any `json:"routingAttributes,omitempty"`
	Message               staticMessage  `json:"message"`
}

type staticMessage struct {
	ID            string        `json:"id"`
	MessageType   string        `json:"messageType"`
	StaticContent staticContent `json:"staticContent"`
}

type staticContent struct {
	FormatType string `json:"formatType"`
	Text       string `json:"text"`
}

// Send posts one customer message into the conversation. The first send
// flags a new messaging session, which triggers agent routing server-side.
func (cv *Conversation) Send(ctx context.Context, text string) error {
	cv.mu.Lock()
	if cv.closed {
		err := cv.closeErr
		cv.mu.Unlock()
		return err
	}
	first := !cv.sentFirst
	cv.mu.Unlock()

	req := sendMessageRequest{
		ESDeveloperName:       cv.client.cfg.DeploymentName,
		IsNewMessagingSession: first,
		Language:              "en",
		RoutingAttributes:     cv.routing,
		Message: staticMessage{
			ID:          uuid.NewString(),
			MessageType: "StaticContentMessage",
			StaticContent: staticContent{
				FormatType: "Text",
				Text:       text,
			},
		},
	}

	path := "/iamessage/api/v2/conversation/" + cv.id + "/message"
	if err := cv.client.doJSON(ctx, http.MethodPost, path, cv.grant.AccessToken, req, nil); err != nil {
		return err
	}

	cv.mu.Lock()
	cv.sentFirst = true
	cv.mu.Unlock()
	return nil
}

// WaitForReply blocks until the next agent message arrives, the timeout
// elapses, the conversation closes, or ctx is canceled. Buffered messages
// are drained first, in arrival order.
func (cv *Conversation) WaitForReply(ctx context.Context, timeout time.Duration) (string, error) {
	cv.mu.Lock()
	if len(cv.pending) > 0 {
		text := cv.pending[0]
		cv.pending = cv.pending[1:]
		cv.mu.Unlock()
		return text, nil
	}
	if cv.closed {
		err := cv.closeErr
		cv.mu.Unlock()
		return "", err
	}
	ch := make(chan waitResult, 1)
	cv.waiters = append(cv.waiters, ch)
	cv.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.text, res.err
	case <-timer.C:
		if res, delivered := cv.abandonWaiter(ch); delivered {
			return res.text, res.err
		}
		return "", ErrReplyTimeout
	case <-ctx.Done():
		if res, delivered := cv.abandonWaiter(ch); delivered {
			return res.text, res.err
		}
		return "", ctx.Err()
	}
}

// abandonWaiter removes ch from the waiter queue. If delivery already raced
// past the removal, the delivered result is returned instead so the message
// is not lost.
func (cv *Conversation) abandonWaiter(ch chan waitResult) (waitResult, bool) {
	cv.mu.Lock()
	for i, w := range cv.waiters {
		if w == ch {
			cv.waiters = append(cv.waiters[:i], cv.waiters[i+1:]...)
			cv.mu.Unlock()
			return waitResult{}, false
		}
	}
	cv.mu.Unlock()

	// Not in the queue: deliver or failWaiters already owns the channel and
	// a result is in flight.
	res := <-ch
	return res, true
}

// Close tears the conversation down: the event stream is canceled, the
// remote session is deleted and the conversation ended. Remote teardown is
// best effort; any waiter still blocked is rejected. Close is idempotent.
func (cv *Conversation) Close(ctx context.Context) error {
	cv.mu.Lock()
	if cv.closed {
		cv.mu.Unlock()
		return nil
	}
	cv.closed = true
	cv.closeErr = transportErr("closed", ErrConversationClosed)
	waiters := cv.waiters
	cv.waiters = nil
	closeErr := cv.closeErr
	cv.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{err: closeErr}
	}

	if cv.streamCancel != nil {
		cv.streamCancel()
		select {
		case <-cv.streamDone:
		case <-time.After(2 * time.Second):
		}
	}

	sessionPath := "/iamessage/api/v2/conversation/" + cv.id + "/session?esDeveloperName=" + cv.client.cfg.DeploymentName
	if err := cv.client.doJSON(ctx, http.MethodDelete, sessionPath, cv.grant.AccessToken, nil, nil); err != nil {
		cv.logger.Warn("session delete failed", zap.Error(err))
	}

	endPath := "/iamessage/api/v2/conversation/" + cv.id + "/end"
	if err := cv.client.doJSON(ctx, http.MethodPost, endPath, cv.grant.AccessToken, nil, nil); err != nil {
		cv.logger.Warn("conversation end failed", zap.Error(err))
	}

	cv.logger.Info("conversation closed")
	return nil
}

package miaw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/config"
)

// testServeMux matches the Go 1.22+ "METHOD /path" ServeMux patterns used
// below on toolchains that predate method/wildcard pattern support.
type testServeMux struct {
	routes []testRoute
}

type testRoute struct {
	method string
	path   *regexp.Regexp
	h      http.HandlerFunc
}

func (m *testServeMux) HandleFunc(pattern string, h http.HandlerFunc) {
	method, path, ok := strings.Cut(pattern, " ")
	if !ok {
		panic("testServeMux: pattern must be \"METHOD /path\": " + pattern)
	}
	quoted := regexp.QuoteMeta(path)
	quoted = regexp.MustCompile(`\\\{[^/]+\\\}`).ReplaceAllString(quoted, `[^/]+`)
	m.routes = append(m.routes, testRoute{method, regexp.MustCompile("^" + quoted + "$"), h})
}

func (m *testServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rt := range m.routes {
		if r.Method == rt.method && rt.path.MatchString(r.URL.Path) {
			rt.h(w, r)
			return
		}
	}
	http.NotFound(w, r)
}

func newBareConversation() *Conversation {
	return &Conversation{
		id:     "c-1",
		logger: zap.NewNop(),
	}
}

func waitForWaiters(t *testing.T, cv *Conversation, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cv.mu.Lock()
		count := len(cv.waiters)
		cv.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d registered waiters", n)
}

func TestWaitForReplyDrainsBufferedBurstInOrder(t *testing.T) {
	cv := newBareConversation()

	// Burst arrives before anyone waits.
	cv.deliver("first")
	cv.deliver("second")
	cv.deliver("third")

	for _, want := range []string{"first", "second", "third"} {
		got, err := cv.WaitForReply(context.Background(), time.Second)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestWaitForReplyResolvesWaitersFIFO(t *testing.T) {
	cv := newBareConversation()

	results := make(chan string, 2)
	go func() {
		text, err := cv.WaitForReply(context.Background(), 5*time.Second)
		require.NoError(t, err)
		results <- "w1:" + text
	}()
	waitForWaiters(t, cv, 1)

	go func() {
		text, err := cv.WaitForReply(context.Background(), 5*time.Second)
		require.NoError(t, err)
		results <- "w2:" + text
	}()
	waitForWaiters(t, cv, 2)

	cv.deliver("alpha")
	cv.deliver("beta")

	require.Equal(t, "w1:alpha", <-results)
	require.Equal(t, "w2:beta", <-results)
}

func TestWaitForReplyTimesOut(t *testing.T) {
	cv := newBareConversation()

	_, err := cv.WaitForReply(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrReplyTimeout)

	// The timed-out waiter must be gone so later deliveries buffer.
	cv.deliver("late")
	got, err := cv.WaitForReply(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "late", got)
}

func TestWaitForReplyHonorsContextCancel(t *testing.T) {
	cv := newBareConversation()
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := cv.WaitForReply(ctx, 5*time.Second)
		errs <- err
	}()
	waitForWaiters(t, cv, 1)

	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
}

func TestStreamFailureRejectsAllWaiters(t *testing.T) {
	cv := newBareConversation()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cv.WaitForReply(context.Background(), 5*time.Second)
			errs <- err
		}()
	}
	waitForWaiters(t, cv, 3)

	cv.failWaiters(transportErr("event stream ended", fmt.Errorf("connection reset")))
	wg.Wait()

	close(errs)
	for err := range errs {
		require.Error(t, err)
		require.True(t, IsTransportError(err))
	}

	// The conversation stays rejected for new callers too.
	_, err := cv.WaitForReply(context.Background(), time.Second)
	require.True(t, IsTransportError(err))
}

type fakeMessagingServer struct {
	t *testing.T

	mu       sync.Mutex
	sessions []bool // isNewMessagingSession per received message
	ended    bool
	deleted  bool

	replies chan string
}

func (f *fakeMessagingServer) handler() http.Handler {
	mux := &testServeMux{}

	mux.HandleFunc("POST /iamessage/api/v2/authorization/unauthenticated/access-token", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(f.t, "test_deployment", req["esDeveloperName"])
		require.Equal(f.t, "1", req["capabilitiesVersion"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "tok-abc",
			"context": map[string]any{
				"deviceId": "dev-1",
				"configuration": map[string]any{
					"embeddedServiceConfig": map[string]any{
						"embeddedServiceMessagingChannel": map[string]any{
							"channelAddressIdentifier": "chan-1",
						},
					},
				},
			},
		})
	})

	mux.HandleFunc("POST /iamessage/api/v2/conversation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("GET /eventrouter/v1/sse", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, "Bearer tok-abc", r.Header.Get("Authorization"))
		require.Equal(f.t, "test_org", r.Header.Get("X-Org-Id"))

		flusher, ok := w.(http.Flusher)
		require.True(f.t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		writeEvent := func(text string) {
			payload, _ := json.Marshal(map[string]any{
				"abstractMessage": map[string]any{
					"staticContent": map[string]any{"text": text},
				},
			})
			data, _ := json.Marshal(map[string]any{
				"conversationEntry": map[string]any{
					"entryType":    "Message",
					"sender":       map[string]any{"role": "Chatbot"},
					"entryPayload": string(payload),
				},
			})
			fmt.Fprintf(w, "event: CONVERSATION_MESSAGE\ndata: %s\n\n", data)
			flusher.Flush()
		}

		writeEvent("Hi! How can I help you today?")
		for {
			select {
			case text := <-f.replies:
				writeEvent(text)
			case <-r.Context().Done():
				return
			}
		}
	})

	mux.HandleFunc("POST /iamessage/api/v2/conversation/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

		isNew, _ := req["isNewMessagingSession"].(bool)
		f.mu.Lock()
		f.sessions = append(f.sessions, isNew)
		f.mu.Unlock()

		msg := req["message"].(map[string]any)
		text := msg["staticContent"].(map[string]any)["text"].(string)
		f.replies <- "echo: " + text
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("DELETE /iamessage/api/v2/conversation/{id}/session", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /iamessage/api/v2/conversation/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.ended = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func TestClientConversationRoundTrip(t *testing.T) {
	fake := &fakeMessagingServer{t: t, replies: make(chan string, 4)}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client, err := NewClient(config.SalesforceConfig{
		OrgID:          "test_org",
		DeploymentName: "test_deployment",
		BaseURL:        server.URL,
	}, Options{OpenTimeout: 5 * time.Second, OpenRetries: 1}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	conv, err := client.Open(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID())

	greeting, err := conv.WaitForReply(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "Hi! How can I help you today?", greeting)

	require.NoError(t, conv.Send(ctx, "hello there"))
	reply, err := conv.WaitForReply(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo: hello there", reply)

	require.NoError(t, conv.Send(ctx, "second message"))
	reply, err = conv.WaitForReply(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo: second message", reply)

	require.NoError(t, conv.Close(ctx))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, []bool{true, false}, fake.sessions)
	require.True(t, fake.deleted)
	require.True(t, fake.ended)
}

func TestOpenRetriesWithFreshTokenAfterRejection(t *testing.T) {
	var mu sync.Mutex
	tokenCalls := 0

	mux := &testServeMux{}
	mux.HandleFunc("POST /iamessage/api/v2/authorization/unauthenticated/access-token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokenCalls++
		token := fmt.Sprintf("tok-%d", tokenCalls)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": token})
	})
	mux.HandleFunc("POST /iamessage/api/v2/conversation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	// The first grant has been revoked server-side; only the second works.
	mux.HandleFunc("GET /eventrouter/v1/sse", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		<-r.Context().Done()
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(config.SalesforceConfig{
		OrgID:          "test_org",
		DeploymentName: "test_deployment",
		BaseURL:        server.URL,
	}, Options{OpenTimeout: 5 * time.Second, OpenRetries: 1}, zap.NewNop())
	require.NoError(t, err)

	conv, err := client.Open(context.Background())
	require.NoError(t, err)
	defer func() { _ = conv.Close(context.Background()) }()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, tokenCalls)
}

func TestSendAuthFailureInvalidatesToken(t *testing.T) {
	mux := &testServeMux{}
	mux.HandleFunc("POST /iamessage/api/v2/authorization/unauthenticated/access-token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "tok-abc"})
	})
	mux.HandleFunc("POST /iamessage/api/v2/conversation", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /eventrouter/v1/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /iamessage/api/v2/conversation/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(config.SalesforceConfig{
		OrgID:          "test_org",
		DeploymentName: "test_deployment",
		BaseURL:        server.URL,
	}, Options{OpenTimeout: 5 * time.Second, OpenRetries: 1}, zap.NewNop())
	require.NoError(t, err)

	conv, err := client.Open(context.Background())
	require.NoError(t, err)
	defer func() { _ = conv.Close(context.Background()) }()

	err = conv.Send(context.Background(), "hello")
	require.True(t, IsTransportError(err))
	require.ErrorIs(t, err, ErrUnauthorized)

	// The cached grant is dropped so the next open fetches anew.
	client.tokens.mu.Lock()
	defer client.tokens.mu.Unlock()
	require.Nil(t, client.tokens.current)
}

func TestCloseIsIdempotent(t *testing.T) {
	fake := &fakeMessagingServer{t: t, replies: make(chan string, 1)}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client, err := NewClient(config.SalesforceConfig{
		OrgID:          "test_org",
		DeploymentName: "test_deployment",
		BaseURL:        server.URL,
	}, Options{}, zap.NewNop())
	require.NoError(t, err)

	conv, err := client.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, conv.Close(context.Background()))
	require.NoError(t, conv.Close(context.Background()))

	// A closed conversation rejects new sends and waits.
	err = conv.Send(context.Background(), "too late")
	require.True(t, IsTransportError(err))
	_, err = conv.WaitForReply(context.Background(), time.Second)
	require.True(t, IsTransportError(err))
}

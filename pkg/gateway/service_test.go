package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"muse/pkg/auth"
	"muse/pkg/bus"
	"muse/pkg/channel"
	"muse/pkg/config"
	"muse/pkg/logger"
	"muse/pkg/relay"
	"muse/pkg/upstream"

	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

// upstreamServer counts calls and answers through respond.
type upstreamServer struct {
	calls   atomic.Int32
	respond func(n int32, w http.ResponseWriter, r *http.Request)
}

func (u *upstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := u.calls.Add(1)
	u.respond(n, w, r)
}

func fixedUpstream(text string) *upstreamServer {
	return &upstreamServer{respond: func(_ int32, w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, text)
	}}
}

type testStack struct {
	svc      *Service
	bus      *bus.MessageBus
	upstream *upstreamServer
}

func newTestStack(t *testing.T, up *upstreamServer, adapters ...channel.Adapter) testStack {
	t.Helper()

	upstreamHTTP := httptest.NewServer(up)
	t.Cleanup(upstreamHTTP.Close)

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Auth.Tokens = []string{testToken}
	cfg.Upstream.URL = upstreamHTTP.URL

	client, err := upstream.New(cfg.Upstream, nil, logger.Discard())
	require.NoError(t, err)

	messageBus := bus.NewMessageBus(16)
	t.Cleanup(messageBus.Close)

	orchestrator, err := relay.New(auth.New(auth.NewSecretSet(cfg.Auth.Tokens)), client, messageBus, logger.Discard())
	require.NoError(t, err)

	svc, err := NewService(cfg, orchestrator, messageBus, adapters, logger.Discard())
	require.NoError(t, err)

	return testStack{svc: svc, bus: messageBus, upstream: up}
}

func postForm(t *testing.T, baseURL string, form string) (*http.Response, string) {
	t.Helper()

	response, err := http.Post(baseURL+"/", "application/x-www-form-urlencoded", strings.NewReader(form))
	require.NoError(t, err)
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response, string(body)
}

// post is safe to call from helper goroutines.
func post(baseURL string, form string) (int, string, error) {
	response, err := http.Post(baseURL+"/", "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		return 0, "", err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	return response.StatusCode, string(body), err
}

func TestSlashCommandDelivered(t *testing.T) {
	stack := newTestStack(t, fixedUpstream("https://generated.inspirobot.me/a/1.jpg"))
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	response, body := postForm(t, server.URL, "token="+testToken+"&team_id=T1&command=%2Finspire")

	want := `{"response_type":"ephemeral","text":"https://generated.inspirobot.me/a/1.jpg"}`
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, want, body)
	require.Equal(t, "application/json", response.Header.Get("Content-Type"))
	require.EqualValues(t, len(want), response.ContentLength)
	require.NotEmpty(t, response.Header.Get(headerTriggerID))
	require.EqualValues(t, 1, stack.upstream.calls.Load())
}

func TestSlashCommandWrongMethodIsNotFound(t *testing.T) {
	stack := newTestStack(t, fixedUpstream("unused"))
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	request, err := http.NewRequest(http.MethodPut, server.URL+"/", strings.NewReader("token="+testToken))
	require.NoError(t, err)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	require.Equal(t, http.StatusNotFound, response.StatusCode)
	require.Zero(t, stack.upstream.calls.Load())
}

func TestSlashCommandUnauthorized(t *testing.T) {
	stack := newTestStack(t, fixedUpstream("unused"))
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	for _, form := range []string{"token=nope&x=1", "token=&x=1", "text=hello", ""} {
		response, _ := postForm(t, server.URL, form)
		require.Equal(t, http.StatusForbidden, response.StatusCode, form)
	}

	response, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusForbidden, response.StatusCode)

	require.Zero(t, stack.upstream.calls.Load())
}

func TestSlashCommandBodyTooLarge(t *testing.T) {
	stack := newTestStack(t, fixedUpstream("unused"))
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	response, _ := postForm(t, server.URL, "token="+testToken+"&pad="+strings.Repeat("a", maxFormBytes))
	require.Equal(t, http.StatusRequestEntityTooLarge, response.StatusCode)
	require.Zero(t, stack.upstream.calls.Load())
}

func TestSlashCommandUpstreamFailure(t *testing.T) {
	up := &upstreamServer{respond: func(_ int32, w http.ResponseWriter, _ *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hijacker.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}}
	stack := newTestStack(t, up)
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	response, body := postForm(t, server.URL, "token="+testToken)

	require.Equal(t, http.StatusBadGateway, response.StatusCode)
	require.Empty(t, body)
	require.EqualValues(t, 1, up.calls.Load())
}

func TestPlainTextDelivered(t *testing.T) {
	stack := newTestStack(t, fixedUpstream("Stay curious"))
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + "/text?" + url.Values{"token": {testToken}}.Encode())
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Equal(t, "Stay curious", string(body))
	require.Equal(t, "text/plain; charset=utf-8", response.Header.Get("Content-Type"))

	response, err = http.Get(server.URL + "/text?token=wrong")
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusForbidden, response.StatusCode)

	require.EqualValues(t, 1, stack.upstream.calls.Load())
}

func TestConcurrentRequestsEachGetOneInspiration(t *testing.T) {
	const n = 12

	up := &upstreamServer{respond: func(call int32, w http.ResponseWriter, _ *http.Request) {
		// Early calls answer last so completion order differs from arrival order.
		time.Sleep(time.Duration(n-int(call)) * 10 * time.Millisecond)
		_, _ = fmt.Fprintf(w, "quote-%d", call)
	}}
	stack := newTestStack(t, up)
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	statuses := make([]int, n)
	bodies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], bodies[i], errs[i] = post(server.URL, "token="+testToken)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int, n)
	for i, body := range bodies {
		require.NoError(t, errs[i])
		require.Equal(t, http.StatusOK, statuses[i])
		seen[body]++
	}
	for call := 1; call <= n; call++ {
		want := fmt.Sprintf(`{"response_type":"ephemeral","text":"quote-%d"}`, call)
		require.Equal(t, 1, seen[want], want)
	}
	require.EqualValues(t, n, up.calls.Load())
}

func TestPendingFetchDoesNotStallOtherConnections(t *testing.T) {
	release := make(chan struct{})
	up := &upstreamServer{respond: func(_ int32, w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = io.WriteString(w, "worth the wait")
	}}
	stack := newTestStack(t, up)
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	slow := make(chan string, 1)
	go func() {
		_, body, _ := post(server.URL, "token="+testToken)
		slow <- body
	}()

	require.Eventually(t, func() bool { return up.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	startedAt := time.Now()
	response, _ := postForm(t, server.URL, "token=nope")
	require.Equal(t, http.StatusForbidden, response.StatusCode)
	require.Less(t, time.Since(startedAt), time.Second)

	select {
	case <-slow:
		t.Fatal("slow request finished before upstream was released")
	default:
	}

	close(release)
	select {
	case body := <-slow:
		require.Equal(t, `{"response_type":"ephemeral","text":"worth the wait"}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("slow request did not finish after release")
	}
}

func TestAbandonedRequestLetsUpstreamFinish(t *testing.T) {
	var completed atomic.Bool
	up := &upstreamServer{respond: func(_ int32, w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(w, "too late")
		completed.Store(true)
	}}
	stack := newTestStack(t, up)
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	events, unsubscribe := stack.bus.SubscribeEvents(context.Background(), 8)
	defer unsubscribe()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	_, err := client.Post(server.URL+"/", "application/x-www-form-urlencoded", strings.NewReader("token="+testToken))
	require.Error(t, err)

	var terminal bus.Event
	select {
	case terminal = <-terminalEvent(events):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the trigger to finish")
	}

	require.Equal(t, bus.EventTriggerDelivered, terminal.Type)
	require.Empty(t, terminal.Error)
	require.True(t, completed.Load())
	require.EqualValues(t, 1, up.calls.Load())
}

func terminalEvent(events <-chan bus.Event) <-chan bus.Event {
	out := make(chan bus.Event, 1)
	go func() {
		for event := range events {
			if event.Type.Terminal() {
				out <- event
				return
			}
		}
	}()
	return out
}

func TestStatusEndpoints(t *testing.T) {
	stack := newTestStack(t, fixedUpstream("ok"))
	server := httptest.NewServer(stack.svc.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusOK, response.StatusCode)

	response, err = http.Get(server.URL + "/readyz")
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusServiceUnavailable, response.StatusCode)

	response, err = http.Get(server.URL + "/statusz")
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, response.StatusCode)
	require.Contains(t, string(body), `"status":"not_ready"`)
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channelState{"telegram": {Running: true}}}
	if svc.isReady() {
		t.Fatal("expected not ready before the HTTP listener is up")
	}

	svc.serving = true
	if !svc.isReady() {
		t.Fatal("expected ready with listener and running channel")
	}

	svc.channelStates["discord"] = channelState{Error: "gateway refused"}
	if svc.isReady() {
		t.Fatal("expected not ready when a channel is down")
	}

	httpOnly := &Service{serving: true, channelStates: map[string]channelState{}}
	if !httpOnly.isReady() {
		t.Fatal("expected HTTP-only relay to be ready once serving")
	}
}

func TestRecordEventTracksUpstream(t *testing.T) {
	t.Parallel()

	svc := &Service{triggers: map[bus.EventType]int64{}}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	svc.recordEvent(bus.Event{Type: bus.EventTriggerReceived})
	svc.recordEvent(bus.Event{Type: bus.EventTriggerFailed, Error: "connection refused"})
	status := svc.currentStatus("ready")
	require.Equal(t, "connection refused", status.UpstreamLastErr)
	require.Empty(t, status.UpstreamLastOKAt)

	svc.recordEvent(bus.Event{Type: bus.EventTriggerDelivered, At: at})
	status = svc.currentStatus("ready")
	require.Empty(t, status.UpstreamLastErr)
	require.Equal(t, "2026-01-02T03:04:05Z", status.UpstreamLastOKAt)
	require.Equal(t, map[string]int64{"trigger_received": 1, "trigger_failed": 1, "trigger_delivered": 1}, status.Triggers)
}

func TestBotReply(t *testing.T) {
	t.Parallel()

	reply, ok := botReply(relay.Outcome{State: relay.StateDelivered, Text: "Be bold"})
	require.True(t, ok)
	require.Equal(t, "Be bold", reply)

	reply, ok = botReply(relay.Outcome{State: relay.StateDelivered})
	require.True(t, ok)
	require.Equal(t, botEmptyReply, reply)

	reply, ok = botReply(relay.Outcome{State: relay.StateUpstreamFailed, Err: errors.New("boom")})
	require.True(t, ok)
	require.Equal(t, botFailureReply, reply)

	_, ok = botReply(relay.Outcome{State: relay.StateNotDispatched})
	require.False(t, ok)
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	messageBus := bus.NewMessageBus(1)
	defer messageBus.Close()
	handler := handlerFunc(func(context.Context, relay.Trigger) relay.Outcome { return relay.Outcome{} })

	_, err := NewService(nil, handler, messageBus, nil, nil)
	require.Error(t, err)
	_, err = NewService(cfg, nil, messageBus, nil, nil)
	require.Error(t, err)
	_, err = NewService(cfg, handler, nil, nil, nil)
	require.Error(t, err)

	dup := []channel.Adapter{newScriptedAdapter("telegram"), newScriptedAdapter("telegram")}
	_, err = NewService(cfg, handler, messageBus, dup, nil)
	require.ErrorContains(t, err, "duplicate")
}

type handlerFunc func(context.Context, relay.Trigger) relay.Outcome

func (f handlerFunc) Handle(ctx context.Context, trigger relay.Trigger) relay.Outcome {
	return f(ctx, trigger)
}

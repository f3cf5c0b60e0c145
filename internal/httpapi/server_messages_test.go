package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"projectpulse/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	msgs      []store.Message
	clock     time.Time
	createErr error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{clock: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeStore) CreateMessage(_ context.Context, m store.NewMessage) (store.Message, error) {
	if f.createErr != nil {
		return store.Message{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	msg := store.Message{
		ID:             uuid.New(),
		ConversationID: m.ConversationID,
		Author:         m.Author,
		AvatarInitials: m.AvatarInitials,
		Content:        m.Content,
		CreatedAt:      f.clock,
	}
	f.msgs = append(f.msgs, msg)
	return msg, nil
}

func (f *fakeStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]store.Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []store.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID {
			all = append(all, m)
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]store.Message, len(all))
	copy(out, all)
	return out, nil
}

func (f *fakeStore) seed(conversationID, author, content string) store.Message {
	m, _ := f.CreateMessage(context.Background(), store.NewMessage{
		ConversationID: conversationID,
		Author:         author,
		Content:        content,
	})
	return m
}

func newTestServer(st MessageStore, keepAlive time.Duration) (*server, *httptest.Server) {
	s := newServer(Deps{
		Store:               st,
		ChatBacklogLimit:    50,
		SSEKeepAlive:        keepAlive,
		SSESubscriberBuffer: 8,
	})
	r := chi.NewRouter()
	s.routes(r)
	return s, httptest.NewServer(r)
}

// sseClient reads one open stream line by line on its own goroutine so test
// assertions can time out instead of hanging on a blocked read.
type sseClient struct {
	cancel context.CancelFunc
	body   io.Closer
	lines  chan string
}

func openStream(t *testing.T, baseURL, conversationID string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		baseURL+"/messages/stream?conversationId="+url.QueryEscape(conversationID), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	c := &sseClient{cancel: cancel, body: resp.Body, lines: make(chan string, 64)}
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
	t.Cleanup(c.close)
	return c
}

func (c *sseClient) close() {
	c.cancel()
	_ = c.body.Close()
}

// nextEvent returns the next data frame, skipping blanks and comment frames.
func (c *sseClient) nextEvent(t *testing.T) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				t.Fatal("stream closed before an event arrived")
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			return ev
		case <-deadline:
			t.Fatal("timed out waiting for an event")
		}
	}
}

// nextComment waits for a comment frame such as the keep-alive ping.
func (c *sseClient) nextComment(t *testing.T) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				t.Fatal("stream closed before a comment arrived")
			}
			if strings.HasPrefix(line, ":") {
				return line
			}
		case <-deadline:
			t.Fatal("timed out waiting for a comment frame")
		}
	}
}

func postMessage(t *testing.T, baseURL, conversationID, author, content string) map[string]any {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"conversationId": conversationID,
		"author":         author,
		"content":        content,
	})
	require.NoError(t, err)

	resp, err := http.Post(baseURL+"/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	return created
}

func messagesOf(t *testing.T, ev map[string]any) []any {
	t.Helper()
	msgs, ok := ev["messages"].([]any)
	require.True(t, ok, "init event carries a messages array")
	return msgs
}

func TestListMessagesRequiresConversationID(t *testing.T) {
	_, ts := newTestServer(newFakeStore(), 25*time.Second)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListMessagesReturnsAscendingBacklog(t *testing.T) {
	req := require.New(t)
	st := newFakeStore()
	st.seed("proj-1", "Sara K.", "first")
	st.seed("proj-1", "Jay P.", "second")
	st.seed("proj-2", "Dev T.", "elsewhere")

	_, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages?conversationId=proj-1")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)

	var got []map[string]any
	req.NoError(json.NewDecoder(resp.Body).Decode(&got))
	req.Len(got, 2)
	req.Equal("first", got[0]["content"])
	req.Equal("second", got[1]["content"])
}

func TestListMessagesUnknownConversationIsEmptyArray(t *testing.T) {
	_, ts := newTestServer(newFakeStore(), 25*time.Second)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages?conversationId=never-seen")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(b))
}

func TestListMessagesQueryFailure(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("db down")
	_, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages?conversationId=proj-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCreateMessageValidatesBody(t *testing.T) {
	_, ts := newTestServer(newFakeStore(), 25*time.Second)
	defer ts.Close()

	cases := []string{
		`{"author":"Sara","content":"hi"}`,                         // missing conversationId
		`{"conversationId":"proj-1","content":"hi"}`,               // missing author
		`{"conversationId":"proj-1","author":"Sara"}`,              // missing content
		`{"conversationId":"  ","author":"Sara","content":"hi"}`,   // blank conversationId
		`{"conversationId":"p","author":"S","content":"hi","x":1}`, // unknown field
		`not json`,
	}
	for _, body := range cases {
		resp, err := http.Post(ts.URL+"/messages", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
	}
}

func TestCreateMessagePersistFailureSkipsFanOut(t *testing.T) {
	req := require.New(t)
	st := newFakeStore()
	st.createErr = errors.New("insert failed")
	s, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	ch := s.br.subscribe("proj-1")
	defer s.br.unsubscribe("proj-1", ch)

	resp, err := http.Post(ts.URL+"/messages", "application/json",
		strings.NewReader(`{"conversationId":"proj-1","author":"Sara","content":"hi"}`))
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusInternalServerError, resp.StatusCode)
	requireNoFrame(t, ch)
}

func TestStreamRequiresConversationID(t *testing.T) {
	_, ts := newTestServer(newFakeStore(), 25*time.Second)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamBootstrapsWithBacklogInit(t *testing.T) {
	req := require.New(t)
	st := newFakeStore()
	st.seed("proj-1", "Sara K.", "first")
	st.seed("proj-1", "Jay P.", "second")

	_, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	c := openStream(t, ts.URL, "proj-1")
	defer c.close()
	init := c.nextEvent(t)
	req.Equal("init", init["type"])

	msgs := messagesOf(t, init)
	req.Len(msgs, 2)
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	req.Equal("first", first["content"])
	req.Equal("second", second["content"])
}

func TestStreamInitMatchesPlainBacklogFetch(t *testing.T) {
	req := require.New(t)
	st := newFakeStore()
	for i := 0; i < 60; i++ {
		st.seed("proj-1", "Sara K.", "msg")
	}

	_, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	c := openStream(t, ts.URL, "proj-1")
	defer c.close()
	init := c.nextEvent(t)
	fromStream := messagesOf(t, init)
	req.Len(fromStream, 50)

	resp, err := http.Get(ts.URL + "/messages?conversationId=proj-1")
	req.NoError(err)
	defer resp.Body.Close()
	var fromFetch []map[string]any
	req.NoError(json.NewDecoder(resp.Body).Decode(&fromFetch))
	req.Len(fromFetch, 50)

	for i := range fromFetch {
		req.Equal(fromFetch[i]["id"], fromStream[i].(map[string]any)["id"])
	}
}

func TestFanOutAcrossStreams(t *testing.T) {
	req := require.New(t)
	st := newFakeStore()
	s, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	a := openStream(t, ts.URL, "proj-1")
	defer a.close()
	b := openStream(t, ts.URL, "proj-1")
	defer b.close()
	c := openStream(t, ts.URL, "proj-2")
	defer c.close()
	req.Equal("init", a.nextEvent(t)["type"])
	req.Equal("init", b.nextEvent(t)["type"])
	req.Equal("init", c.nextEvent(t)["type"])
	req.Eventually(func() bool { return s.br.subscribers("proj-1") == 2 },
		time.Second, 10*time.Millisecond)

	postMessage(t, ts.URL, "proj-1", "Sara", "hi")

	for _, cl := range []*sseClient{a, b} {
		ev := cl.nextEvent(t)
		req.Equal("message", ev["type"])
		msg := ev["message"].(map[string]any)
		req.Equal("hi", msg["content"])
		req.Equal("proj-1", msg["conversationId"])
	}

	// The proj-2 stream never saw proj-1 traffic: its first live event is the
	// next proj-2 message.
	req.Eventually(func() bool { return s.br.subscribers("proj-2") == 1 },
		time.Second, 10*time.Millisecond)
	postMessage(t, ts.URL, "proj-2", "Dev", "other room")
	ev := c.nextEvent(t)
	req.Equal("message", ev["type"])
	req.Equal("other room", ev["message"].(map[string]any)["content"])
}

func TestDisconnectedStreamIsRemovedFromRegistry(t *testing.T) {
	req := require.New(t)
	st := newFakeStore()
	s, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	a := openStream(t, ts.URL, "proj-1")
	defer a.close()
	b := openStream(t, ts.URL, "proj-1")
	defer b.close()
	req.Equal("init", a.nextEvent(t)["type"])
	req.Equal("init", b.nextEvent(t)["type"])
	req.Eventually(func() bool { return s.br.subscribers("proj-1") == 2 },
		time.Second, 10*time.Millisecond)

	a.close()
	req.Eventually(func() bool { return s.br.subscribers("proj-1") == 1 },
		time.Second, 10*time.Millisecond)

	postMessage(t, ts.URL, "proj-1", "Sara", "still here")
	ev := b.nextEvent(t)
	req.Equal("message", ev["type"])
	req.Equal("still here", ev["message"].(map[string]any)["content"])
}

func TestStreamEmitsKeepAliveComments(t *testing.T) {
	_, ts := newTestServer(newFakeStore(), 30*time.Millisecond)
	defer ts.Close()

	c := openStream(t, ts.URL, "proj-1")
	defer c.close()
	require.Equal(t, "init", c.nextEvent(t)["type"])
	require.Equal(t, ": ping", c.nextComment(t))
}

func TestStreamBacklogFetchFailure(t *testing.T) {
	st := newFakeStore()
	st.listErr = errors.New("db down")
	_, ts := newTestServer(st, 25*time.Second)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages/stream?conversationId=proj-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

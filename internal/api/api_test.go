// ABOUTME: HTTP API tests using httptest against an in-memory store
// ABOUTME: Covers chat, retry, upload/stage flow, history, sessions, and auth

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hallryn/attache/internal/auth"
	"github.com/hallryn/attache/internal/budget"
	"github.com/hallryn/attache/internal/engine"
	"github.com/hallryn/attache/internal/extract"
	"github.com/hallryn/attache/internal/history"
	"github.com/hallryn/attache/internal/model"
	"github.com/hallryn/attache/internal/stage"
	"github.com/hallryn/attache/internal/store"
	"github.com/hallryn/attache/internal/tokens"
)

// fakeModel replies with a fixed string, or fails for the first failN calls.
type fakeModel struct {
	reply string
	failN int
	err   error
	calls int
}

func (m *fakeModel) Generate(ctx context.Context, turns []*store.Turn, snippets []string) (string, error) {
	m.calls++
	if m.calls <= m.failN {
		return "", m.err
	}
	return m.reply, nil
}

type testServer struct {
	srv      *httptest.Server
	model    *fakeModel
	verifier *auth.JWTVerifier
}

func newTestServer(t *testing.T, m *fakeModel, secret string) *testServer {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log := history.New(st, nil)
	stg := stage.New(st, nil)
	enforcer := budget.New(tokens.Estimator{}, 30000)
	eng := engine.New(log, stg, enforcer, m, nil, "You are a helpful assistant.", nil)

	var verifier *auth.JWTVerifier
	if secret != "" {
		verifier = auth.NewJWTVerifier([]byte(secret))
	}

	var tokenVerifier auth.TokenVerifier
	if verifier != nil {
		tokenVerifier = verifier
	}
	server := NewServer(eng, log, stg, st, extract.Plain{}, t.TempDir(), tokenVerifier, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, model: m, verifier: verifier}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (ts *testServer) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestChat_NewSession(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "hello there"}, "")

	resp := ts.postJSON(t, "/api/chat", ChatRequest{Message: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	chat := decodeJSON[ChatResponse](t, resp)
	assert.NotEmpty(t, chat.SessionID)
	assert.Equal(t, "hello there", chat.Response)
}

func TestChat_MissingMessage(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "")

	resp := ts.postJSON(t, "/api/chat", ChatRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat_ModelFailureThenRetry(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "recovered", failN: 1, err: model.ErrUnavailable}, "")

	resp := ts.postJSON(t, "/api/chat", ChatRequest{SessionID: "sess-1", Message: "first try"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	failure := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, true, failure["committed"])
	assert.Equal(t, "awaiting_model", failure["phase"])

	// The user turn survived the failure; retry completes the exchange.
	resp = ts.postJSON(t, "/api/chat/sess-1/retry", RetryRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	chat := decodeJSON[ChatResponse](t, resp)
	assert.Equal(t, "recovered", chat.Response)

	resp = ts.do(t, http.MethodGet, "/api/history/sess-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := decodeJSON[HistoryResponse](t, resp)
	require.Len(t, hist.Turns, 3)
	assert.Equal(t, "user", hist.Turns[1].Role)
	assert.Equal(t, "first try", hist.Turns[1].Content)
	assert.Equal(t, "assistant", hist.Turns[2].Role)
}

func TestRetry_NothingPending(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "ok"}, "")

	resp := ts.postJSON(t, "/api/chat", ChatRequest{SessionID: "sess-1", Message: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.postJSON(t, "/api/chat/sess-1/retry", RetryRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestChat_ModelTimeout(t *testing.T) {
	ts := newTestServer(t, &fakeModel{failN: 1, err: model.ErrTimeout}, "")

	resp := ts.postJSON(t, "/api/chat", ChatRequest{SessionID: "sess-1", Message: "hi"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func uploadFile(t *testing.T, ts *testServer, sessionID, filename, content string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("session_id", sessionID))
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.srv.URL+"/api/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func TestUpload_StagesDocumentForNextMessage(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "I read it"}, "")

	resp := uploadFile(t, ts, "sess-1", "notes.txt", "quarterly filing deadlines")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	up := decodeJSON[UploadResponse](t, resp)
	assert.Equal(t, "notes.txt", up.Filename)
	assert.Equal(t, "quarterly filing deadlines", up.Preview)
	assert.True(t, strings.HasSuffix(up.StorageRef, "_notes.txt"))

	resp = ts.do(t, http.MethodGet, "/api/stage/sess-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stg := decodeJSON[StageResponse](t, resp)
	require.Len(t, stg.Documents, 1)
	assert.Equal(t, "notes.txt", stg.Documents[0].Filename)

	// Sending consumes the stage and embeds the document in the user turn.
	resp = ts.postJSON(t, "/api/chat", ChatRequest{SessionID: "sess-1", Message: "what are the deadlines?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/stage/sess-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stg = decodeJSON[StageResponse](t, resp)
	assert.Empty(t, stg.Documents)

	resp = ts.do(t, http.MethodGet, "/api/history/sess-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := decodeJSON[HistoryResponse](t, resp)
	require.Len(t, hist.Turns, 3)
	userTurn := hist.Turns[1]
	assert.Equal(t, 1, userTurn.Documents)
	assert.Contains(t, userTurn.Content, `<user_document filename="notes.txt"`)
	assert.Contains(t, userTurn.Content, "quarterly filing deadlines")
	assert.True(t, strings.HasSuffix(userTurn.Content, "what are the deadlines?"))
}

func TestUpload_LongPreviewTruncated(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "")

	long := strings.Repeat("a", 900)
	resp := uploadFile(t, ts, "sess-1", "big.txt", long)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	up := decodeJSON[UploadResponse](t, resp)
	assert.Equal(t, 900, up.Chars)
	assert.Len(t, up.Preview, previewLen)
}

func TestUpload_MissingSessionID(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	io.WriteString(part, "text")
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.srv.URL+"/api/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStage_RemoveByPosition(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "")

	uploadFile(t, ts, "sess-1", "a.txt", "first").Body.Close()
	uploadFile(t, ts, "sess-1", "b.txt", "second").Body.Close()

	resp := ts.do(t, http.MethodDelete, "/api/stage/sess-1/0")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/stage/sess-1")
	stg := decodeJSON[StageResponse](t, resp)
	require.Len(t, stg.Documents, 1)
	assert.Equal(t, "b.txt", stg.Documents[0].Filename)

	// The old index 1 is now stale.
	resp = ts.do(t, http.MethodDelete, "/api/stage/sess-1/1")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStage_Clear(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "")

	uploadFile(t, ts, "sess-1", "a.txt", "first").Body.Close()

	resp := ts.do(t, http.MethodDelete, "/api/stage/sess-1")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/stage/sess-1")
	stg := decodeJSON[StageResponse](t, resp)
	assert.Empty(t, stg.Documents)
}

func TestHistory_Delete(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "")

	resp := ts.postJSON(t, "/api/chat", ChatRequest{SessionID: "sess-1", Message: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/api/history/sess-1")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/history/sess-1")
	hist := decodeJSON[HistoryResponse](t, resp)
	assert.Empty(t, hist.Turns)
}

func TestSessions_List(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "")

	for i := 0; i < 3; i++ {
		resp := ts.postJSON(t, "/api/chat", ChatRequest{
			SessionID: fmt.Sprintf("sess-%d", i),
			Message:   "hi",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := ts.do(t, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decodeJSON[[]SessionResponse](t, resp)
	assert.Len(t, sessions, 3)
	for _, sess := range sessions {
		// system + user + assistant
		assert.Equal(t, 3, sess.TurnCount)
	}
}

func TestHistoryHTML_RendersTranscript(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "Here is **bold** advice"}, "")

	uploadFile(t, ts, "sess-1", "notes.txt", "attached body").Body.Close()
	resp := ts.postJSON(t, "/api/chat", ChatRequest{SessionID: "sess-1", Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/history/sess-1/html")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	html := string(page)
	assert.Contains(t, html, "<strong>bold</strong>")
	assert.Contains(t, html, "notes.txt")
	// Document bodies are summarized, not inlined.
	assert.NotContains(t, html, "attached body")
	assert.NotContains(t, html, "<user_document")
}

func TestAuth_RequiredWhenConfigured(t *testing.T) {
	ts := newTestServer(t, &fakeModel{reply: "x"}, "test-secret")

	resp := ts.do(t, http.MethodGet, "/api/sessions")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	token, err := ts.verifier.Generate("user-1", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Liveness stays open.
	health, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

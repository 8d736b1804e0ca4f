package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"docintel/pkg/document"
	"docintel/pkg/domain"
	pkgstore "docintel/pkg/store"
	"docintel/services/session/internal/analysisclient"
	"docintel/services/session/internal/app"
)

type analysisAPI struct {
	srv         *httptest.Server
	failChat    atomic.Bool
	failAnalyze atomic.Bool
}

func newAnalysisAPI(t *testing.T) *analysisAPI {
	t.Helper()
	api := &analysisAPI{}
	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/analyze":
			if api.failAnalyze.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"boom"}`))
				return
			}
			_, _ = w.Write([]byte(`{"document_id":"doc1","summary":"S","key_points":["A"],"risks":[]}`))
		case "/chat":
			if api.failChat.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			var body struct {
				Question   string `json:"question"`
				DocumentID string `json:"document_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]string{"answer": body.DocumentID + ": " + body.Question})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func newTestServer(t *testing.T, api *analysisAPI, cfg Config) *httptest.Server {
	t.Helper()
	mgr, err := app.NewManager(app.ManagerConfig{
		Transport:   analysisclient.NewClient(analysisclient.Options{BaseURL: api.srv.URL}),
		Rules:       document.Rules{MaxBytes: cfg.MaxUploadBytes},
		Snapshots:   pkgstore.NewMemorySnapshotStore(0),
		Transcripts: pkgstore.NewMemoryTranscriptStore(),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	cfg.Manager = mgr
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func createSession(t *testing.T, baseURL string) domain.SessionView {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want 201", resp.StatusCode)
	}
	var view domain.SessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func uploadDocument(t *testing.T, url, filename, contentType string, payload []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="document"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(payload)
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload document: %v", err)
	}
	return resp
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeView(t *testing.T, resp *http.Response) domain.SessionView {
	t.Helper()
	defer resp.Body.Close()
	var view domain.SessionView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	defer resp.Body.Close()
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{})
	view := createSession(t, srv.URL)
	if view.State != domain.StateIdle {
		t.Fatalf("new session state = %s, want idle", view.State)
	}
	base := srv.URL + "/api/sessions/" + view.ID

	resp := uploadDocument(t, base+"/document", "hello.txt", "text/plain", []byte("0123456789"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	view = decodeView(t, resp)
	if view.State != domain.StateReady || view.Document == nil || view.Document.Filename != "hello.txt" {
		t.Fatalf("unexpected view after upload: %+v", view)
	}

	resp = post(t, base+"/analyze", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analyze status = %d", resp.StatusCode)
	}
	view = decodeView(t, resp)
	if view.State != domain.StateAnalyzed || view.Analysis == nil || view.Analysis.DocumentID != "doc1" {
		t.Fatalf("unexpected view after analyze: %+v", view)
	}

	resp = post(t, base+"/messages", `{"text":"What is it?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("message status = %d", resp.StatusCode)
	}
	view = decodeView(t, resp)
	if len(view.ChatLog) != 2 || view.ChatLog[1].Content != "doc1: What is it?" {
		t.Fatalf("unexpected chat log: %+v", view.ChatLog)
	}

	getResp, err := http.Get(base)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	if got := decodeView(t, getResp); len(got.ChatLog) != 2 {
		t.Fatalf("get returned %d turns, want 2", len(got.ChatLog))
	}

	req, _ := http.NewRequest(http.MethodDelete, base, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete session: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", delResp.StatusCode)
	}
	missing, err := http.Get(base)
	if err != nil {
		t.Fatalf("get deleted session: %v", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted session status = %d, want 404", missing.StatusCode)
	}
	if body := decodeError(t, missing); body.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestAnalyzeWithoutDocumentReturnsBanner(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{})
	view := createSession(t, srv.URL)

	resp := post(t, srv.URL+"/api/sessions/"+view.ID+"/analyze", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Code != "DOCUMENT_REQUIRED" {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Session == nil || body.Session.Error != "Please upload a document first." {
		t.Fatalf("expected banner in session view, got %+v", body.Session)
	}
}

func TestAnalyzeFailureReturnsBadGateway(t *testing.T) {
	api := newAnalysisAPI(t)
	api.failAnalyze.Store(true)
	srv := newTestServer(t, api, Config{})
	view := createSession(t, srv.URL)
	base := srv.URL + "/api/sessions/" + view.ID

	uploadDocument(t, base+"/document", "hello.txt", "text/plain", []byte("0123456789")).Body.Close()
	resp := post(t, base+"/analyze", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Code != "ANALYSIS_REQUEST_FAILED" {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Session == nil || body.Session.State != domain.StateReady {
		t.Fatalf("expected ready session after failure, got %+v", body.Session)
	}
	if body.Error != "Failed to analyze the document. Please try again." {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestChatFailureIsReturnedInline(t *testing.T) {
	api := newAnalysisAPI(t)
	srv := newTestServer(t, api, Config{})
	view := createSession(t, srv.URL)
	base := srv.URL + "/api/sessions/" + view.ID

	uploadDocument(t, base+"/document", "hello.txt", "text/plain", []byte("0123456789")).Body.Close()
	post(t, base+"/analyze", "").Body.Close()
	api.failChat.Store(true)

	resp := post(t, base+"/messages", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	view = decodeView(t, resp)
	if len(view.ChatLog) != 2 {
		t.Fatalf("chat log = %d turns, want 2", len(view.ChatLog))
	}
	last := view.ChatLog[1]
	if last.Role != domain.RoleAssistant || last.Content != "Error: Failed to get chat response. Please try again." {
		t.Fatalf("unexpected error turn: %+v", last)
	}
}

func TestMessageValidation(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{})
	view := createSession(t, srv.URL)
	base := srv.URL + "/api/sessions/" + view.ID

	resp := post(t, base+"/messages", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("message before analysis status = %d, want 409", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != "SESSION_NOT_ANALYZED" {
		t.Fatalf("code = %q", body.Code)
	}

	resp = post(t, base+"/messages", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid body status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	uploadDocument(t, base+"/document", "hello.txt", "text/plain", []byte("0123456789")).Body.Close()
	post(t, base+"/analyze", "").Body.Close()
	resp = post(t, base+"/messages", `{"text":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want 400", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != "QUESTION_EMPTY" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestUploadRejections(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{MaxUploadBytes: 16})
	view := createSession(t, srv.URL)
	base := srv.URL + "/api/sessions/" + view.ID

	resp := uploadDocument(t, base+"/document", "notes.exe", "application/octet-stream", []byte("MZ"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported type status = %d, want 400", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.Code != "DOCUMENT_UNSUPPORTED_TYPE" {
		t.Fatalf("code = %q", body.Code)
	}
	if strings.HasPrefix(body.Error, "user input rejected") {
		t.Fatalf("error message should be user facing, got %q", body.Error)
	}

	resp = uploadDocument(t, base+"/document", "big.txt", "text/plain", bytes.Repeat([]byte("x"), 64))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize status = %d, want 413", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Post(base+"/document", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-multipart status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(base)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := decodeView(t, getResp); got.State != domain.StateIdle {
		t.Fatalf("rejected uploads must leave the session idle, got %s", got.State)
	}
}

func TestUnknownRoutesAndMethods(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{})
	view := createSession(t, srv.URL)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("get sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/sessions/" + view.ID + "/analyze")
	if err != nil {
		t.Fatalf("get analyze: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}

	resp = post(t, srv.URL+"/api/sessions/"+view.ID+"/unknown", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAnalyzeRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	srv := newTestServer(t, newAnalysisAPI(t), Config{
		RedisAddr:                 redis.Addr(),
		AnalyzeRateLimitPerMinute: 1,
	})
	view := createSession(t, srv.URL)
	base := srv.URL + "/api/sessions/" + view.ID
	uploadDocument(t, base+"/document", "hello.txt", "text/plain", []byte("0123456789")).Body.Close()

	resp1 := post(t, base+"/analyze", "")
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first analyze expected 200, got %d", resp1.StatusCode)
	}
	resp2 := post(t, base+"/analyze", "")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second analyze expected 429, got %d", resp2.StatusCode)
	}
	if resp2.Header.Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestServerRequiresRedisForRateLimit(t *testing.T) {
	mgr, err := app.NewManager(app.ManagerConfig{
		Transport: analysisclient.NewClient(analysisclient.Options{BaseURL: "http://127.0.0.1:1"}),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := New(Config{Manager: mgr, AnalyzeRateLimitPerMinute: 1}); err == nil {
		t.Fatalf("expected limiter initialization to fail without redis addr")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without manager")
	}
}

func TestUploadPDFReportsPageCount(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{})
	view := createSession(t, srv.URL)
	payload, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "pkg", "document", "testdata", "one-page.pdf"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	resp := uploadDocument(t, srv.URL+"/api/sessions/"+view.ID+"/document", "contract.pdf", "application/pdf", payload)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var body struct {
		Document map[string]any `json:"document"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if got, _ := body.Document["pageCount"].(float64); got != 1 {
		t.Fatalf("document.pageCount = %v, want 1", body.Document["pageCount"])
	}
}

func TestDocumentTranscript(t *testing.T) {
	srv := newTestServer(t, newAnalysisAPI(t), Config{})
	view := createSession(t, srv.URL)
	base := srv.URL + "/api/sessions/" + view.ID
	decodeView(t, uploadDocument(t, base+"/document", "hello.txt", "text/plain", []byte("0123456789")))
	decodeView(t, post(t, base+"/analyze", ""))
	decodeView(t, post(t, base+"/messages", `{"text":"What is it?"}`))

	resp, err := http.Get(srv.URL + "/api/documents/doc1/transcript")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transcript status = %d", resp.StatusCode)
	}
	var transcript domain.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&transcript); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if transcript.DocumentID != "doc1" || transcript.Analysis == nil || len(transcript.Turns) != 2 {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
	if transcript.Turns[1].Content != "doc1: What is it?" {
		t.Fatalf("unexpected answer turn: %+v", transcript.Turns[1])
	}

	missing, err := http.Get(srv.URL + "/api/documents/unknown/transcript")
	if err != nil {
		t.Fatalf("get missing transcript: %v", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing transcript status = %d, want 404", missing.StatusCode)
	}
	if body := decodeError(t, missing); body.Code != "TRANSCRIPT_NOT_FOUND" {
		t.Fatalf("code = %q", body.Code)
	}

	for _, path := range []string{"/api/documents/doc1", "/api/documents//transcript", "/api/documents/doc1/transcript/extra"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, resp.StatusCode)
		}
	}
	notAllowed := post(t, srv.URL+"/api/documents/doc1/transcript", "")
	notAllowed.Body.Close()
	if notAllowed.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post transcript status = %d, want 405", notAllowed.StatusCode)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"velvet/internal/app"
	"velvet/internal/ratelimit"
	"velvet/pkg/store"
)

type fakeGenerator struct {
	reply string
}

func (g *fakeGenerator) GenerateText(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return g.reply, nil
}

func newTestServer(t *testing.T, limiter *ratelimit.FixedWindowLimiter) *httptest.Server {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "velvet.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	st, err := store.NewGormStore(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a, err := app.New(app.Config{
		Store:     st,
		JWTSecret: "test-secret",
		Generator: &fakeGenerator{reply: "# Abstract\n\nThe study found **significant** warming."},
		UploadDir: t.TempDir(),
		ReportDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ts := httptest.NewServer(New(Config{App: a, AuthLimiter: limiter}).Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, payload
}

func registerUser(t *testing.T, ts *httptest.Server, email, referralCode string) string {
	t.Helper()
	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/auth/register", "", map[string]string{
		"email":        email,
		"password":     "correct horse battery",
		"referralCode": referralCode,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, body %v", resp.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("register returned no token")
	}
	return token
}

func uploadTextFile(t *testing.T, ts *httptest.Server, token, name, content string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/uploads", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, body %v", resp.StatusCode, payload)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatal("upload returned no id")
	}
	return id
}

func waitForJob(t *testing.T, ts *httptest.Server, token, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, payload := doJSON(t, http.MethodGet, ts.URL+"/api/reports/"+jobID, token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get job status = %d, body %v", resp.StatusCode, payload)
		}
		status, _ := payload["status"].(string)
		if status == "completed" || status == "failed" {
			return payload
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", jobID)
	return nil
}

func TestUploadToDownloadRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	token := registerUser(t, ts, "ada@example.com", "")

	uploadID := uploadTextFile(t, ts, token, "notes.txt", "Ocean temperature logs from the survey.")

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/reports", token, map[string]string{"uploadId": uploadID})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %v", resp.StatusCode, payload)
	}
	jobID, _ := payload["id"].(string)

	job := waitForJob(t, ts, token, jobID)
	if job["status"] != "completed" {
		t.Fatalf("job = %v", job)
	}
	if progress, _ := job["progress"].(float64); progress != 1.0 {
		t.Fatalf("progress = %v, want 1", job["progress"])
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/reports/"+jobID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	dl, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
	if ct := dl.Header.Get("Content-Type"); ct != docxContentType {
		t.Fatalf("download content type = %q", ct)
	}
	if cd := dl.Header.Get("Content-Disposition"); !strings.Contains(cd, "manuscript_") {
		t.Fatalf("content disposition = %q", cd)
	}
	data, _ := io.ReadAll(dl.Body)
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatal("downloaded report is not a zip container")
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{
		"/api/users/me",
		"/api/uploads",
		"/api/reports",
		"/api/tokens/balance",
		"/api/referrals/code",
	} {
		resp, _ := doJSON(t, http.MethodGet, ts.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s without token = %d, want 401", path, resp.StatusCode)
		}
		resp, _ = doJSON(t, http.MethodGet, ts.URL+path, "garbage-token", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s with bad token = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestTokenLedgerOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	token := registerUser(t, ts, "ada@example.com", "")

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/api/tokens/balance", token, nil)
	if resp.StatusCode != http.StatusOK || payload["balance"].(float64) != 0 {
		t.Fatalf("fresh balance = %v (%d)", payload, resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/api/tokens/consume", token, map[string]any{
		"projectType": "basic", "projectId": "proj-1",
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("overdraw status = %d, body %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/api/tokens/purchase", token, map[string]string{"package": "starter"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purchase status = %d, body %v", resp.StatusCode, payload)
	}
	if payload["balance"].(float64) != 150 {
		t.Fatalf("balance after purchase = %v", payload["balance"])
	}

	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/api/tokens/consume", token, map[string]any{
		"projectType": "basic", "projectId": "proj-1",
	})
	if resp.StatusCode != http.StatusOK || payload["balance"].(float64) != 50 {
		t.Fatalf("consume = %v (%d)", payload, resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/tokens/estimate?complexity=premium", token, nil)
	if resp.StatusCode != http.StatusOK || payload["tokens"].(float64) != 300 {
		t.Fatalf("estimate = %v (%d)", payload, resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/tokens/history", token, nil)
	if resp.StatusCode != http.StatusOK || payload["count"].(float64) != 2 {
		t.Fatalf("history = %v (%d)", payload, resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/tokens/balance", token, nil)
	if resp.StatusCode != http.StatusOK || payload["totalPurchased"].(float64) != 150 {
		t.Fatalf("balance summary = %v (%d)", payload, resp.StatusCode)
	}
	recent, _ := payload["recentTransactions"].([]any)
	if len(recent) != 2 {
		t.Fatalf("recent transactions = %v, want the purchase and the consumption", recent)
	}
}

func TestReferralFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	referrerToken := registerUser(t, ts, "ada@example.com", "")

	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/api/referrals/code", referrerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code status = %d, body %v", resp.StatusCode, payload)
	}
	code, _ := payload["code"].(string)
	if !strings.HasPrefix(code, "VR-") {
		t.Fatalf("referral code = %q", code)
	}

	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/api/referrals/invite", referrerToken, map[string]string{"email": "bea@example.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invite status = %d, body %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/referrals/validate?code="+code, "", nil)
	if resp.StatusCode != http.StatusOK || payload["valid"] != true {
		t.Fatalf("validate = %v (%d)", payload, resp.StatusCode)
	}
	if invited, _ := payload["invitedEmail"].(string); strings.Contains(invited, "bea@") {
		t.Fatalf("invited email not redacted: %q", invited)
	}
	referrerEmail, _ := payload["referrerEmail"].(string)
	if referrerEmail == "" || strings.Contains(referrerEmail, "ada@") {
		t.Fatalf("referrer email = %q, want a redacted address", referrerEmail)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/referrals/eligibility", referrerToken, nil)
	if resp.StatusCode != http.StatusOK || payload["eligible"] != false {
		t.Fatalf("eligibility before purchase = %v (%d)", payload, resp.StatusCode)
	}

	refereeToken := registerUser(t, ts, "bea@example.com", code)

	resp, payload = doJSON(t, http.MethodPost, ts.URL+"/api/tokens/purchase", refereeToken, map[string]string{"package": "starter"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("referee purchase status = %d, body %v", resp.StatusCode, payload)
	}
	if payload["discountApplied"] != true {
		t.Fatalf("referee purchase = %v, want discount", payload)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/referrals/eligibility", refereeToken, nil)
	if resp.StatusCode != http.StatusOK || payload["eligible"] != true {
		t.Fatalf("referee eligibility after purchase = %v (%d)", payload, resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/tokens/balance", referrerToken, nil)
	if resp.StatusCode != http.StatusOK || payload["balance"].(float64) != 25 {
		t.Fatalf("referrer balance = %v (%d)", payload, resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/referrals/stats", referrerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	if payload["signedUp"] != true || payload["tokensAwarded"].(float64) != 25 {
		t.Fatalf("stats = %v", payload)
	}
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	ts := newTestServer(t, nil)
	token := registerUser(t, ts, "ada@example.com", "")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("files", "photo.png")
	io.WriteString(part, "not really a png")
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("disallowed upload status = %d, want 400", resp.StatusCode)
	}
}

func TestDownloadBeforeCompletionConflicts(t *testing.T) {
	ts := newTestServer(t, nil)
	token := registerUser(t, ts, "ada@example.com", "")
	uploadID := uploadTextFile(t, ts, token, "notes.txt", "observations")

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/reports", token, map[string]string{"uploadId": uploadID})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	jobID, _ := payload["id"].(string)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/reports/"+jobID+"/download", token, nil)
	if resp.StatusCode != http.StatusConflict && resp.StatusCode != http.StatusOK {
		t.Fatalf("early download status = %d, want 409 or 200", resp.StatusCode)
	}
	waitForJob(t, ts, token, jobID)
}

func TestLoginRateLimited(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 3, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ts := newTestServer(t, limiter)

	var last int
	for i := 0; i < 5; i++ {
		resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
			"email": "nobody@example.com", "password": "wrong password!",
		})
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("final login status = %d, want 429", last)
	}
}

func TestLoginRateLimitIgnoresForwardedHeader(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 3, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ts := newTestServer(t, limiter)

	// The peer is not a trusted proxy, so rotating forwarded headers must
	// not reset the window.
	var last int
	for i := 0; i < 5; i++ {
		body, _ := json.Marshal(map[string]string{
			"email": "nobody@example.com", "password": "wrong password!",
		})
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("login request: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("final login status = %d, want 429 despite rotating headers", last)
	}
}

func TestRegenerateOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	token := registerUser(t, ts, "ada@example.com", "")
	uploadID := uploadTextFile(t, ts, token, "notes.txt", "observations")

	_, payload := doJSON(t, http.MethodPost, ts.URL+"/api/reports", token, map[string]string{"uploadId": uploadID})
	firstID, _ := payload["id"].(string)
	waitForJob(t, ts, token, firstID)

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/reports/"+firstID+"/regenerate", token, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("regenerate status = %d, body %v", resp.StatusCode, payload)
	}
	secondID, _ := payload["id"].(string)
	if secondID == firstID {
		t.Fatal("regenerate reused the job id")
	}
	waitForJob(t, ts, token, secondID)

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/reports", token, nil)
	if resp.StatusCode != http.StatusOK || payload["count"].(float64) != 2 {
		t.Fatalf("list jobs = %v (%d)", payload, resp.StatusCode)
	}
}

func TestFeedbackOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	token := registerUser(t, ts, "ada@example.com", "")
	uploadID := uploadTextFile(t, ts, token, "notes.txt", "observations")

	_, payload := doJSON(t, http.MethodPost, ts.URL+"/api/reports", token, map[string]string{"uploadId": uploadID})
	jobID, _ := payload["id"].(string)
	waitForJob(t, ts, token, jobID)

	resp, payload := doJSON(t, http.MethodPost, ts.URL+"/api/reports/"+jobID+"/feedback", token, map[string]any{
		"section": "Methods", "approved": false, "comments": "needs detail",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("feedback status = %d, body %v", resp.StatusCode, payload)
	}

	resp, payload = doJSON(t, http.MethodGet, ts.URL+"/api/reports/"+jobID+"/feedback", token, nil)
	if resp.StatusCode != http.StatusOK || payload["count"].(float64) != 1 {
		t.Fatalf("feedback list = %v (%d)", payload, resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, payload := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz = %v (%d)", payload, resp.StatusCode)
	}
}

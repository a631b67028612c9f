// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
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

	"github.com/DataCovey/nornweave-sub000/internal/dedup"
	"github.com/DataCovey/nornweave-sub000/internal/inbound"
	"github.com/DataCovey/nornweave-sub000/internal/ingest"
	"github.com/DataCovey/nornweave-sub000/internal/models"
	"github.com/DataCovey/nornweave-sub000/internal/verify"
)

// mockIngester records ingested messages.
type mockIngester struct {
	mu       sync.Mutex
	messages []*models.InboundMessage
	result   *ingest.Result
	err      error
}

func (m *mockIngester) Ingest(_ context.Context, msg *models.InboundMessage) (*ingest.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &ingest.Result{Outcome: ingest.OutcomeReceived, MessageID: "msg-1", ThreadID: "thread-1"}, nil
}

func (m *mockIngester) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// mockGuard is an in-memory replay guard.
type mockGuard struct {
	mu        sync.Mutex
	claims    map[string]dedup.Claim
	forgotten []string
}

func (g *mockGuard) Begin(_ context.Context, source, id string) (dedup.Claim, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claims == nil {
		g.claims = map[string]dedup.Claim{}
	}
	key := source + ":" + id
	if c, ok := g.claims[key]; ok {
		return c, nil
	}
	g.claims[key] = dedup.Claim{State: dedup.StateInFlight}
	return dedup.Claim{State: dedup.StateClaimed}, nil
}

func (g *mockGuard) Complete(_ context.Context, source, id, messageID, threadID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claims[source+":"+id] = dedup.Claim{State: dedup.StateDone, MessageID: messageID, ThreadID: threadID}
	return nil
}

func (g *mockGuard) Forget(_ context.Context, source, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, source+":"+id)
	g.forgotten = append(g.forgotten, id)
	return nil
}

// gatedIngester blocks in Ingest until released.
type gatedIngester struct {
	entered chan struct{}
	release chan error

	mu    sync.Mutex
	calls int
}

func (g *gatedIngester) Ingest(context.Context, *models.InboundMessage) (*ingest.Result, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		if err := <-g.release; err != nil {
			return nil, err
		}
	}
	return &ingest.Result{Outcome: ingest.OutcomeReceived, MessageID: "msg-1", ThreadID: "thread-1"}, nil
}

// rejectAll fails every verification.
type rejectAll struct{}

func (rejectAll) Verify(context.Context, []byte, http.Header) error {
	return &verify.AuthenticityError{Scheme: verify.SchemeMailgun, Reason: "signature mismatch"}
}

// roundTripFunc lets tests intercept outbound HTTP calls.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestServer(t *testing.T, cfg HandlerConfig) *httptest.Server {
	t.Helper()
	if cfg.Providers == nil {
		cfg.Providers = []Provider{
			{Parser: inbound.NewMailgun(), Verifier: verify.Disabled(verify.SchemeMailgun)},
			{Parser: inbound.NewResend(), Verifier: verify.Disabled(verify.SchemeSvix)},
			{Parser: inbound.NewSES(), Verifier: verify.Disabled(verify.SchemeSNS)},
		}
	}
	srv := httptest.NewServer(newMux(NewHandler(cfg)))
	t.Cleanup(srv.Close)
	return srv
}

func mailgunForm() string {
	return url.Values{
		"sender":     {"Alice <alice@example.com>"},
		"recipient":  {"support@inbox.test"},
		"subject":    {"Hello"},
		"body-plain": {"Hi there"},
		"Message-Id": {"<m1@example.com>"},
	}.Encode()
}

const resendEventBody = `{"type":"email.received","created_at":"2026-01-05T09:00:00Z","data":{"email_id":"e-1","from":"alice@example.com","to":["support@inbox.test"],"subject":"Hi"}}`

func post(t *testing.T, srv *httptest.Server, path, contentType, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// TestServeHTTP_StatusMapping verifies each delivery class maps to the
// documented HTTP status.
func TestServeHTTP_StatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		ingestErr   error
		wantStatus  int
		wantBody    string
		wantIngest  int
	}{
		{
			name:        "received",
			path:        "/webhooks/mailgun",
			contentType: "application/x-www-form-urlencoded",
			body:        mailgunForm(),
			wantStatus:  http.StatusOK,
			wantBody:    "received",
			wantIngest:  1,
		},
		{
			name:        "malformed",
			path:        "/webhooks/mailgun",
			contentType: "application/x-www-form-urlencoded",
			body:        "subject=nothing+else",
			wantStatus:  http.StatusBadRequest,
			wantBody:    "error",
		},
		{
			name:        "ignored event",
			path:        "/webhooks/resend",
			contentType: "application/json",
			body:        `{"type":"email.sent","data":{}}`,
			wantStatus:  http.StatusOK,
			wantBody:    "ignored",
		},
		{
			name:        "storage failure",
			path:        "/webhooks/resend",
			contentType: "application/json",
			body:        resendEventBody,
			ingestErr:   errors.New("database unavailable"),
			wantStatus:  http.StatusInternalServerError,
			wantBody:    "error",
			wantIngest:  1,
		},
		{
			name:        "unknown provider",
			path:        "/webhooks/postmark",
			contentType: "application/json",
			body:        `{}`,
			wantStatus:  http.StatusNotFound,
			wantBody:    "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &mockIngester{err: tt.ingestErr}
			srv := newTestServer(t, HandlerConfig{Ingester: ing})

			resp, out := post(t, srv, tt.path, tt.contentType, tt.body, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if out["status"] != tt.wantBody {
				t.Errorf("body status = %v, want %s", out["status"], tt.wantBody)
			}
			if ing.count() != tt.wantIngest {
				t.Errorf("ingest calls = %d, want %d", ing.count(), tt.wantIngest)
			}
		})
	}
}

// TestServeHTTP_Received verifies the response carries the stored ids and
// the parsed message reaches the ingester.
func TestServeHTTP_Received(t *testing.T) {
	ing := &mockIngester{}
	srv := newTestServer(t, HandlerConfig{Ingester: ing})

	_, out := post(t, srv, "/webhooks/mailgun", "application/x-www-form-urlencoded", mailgunForm(), nil)
	if out["message_id"] != "msg-1" || out["thread_id"] != "thread-1" {
		t.Errorf("response = %v", out)
	}
	if ing.count() != 1 {
		t.Fatalf("ingest calls = %d", ing.count())
	}
	msg := ing.messages[0]
	if msg.From != "alice@example.com" || msg.To != "support@inbox.test" || msg.MessageID != "<m1@example.com>" {
		t.Errorf("message = %+v", msg)
	}
}

// TestServeHTTP_AuthenticityRejected verifies failed verification is a 401
// and nothing is parsed or ingested.
func TestServeHTTP_AuthenticityRejected(t *testing.T) {
	ing := &mockIngester{}
	srv := newTestServer(t, HandlerConfig{
		Ingester:  ing,
		Providers: []Provider{{Parser: inbound.NewMailgun(), Verifier: rejectAll{}}},
	})

	resp, _ := post(t, srv, "/webhooks/mailgun", "application/x-www-form-urlencoded", mailgunForm(), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if ing.count() != 0 {
		t.Error("rejected delivery was ingested")
	}
}

// TestServeHTTP_MethodNotAllowed verifies only POST is accepted.
func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{Ingester: &mockIngester{}})
	resp, err := srv.Client().Get(srv.URL + "/webhooks/mailgun")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

// TestServeHTTP_TooLarge verifies oversized bodies are rejected.
func TestServeHTTP_TooLarge(t *testing.T) {
	ing := &mockIngester{}
	mux := newMux(NewHandler(HandlerConfig{
		Ingester:  ing,
		Providers: []Provider{{Parser: inbound.NewResend(), Verifier: verify.Disabled(verify.SchemeSvix)}},
	}))
	body := strings.Repeat("a", MaxBodyBytes+1)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/resend", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if ing.count() != 0 {
		t.Error("oversized delivery was ingested")
	}
}

// TestServeHTTP_ReplayGuard verifies replays are acknowledged without
// ingestion and failed deliveries release their id for the retry.
func TestServeHTTP_ReplayGuard(t *testing.T) {
	ing := &mockIngester{err: errors.New("database unavailable")}
	guard := &mockGuard{}
	srv := newTestServer(t, HandlerConfig{Ingester: ing, Guard: guard})
	header := http.Header{"Svix-Id": {"msg_2abc"}}

	resp, _ := post(t, srv, "/webhooks/resend", "application/json", resendEventBody, header)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if len(guard.forgotten) != 1 || guard.forgotten[0] != "msg_2abc" {
		t.Errorf("forgotten = %v", guard.forgotten)
	}

	ing.mu.Lock()
	ing.err = nil
	ing.mu.Unlock()
	resp, out := post(t, srv, "/webhooks/resend", "application/json", resendEventBody, header)
	if resp.StatusCode != http.StatusOK || out["status"] != "received" {
		t.Fatalf("retry = %d %v", resp.StatusCode, out)
	}

	resp, out = post(t, srv, "/webhooks/resend", "application/json", resendEventBody, header)
	if resp.StatusCode != http.StatusOK || out["status"] != "duplicate" {
		t.Errorf("replay = %d %v", resp.StatusCode, out)
	}
	if out["message_id"] != "msg-1" || out["thread_id"] != "thread-1" {
		t.Errorf("replay ids = %v %v", out["message_id"], out["thread_id"])
	}
	if ing.count() != 2 {
		t.Errorf("ingest calls = %d, want 2", ing.count())
	}
}

// TestServeHTTP_RetryWhileInFlight verifies a retry arriving while the
// original is still processing is refused with 503, so a failure of the
// original leaves the provider retrying instead of acknowledged.
func TestServeHTTP_RetryWhileInFlight(t *testing.T) {
	ing := &gatedIngester{entered: make(chan struct{}), release: make(chan error, 1)}
	guard := &mockGuard{}
	srv := newTestServer(t, HandlerConfig{Ingester: ing, Guard: guard})
	header := http.Header{"Svix-Id": {"msg_inflight"}}

	original := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/resend", strings.NewReader(resendEventBody))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Svix-Id", "msg_inflight")
		resp, err := srv.Client().Do(req)
		if err != nil {
			original <- 0
			return
		}
		resp.Body.Close()
		original <- resp.StatusCode
	}()
	<-ing.entered

	resp, out := post(t, srv, "/webhooks/resend", "application/json", resendEventBody, header)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("retry during processing = %d %v, want 503", resp.StatusCode, out)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	ing.release <- errors.New("database unavailable")
	if status := <-original; status != http.StatusInternalServerError {
		t.Fatalf("original = %d, want 500", status)
	}

	resp, out = post(t, srv, "/webhooks/resend", "application/json", resendEventBody, header)
	if resp.StatusCode != http.StatusOK || out["status"] != "received" {
		t.Errorf("retry after failure = %d %v", resp.StatusCode, out)
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.calls != 2 {
		t.Errorf("ingest calls = %d, want 2", ing.calls)
	}
}

// TestServeHTTP_MalformedReleasesClaim verifies rejected deliveries are not
// remembered as accepted.
func TestServeHTTP_MalformedReleasesClaim(t *testing.T) {
	guard := &mockGuard{}
	srv := newTestServer(t, HandlerConfig{Ingester: &mockIngester{}, Guard: guard})
	header := http.Header{"Svix-Id": {"msg_bad"}}

	for i := 0; i < 2; i++ {
		resp, _ := post(t, srv, "/webhooks/resend", "application/json", `{"type":`, header)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("attempt %d status = %d, want 400", i, resp.StatusCode)
		}
	}
	if len(guard.forgotten) != 2 {
		t.Errorf("forgotten = %v", guard.forgotten)
	}
}

// TestServeHTTP_SubscriptionConfirmation verifies SNS subscriptions are
// confirmed only for SNS hosts.
func TestServeHTTP_SubscriptionConfirmation(t *testing.T) {
	var mu sync.Mutex
	var visited []string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		visited = append(visited, r.URL.String())
		mu.Unlock()
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("<ok/>")), Header: http.Header{}}, nil
	})}
	srv := newTestServer(t, HandlerConfig{Ingester: &mockIngester{}, Client: client})

	confirm := func(subscribeURL string) (*http.Response, map[string]any) {
		body, _ := json.Marshal(map[string]string{
			"Type":         "SubscriptionConfirmation",
			"MessageId":    "sub-1",
			"TopicArn":     "arn:aws:sns:eu-west-1:123456789012:inbound",
			"SubscribeURL": subscribeURL,
			"Message":      "You have chosen to subscribe",
		})
		return post(t, srv, "/webhooks/ses", "text/plain", string(body), nil)
	}

	resp, out := confirm("https://sns.eu-west-1.amazonaws.com/?Action=ConfirmSubscription&Token=abc")
	if resp.StatusCode != http.StatusOK || out["status"] != "subscribed" {
		t.Errorf("confirm = %d %v", resp.StatusCode, out)
	}

	resp, _ = confirm("https://attacker.example.com/?Action=ConfirmSubscription")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("foreign host status = %d, want 502", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(visited) != 1 || !strings.HasPrefix(visited[0], "https://sns.eu-west-1.amazonaws.com/") {
		t.Errorf("visited = %v", visited)
	}
}

// TestDeliveryID verifies provider delivery ids are extracted.
func TestDeliveryID(t *testing.T) {
	tests := []struct {
		name   string
		source models.Source
		body   string
		header http.Header
		want   string
	}{
		{name: "svix header", source: models.SourceResend, header: http.Header{"Svix-Id": {"msg_1"}}, want: "msg_1"},
		{name: "webhook header", source: models.SourceResend, header: http.Header{"Webhook-Id": {"msg_2"}}, want: "msg_2"},
		{name: "sns notification", source: models.SourceSES, body: `{"Type":"Notification","MessageId":"sns-1"}`, want: "sns-1"},
		{name: "sns confirmation", source: models.SourceSES, body: `{"Type":"SubscriptionConfirmation","MessageId":"sns-2"}`},
		{name: "mailgun", source: models.SourceMailgun, body: "token=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			if got := deliveryID(tt.source, []byte(tt.body), h); got != tt.want {
				t.Errorf("deliveryID = %q, want %q", got, tt.want)
			}
		})
	}
}

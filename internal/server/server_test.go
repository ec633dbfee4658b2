package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"workrails/internal/config"
	"workrails/internal/conversation"
	"workrails/internal/engagement"
	"workrails/internal/escrow"
	"workrails/internal/idempotency"
	"workrails/internal/session"
)

const (
	testWebhookSecret = "test-webhook-secret"
	testFreelancer    = "0x00000000000000000000000000000000000000aa"
)

type countingClient struct {
	escrow.Client
	creates atomic.Int64
}

func (c *countingClient) CreateEngagement(ctx context.Context, req escrow.CreateEngagementRequest) (escrow.CreateEngagementResult, error) {
	c.creates.Add(1)
	return c.Client.CreateEngagement(ctx, req)
}

type testEnv struct {
	server    *Server
	client    *countingClient
	contracts *engagement.MemoryStore
	issuer    *session.Issuer
	token     string
}

func newTestEnv(t *testing.T, wrapStore ...func(engagement.Store) engagement.Store) *testEnv {
	t.Helper()

	cfg := &config.AppConfig{}
	cfg.Seed.Secrets.ChainWebhookSecret = testWebhookSecret
	cfg.Service = config.ServiceConfig{
		HTTPPort:          0,
		HMACClockSkew:     time.Minute,
		IdempotencyWindow: time.Minute,
		DLQPath:           t.TempDir(),
	}
	cfg.Retry = config.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	issuer, err := session.NewIssuer(session.IssuerConfig{
		SigningSecret: []byte("test-session-secret"),
		Issuer:        "workrails-test",
	})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, _, err := issuer.Issue("client-1", "0x00000000000000000000000000000000000000cc")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	client := &countingClient{Client: escrow.NewFakeClient()}
	contracts := engagement.NewMemoryStore()
	var store engagement.Store = contracts
	for _, wrap := range wrapStore {
		store = wrap(store)
	}

	srv := NewServer(cfg, Deps{
		Escrow:        client,
		Contracts:     store,
		Conversations: conversation.NewMemoryStore(),
		Idempotency:   idempotency.NewMemoryStore(),
		Sessions:      issuer,
	})

	return &testEnv{
		server:    srv,
		client:    client,
		contracts: contracts,
		issuer:    issuer,
		token:     token,
	}
}

func withKey(key string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-Idempotency-Key", key) }
}

func (e *testEnv) do(method, path string, body []byte, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	for _, fn := range mutate {
		fn(req)
	}
	rec := httptest.NewRecorder()
	e.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func validCreateBody(t *testing.T, jobID, bidID string) []byte {
	t.Helper()
	deadline := time.Now().Add(24 * time.Hour).Unix()
	body, err := json.Marshal(createContractRequest{
		JobID:      jobID,
		BidID:      bidID,
		Freelancer: testFreelancer,
		Milestones: []milestonePayload{
			{Description: "design", AmountWei: "1000000000000000000", Deadline: deadline},
			{Description: "build", AmountWei: "2000000000000000000", Deadline: deadline + 3600},
		},
		TotalWei: "3000000000000000000",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func TestCreateContract(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/contracts", validCreateBody(t, "job-1", "bid-1"), withKey("key-create"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var view contractView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.ContractAddress == "" {
		t.Fatal("expected a contract address")
	}
	if len(view.Milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(view.Milestones))
	}
	for _, m := range view.Milestones {
		if m.State != "pending" {
			t.Fatalf("expected pending milestone, got %q", m.State)
		}
	}
	if env.client.creates.Load() != 1 {
		t.Fatalf("expected 1 chain submission, got %d", env.client.creates.Load())
	}
}

func TestCreateContractRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/contracts", validCreateBody(t, "job-1", "bid-1"),
		func(r *http.Request) { r.Header.Del("Authorization") })
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if env.client.creates.Load() != 0 {
		t.Fatal("unauthenticated request must not reach the chain")
	}
}

func TestCreateContractValidationSkipsChain(t *testing.T) {
	env := newTestEnv(t)

	deadline := time.Now().Add(time.Hour).Unix()
	body, _ := json.Marshal(createContractRequest{
		JobID:      "job-1",
		BidID:      "bid-1",
		Freelancer: testFreelancer,
		Milestones: []milestonePayload{
			{Description: "design", AmountWei: "100", Deadline: deadline},
			{Description: "build", AmountWei: "150", Deadline: deadline},
		},
		TotalWei: "300",
	})

	rec := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-invalid"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.client.creates.Load() != 0 {
		t.Fatalf("rejected request must not reach the chain, got %d submissions", env.client.creates.Load())
	}
	records, err := env.contracts.ListByJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatal("rejected request must not persist a record")
	}
}

func TestCreateContractIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t)
	body := validCreateBody(t, "job-idem", "bid-idem")

	first := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-1"))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}

	second := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-1"))
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Fatal("expected replay header on second response")
	}
	if env.client.creates.Load() != 1 {
		t.Fatalf("replay must not resubmit, got %d submissions", env.client.creates.Load())
	}

	var a, b contractView
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if a.ID != b.ID || a.ContractAddress != b.ContractAddress {
		t.Fatalf("replay returned a different record: %v vs %v", a, b)
	}
}

func TestCreateContractDuplicateAddress(t *testing.T) {
	env := newTestEnv(t)
	body := validCreateBody(t, "job-dup", "bid-dup")

	if rec := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-dup-a")); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	// The fake chain derives the address from the request, so an identical
	// resubmission under a fresh key collides on the unique address.
	rec := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-dup-b"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 duplicate, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Code != "duplicate_address" || resp.ContractAddress == "" {
		t.Fatalf("expected duplicate_address with address, got %+v", resp)
	}

	// The collision is permanent, so replaying its key serves the cached 409
	// instead of submitting a third transaction.
	before := env.client.creates.Load()
	replay := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-dup-b"))
	if replay.Code != http.StatusConflict {
		t.Fatalf("expected replayed 409, got %d", replay.Code)
	}
	if replay.Header().Get("X-Idempotency-Replay") != "true" {
		t.Fatal("expected replay header on cached conflict")
	}
	if env.client.creates.Load() != before {
		t.Fatalf("replay must not resubmit, got %d submissions", env.client.creates.Load())
	}
}

func TestCreateContractRequiresIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/contracts", validCreateBody(t, "job-nk", "bid-nk"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.client.creates.Load() != 0 {
		t.Fatal("request without a key must not reach the chain")
	}
}

type flakyStore struct {
	engagement.Store
	failCreates int
}

func (s *flakyStore) Create(ctx context.Context, record *engagement.Contract) error {
	if s.failCreates > 0 {
		s.failCreates--
		return errors.New("simulated outage")
	}
	return s.Store.Create(ctx, record)
}

func TestCreateContractReplayAfterInconsistentState(t *testing.T) {
	env := newTestEnv(t, func(s engagement.Store) engagement.Store {
		return &flakyStore{Store: s, failCreates: 1}
	})
	body := validCreateBody(t, "job-flaky", "bid-flaky")

	first := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-flaky"))
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", first.Code, first.Body.String())
	}
	var resp errorResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Code != "inconsistent_state" || resp.ContractAddress == "" {
		t.Fatalf("expected inconsistent_state with address, got %+v", resp)
	}

	// The transaction confirmed, so a replay of the same key must serve the
	// cached failure instead of submitting again.
	second := env.do(http.MethodPost, "/api/v1/contracts", body, withKey("key-flaky"))
	if second.Code != http.StatusInternalServerError {
		t.Fatalf("expected replayed 500, got %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Fatal("expected replay header on cached failure")
	}
	var replayed errorResponse
	if err := json.Unmarshal(second.Body.Bytes(), &replayed); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if replayed.ContractAddress != resp.ContractAddress {
		t.Fatalf("replay must carry the same address: %q vs %q", replayed.ContractAddress, resp.ContractAddress)
	}
	if env.client.creates.Load() != 1 {
		t.Fatalf("replay must not resubmit, got %d submissions", env.client.creates.Load())
	}
}

func TestDepositAndReleaseLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/contracts", validCreateBody(t, "job-life", "bid-life"), withKey("key-life"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}
	var created contractView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	base := "/api/v1/contracts/" + created.ID + "/milestones/0"

	rec = env.do(http.MethodPost, base+"/deposit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: got %d: %s", rec.Code, rec.Body.String())
	}
	var funded contractView
	if err := json.Unmarshal(rec.Body.Bytes(), &funded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if funded.Milestones[0].State != "funded" {
		t.Fatalf("expected funded, got %q", funded.Milestones[0].State)
	}
	if funded.Milestones[1].State != "pending" {
		t.Fatalf("other milestones must stay pending, got %q", funded.Milestones[1].State)
	}

	rec = env.do(http.MethodPost, base+"/release", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("release: got %d: %s", rec.Code, rec.Body.String())
	}
	var released contractView
	if err := json.Unmarshal(rec.Body.Bytes(), &released); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if released.Milestones[0].State != "released" {
		t.Fatalf("expected released, got %q", released.Milestones[0].State)
	}

	// Releasing an unfunded milestone is rejected by the chain client.
	rec = env.do(http.MethodPost, "/api/v1/contracts/"+created.ID+"/milestones/1/release", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unfunded release, got %d", rec.Code)
	}
}

func TestUpdateMilestoneDispute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/contracts", validCreateBody(t, "job-d", "bid-d"), withKey("key-d"))
	var created contractView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	path := "/api/v1/contracts/" + created.ID + "/milestones/0"
	rec = env.do(http.MethodPatch, path, []byte(`{"state":"disputed"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("dispute: got %d: %s", rec.Code, rec.Body.String())
	}
	var disputed contractView
	if err := json.Unmarshal(rec.Body.Bytes(), &disputed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if disputed.Milestones[0].State != "disputed" {
		t.Fatalf("expected disputed, got %q", disputed.Milestones[0].State)
	}

	// Disputed is terminal for the mirror-only path.
	rec = env.do(http.MethodPatch, path, []byte(`{"state":"funded"}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 out of terminal state, got %d", rec.Code)
	}
}

func signWebhook(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestChainWebhookReconciles(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/contracts", validCreateBody(t, "job-w", "bid-w"), withKey("key-w"))
	var created contractView
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	payload, _ := json.Marshal(chainWebhookPayload{
		ContractAddress: created.ContractAddress,
		MilestoneIndex:  0,
		State:           "funded",
		TxHash:          "0xabc",
	})
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	signed := func(r *http.Request) {
		r.Header.Del("Authorization")
		r.Header.Set("X-Request-Timestamp", ts)
		r.Header.Set("X-Chain-Signature", signWebhook(testWebhookSecret, ts, payload))
	}
	rec = env.do(http.MethodPost, "/api/v1/webhooks/chain", payload, signed)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: got %d: %s", rec.Code, rec.Body.String())
	}

	record, err := env.contracts.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Milestones[0].State != engagement.MilestoneFunded {
		t.Fatalf("expected funded after reconcile, got %q", record.Milestones[0].State)
	}
}

func TestChainWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"contractAddress":"0x1","milestoneIndex":0,"state":"funded"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	rec := env.do(http.MethodPost, "/api/v1/webhooks/chain", payload, func(r *http.Request) {
		r.Header.Del("Authorization")
		r.Header.Set("X-Request-Timestamp", ts)
		r.Header.Set("X-Chain-Signature", "deadbeef")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/api/v1/webhooks/chain", payload, func(r *http.Request) {
		r.Header.Del("Authorization")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}
}

func TestRetryPersistIdempotent(t *testing.T) {
	env := newTestEnv(t)

	deadline := time.Now().Add(time.Hour).Unix()
	body, _ := json.Marshal(retryPersistRequest{
		createContractRequest: createContractRequest{
			JobID:      "job-r",
			BidID:      "bid-r",
			Freelancer: testFreelancer,
			Milestones: []milestonePayload{
				{Description: "all", AmountWei: "500", Deadline: deadline},
			},
			TotalWei: "500",
		},
		ContractAddress: "0x00000000000000000000000000000000000000bb",
	})

	first := env.do(http.MethodPost, "/api/v1/contracts/retry-persist", body)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	second := env.do(http.MethodPost, "/api/v1/contracts/retry-persist", body)
	if second.Code != http.StatusOK {
		t.Fatalf("expected idempotent 200, got %d: %s", second.Code, second.Body.String())
	}

	records, err := env.contracts.ListByJob(context.Background(), "job-r")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	if env.client.creates.Load() != 0 {
		t.Fatal("retry-persist must never touch the chain")
	}
}

func TestConversationFlow(t *testing.T) {
	env := newTestEnv(t)

	other, _, err := env.issuer.Issue("freelancer-1", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	body := []byte(`{"participants":["freelancer-1"],"jobId":"job-c"}`)
	rec := env.do(http.MethodPost, "/api/v1/conversations", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("find-or-create: got %d: %s", rec.Code, rec.Body.String())
	}
	var conv conversationView
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(conv.Participants) != 2 {
		t.Fatalf("expected caller plus one participant, got %v", conv.Participants)
	}

	// Same participant set and job resolves to the same thread.
	rec = env.do(http.MethodPost, "/api/v1/conversations", body)
	var again conversationView
	if err := json.Unmarshal(rec.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected the same conversation, got %s and %s", conv.ID, again.ID)
	}

	rec = env.do(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", []byte(`{"text":"hello"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("message: got %d: %s", rec.Code, rec.Body.String())
	}

	asOther := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+other) }
	rec = env.do(http.MethodGet, "/api/v1/conversations/"+conv.ID, nil, asOther)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}
	var seen conversationView
	if err := json.Unmarshal(rec.Body.Bytes(), &seen); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seen.UnreadCounts["freelancer-1"] != 1 {
		t.Fatalf("expected 1 unread for recipient, got %d", seen.UnreadCounts["freelancer-1"])
	}
	if seen.LastMessage != "hello" {
		t.Fatalf("expected preview, got %q", seen.LastMessage)
	}

	rec = env.do(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/read", nil, asOther)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: got %d", rec.Code)
	}
	rec = env.do(http.MethodGet, "/api/v1/conversations/"+conv.ID, nil, asOther)
	if err := json.Unmarshal(rec.Body.Bytes(), &seen); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seen.UnreadCounts["freelancer-1"] != 0 {
		t.Fatalf("expected 0 unread after read, got %d", seen.UnreadCounts["freelancer-1"])
	}

	rec = env.do(http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages: got %d", rec.Code)
	}
	var history struct {
		Messages []messageView `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Messages) != 1 || history.Messages[0].Text != "hello" {
		t.Fatalf("unexpected history: %+v", history.Messages)
	}
}

func TestConversationOutsiderForbidden(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/conversations", []byte(`{"participants":["freelancer-1"],"jobId":"job-o"}`))
	var conv conversationView
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}

	outsider, _, err := env.issuer.Issue("stranger", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	asOutsider := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+outsider) }

	rec = env.do(http.MethodGet, "/api/v1/conversations/"+conv.ID, nil, asOutsider)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on get, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", []byte(`{"text":"hi"}`), asOutsider)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on message, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/health", nil, func(r *http.Request) {
		r.Header.Del("Authorization")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", resp.Status)
	}
}

func TestLoginIssuesToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/auth/login",
		[]byte(`{"userId":"u-1","walletAddress":"0x00000000000000000000000000000000000000dd"}`),
		func(r *http.Request) { r.Header.Del("Authorization") })
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sess, err := env.issuer.Validate(resp.Token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess.UserID != "u-1" {
		t.Fatalf("expected u-1, got %q", sess.UserID)
	}
	if resp.ExpiresIn <= 0 {
		t.Fatal("expected a positive expiry")
	}
}

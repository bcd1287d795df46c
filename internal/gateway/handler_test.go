package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmesh/paygate/internal/broker"
	"github.com/agentmesh/paygate/internal/convo"
	"github.com/agentmesh/paygate/internal/ledger"
)

const (
	payTo     = "0x3333333333333333333333333333333333333333"
	goodRef   = "0xabcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	staleRef  = "0x9999999999999999999999999999999999999999999999999999999999999999"
	testCtxID = "ctx-agent-7"
)

// scriptedVerifier returns a canned result per reference.
type scriptedVerifier struct {
	results map[string]ledger.VerificationResult
	calls   int
}

func (s *scriptedVerifier) Verify(_ context.Context, proof ledger.Proof, _ ledger.Terms) ledger.VerificationResult {
	s.calls++
	if r, ok := s.results[proof.Reference]; ok {
		return r
	}
	return ledger.VerificationResult{Code: ledger.CodeTransactionNotFound, Reason: "transaction not found"}
}

// countingDownstream records invocations and echoes a fixed result.
type countingDownstream struct {
	calls int
	err   error
}

func (d *countingDownstream) Handle(_ context.Context, _, _ string, _ json.RawMessage) (json.RawMessage, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return json.RawMessage(`{"answer":"done"}`), nil
}

// fixedPricing gates everything at one price except named free operations.
type fixedPricing struct {
	amount string
	free   map[string]bool
}

func (p fixedPricing) PriceFor(op string) (string, bool) {
	if p.free[op] {
		return "", false
	}
	return p.amount, true
}

type fixture struct {
	router   *gin.Engine
	brk      *broker.Broker
	cache    *convo.Cache
	verifier *scriptedVerifier
	work     *countingDownstream
}

func newFixture(t *testing.T, allowSynth bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	f := &fixture{
		brk:   broker.New(rdb, 18, 30*time.Minute),
		cache: convo.New(rdb, 24*time.Hour),
		verifier: &scriptedVerifier{results: map[string]ledger.VerificationResult{
			goodRef: {Verified: true},
		}},
		work: &countingDownstream{},
	}

	h := NewHandler(f.brk, f.cache, f.verifier, f.work,
		fixedPricing{amount: "0.1", free: map[string]bool{"ping": true}},
		"HBAR", payTo, allowSynth, zap.NewNop())

	f.router = gin.New()
	api := f.router.Group("/a2a")
	h.Register(api)
	return f
}

func (f *fixture) post(t *testing.T, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/a2a/messages", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeGating(t *testing.T, w *httptest.ResponseRecorder) GatingResponse {
	t.Helper()
	var g GatingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &g); err != nil {
		t.Fatalf("decode gating response: %v (%s)", err, w.Body.String())
	}
	return g
}

func message(payment *paymentBody) map[string]any {
	m := map[string]any{"contextId": testCtxID, "operation": "summarize"}
	if payment != nil {
		m["payment"] = payment
	}
	return m
}

// Scenario A: no proof, payment required -> 402 with the requirement.
func TestHandle_NoProofReturnsPaymentRequired(t *testing.T) {
	f := newFixture(t, false)

	w := f.post(t, message(nil), nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status: got %d want 402 (%s)", w.Code, w.Body.String())
	}

	g := decodeGating(t, w)
	if !g.PaymentRequired {
		t.Error("paymentRequired must be true")
	}
	if g.Payment.Amount != "0.1" || g.Payment.Token != "HBAR" {
		t.Errorf("terms: got %s %s want 0.1 HBAR", g.Payment.Amount, g.Payment.Token)
	}
	if g.Payment.Address != payTo {
		t.Errorf("address: got %s want %s", g.Payment.Address, payTo)
	}
	if g.Payment.RequestID == "" {
		t.Error("expected a request ID")
	}
	if g.Instructions == "" {
		t.Error("expected retry instructions")
	}
	if f.work.calls != 0 {
		t.Errorf("downstream called %d times before payment", f.work.calls)
	}

	// The requirement is retrievable for the retry.
	req, err := f.brk.Lookup(context.Background(), g.Payment.RequestID)
	if err != nil || req == nil {
		t.Fatalf("issued requirement not stored: %v %+v", err, req)
	}
}

// Scenario B: retry with a valid proof -> verified, cached, downstream once.
func TestHandle_ValidProofForwardsDownstream(t *testing.T) {
	f := newFixture(t, false)

	first := f.post(t, message(nil), nil)
	g := decodeGating(t, first)

	w := f.post(t, message(&paymentBody{RequestID: g.Payment.RequestID, Reference: goodRef}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}
	if f.work.calls != 1 {
		t.Errorf("downstream calls: got %d want 1", f.work.calls)
	}

	ok, err := f.cache.IsVerified(context.Background(), testCtxID)
	if err != nil || !ok {
		t.Fatalf("context not marked verified: %v %v", ok, err)
	}

	// Settled requirement is evicted.
	req, _ := f.brk.Lookup(context.Background(), g.Payment.RequestID)
	if req != nil {
		t.Error("requirement should be removed after settlement")
	}
}

// Scenario C: second message on a verified context skips the verifier.
func TestHandle_VerifiedContextBypassesVerification(t *testing.T) {
	f := newFixture(t, false)

	if err := f.cache.MarkVerified(context.Background(), testCtxID, goodRef); err != nil {
		t.Fatal(err)
	}

	w := f.post(t, message(nil), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}
	if f.verifier.calls != 0 {
		t.Errorf("verifier called %d times for a cleared context", f.verifier.calls)
	}
	if f.work.calls != 1 {
		t.Errorf("downstream calls: got %d want 1", f.work.calls)
	}
}

// Scenario D: proof for a not-yet-indexed transaction -> REJECTED with retry
// guidance, no context mutation.
func TestHandle_UnindexedProofRejectedWithoutCaching(t *testing.T) {
	f := newFixture(t, false)
	f.verifier.results[staleRef] = ledger.VerificationResult{
		Code:   ledger.CodeTransactionNotFound,
		Reason: "transaction not found (it may not be indexed yet; retry shortly)",
	}

	first := f.post(t, message(nil), nil)
	g := decodeGating(t, first)

	w := f.post(t, message(&paymentBody{RequestID: g.Payment.RequestID, Reference: staleRef}), nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status: got %d want 402 (%s)", w.Code, w.Body.String())
	}

	rej := decodeGating(t, w)
	if rej.Code != ledger.CodeTransactionNotFound {
		t.Errorf("code: got %q want TransactionNotFound", rej.Code)
	}
	if rej.Payment.Amount != "0.1" || rej.Payment.RequestID != g.Payment.RequestID {
		t.Errorf("rejection must echo the original terms, got %+v", rej.Payment)
	}

	ok, _ := f.cache.IsVerified(context.Background(), testCtxID)
	if ok {
		t.Error("failed verification must not mark the context verified")
	}
	if f.work.calls != 0 {
		t.Errorf("downstream called %d times on rejection", f.work.calls)
	}
}

func TestHandle_HeaderProofTakesPrecedence(t *testing.T) {
	f := newFixture(t, false)

	first := f.post(t, message(nil), nil)
	g := decodeGating(t, first)

	// Body carries a bad reference, header the good one; header wins.
	w := f.post(t,
		message(&paymentBody{RequestID: g.Payment.RequestID, Reference: staleRef}),
		map[string]string{HeaderSettlementReference: goodRef},
	)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}
}

func TestHandle_TxHashAliasAccepted(t *testing.T) {
	f := newFixture(t, false)

	first := f.post(t, message(nil), nil)
	g := decodeGating(t, first)

	w := f.post(t, message(&paymentBody{RequestID: g.Payment.RequestID, TxHash: goodRef}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}
}

func TestHandle_FreeOperationSkipsGating(t *testing.T) {
	f := newFixture(t, false)

	w := f.post(t, map[string]any{"contextId": testCtxID, "operation": "ping"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}
	if f.verifier.calls != 0 {
		t.Error("free operation must not invoke the verifier")
	}
}

func TestHandle_UnknownRequestIDGetsFreshRequirement(t *testing.T) {
	f := newFixture(t, false)

	w := f.post(t, message(&paymentBody{RequestID: "pr_expired", Reference: goodRef}), nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status: got %d want 402 (%s)", w.Code, w.Body.String())
	}

	g := decodeGating(t, w)
	if g.Payment.RequestID == "" || g.Payment.RequestID == "pr_expired" {
		t.Errorf("expected a fresh requirement, got %q", g.Payment.RequestID)
	}
	if g.Error == "" {
		t.Error("expected an explanation for the unusable proof")
	}
	if f.verifier.calls != 0 {
		t.Error("proof without a resolvable requirement must not be verified by default")
	}
}

func TestHandle_SynthesizedTermsWhenEnabled(t *testing.T) {
	f := newFixture(t, true)

	w := f.post(t, message(&paymentBody{Reference: goodRef}), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d want 200 (%s)", w.Code, w.Body.String())
	}
	if f.verifier.calls != 1 {
		t.Errorf("verifier calls: got %d want 1", f.verifier.calls)
	}
}

func TestHandle_MalformedBodyIsBadRequestNotPanic(t *testing.T) {
	f := newFixture(t, false)

	req := httptest.NewRequest(http.MethodPost, "/a2a/messages", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want 400", w.Code)
	}
}

func TestHandle_MissingContextID(t *testing.T) {
	f := newFixture(t, false)

	w := f.post(t, map[string]any{"operation": "summarize"}, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want 400", w.Code)
	}
}

func TestHandle_DownstreamErrorPassesThrough(t *testing.T) {
	f := newFixture(t, false)
	f.work.err = context.DeadlineExceeded

	if err := f.cache.MarkVerified(context.Background(), testCtxID, goodRef); err != nil {
		t.Fatal(err)
	}
	w := f.post(t, message(nil), nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d want 502 (%s)", w.Code, w.Body.String())
	}
	// Downstream failure is outside the protocol: the payment stays cleared.
	ok, _ := f.cache.IsVerified(context.Background(), testCtxID)
	if !ok {
		t.Error("context must remain verified after a downstream failure")
	}
}

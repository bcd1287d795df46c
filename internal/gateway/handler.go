// Package gateway gates agent-to-agent requests behind payment proof.
//
// Each request moves through NEW -> (AWAITING_PAYMENT | VERIFYING) ->
// (COMPLETED | REJECTED). Counterparties are untrusted remote agents, so
// malformed proofs are answered with structured gating responses, never 5xx.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/paygate/internal/broker"
	"github.com/agentmesh/paygate/internal/convo"
	"github.com/agentmesh/paygate/internal/ledger"
)

// ProofVerifier is satisfied by ledger.Verifier. Decoupled here so gateway
// tests can script verification outcomes.
type ProofVerifier interface {
	Verify(ctx context.Context, proof ledger.Proof, terms ledger.Terms) ledger.VerificationResult
}

// Downstream processes a request once payment is cleared. Opaque to the
// gateway: its response or error passes straight back to the caller.
type Downstream interface {
	Handle(ctx context.Context, contextID, operation string, params json.RawMessage) (json.RawMessage, error)
}

// Pricing answers what an operation costs. Implemented by config.Config.
type Pricing interface {
	PriceFor(operation string) (amount string, gated bool)
}

// Handler wires the payment-gating state machine onto a Gin engine.
type Handler struct {
	brk      *broker.Broker
	cache    *convo.Cache
	verifier ProofVerifier
	work     Downstream
	pricing  Pricing

	token      string
	recipient  string
	allowSynth bool
	log        *zap.Logger
}

func NewHandler(
	brk *broker.Broker,
	cache *convo.Cache,
	verifier ProofVerifier,
	work Downstream,
	pricing Pricing,
	token, recipient string,
	allowSynth bool,
	log *zap.Logger,
) *Handler {
	return &Handler{
		brk:        brk,
		cache:      cache,
		verifier:   verifier,
		work:       work,
		pricing:    pricing,
		token:      token,
		recipient:  recipient,
		allowSynth: allowSynth,
		log:        log,
	}
}

// Register mounts the gateway's single entry point.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/messages", h.Handle)
}

// Handle runs one request through the gating state machine.
func (h *Handler) Handle(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if msg.ContextID == "" || msg.Operation == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contextId and operation are required"})
		return
	}

	ctx := c.Request.Context()

	// Already-paid conversations skip gating entirely, proof or no proof.
	verified, err := h.cache.IsVerified(ctx, msg.ContextID)
	if err != nil {
		// Fail closed: an unreadable cache demands payment rather than
		// giving work away.
		h.log.Error("conversation cache read failed", zap.String("context", msg.ContextID), zap.Error(err))
	}
	if verified {
		h.complete(c, &msg)
		return
	}

	proof := extractProof(c.GetHeader(HeaderSettlementReference), msg.Payment)
	if proof != nil {
		h.verifying(c, &msg, proof)
		return
	}

	amount, gated := h.pricing.PriceFor(msg.Operation)
	if !gated {
		h.complete(c, &msg)
		return
	}

	h.awaitPayment(c, &msg, amount, "")
}

// verifying resolves the requirement behind a proof and checks it against
// the ledger.
func (h *Handler) verifying(c *gin.Context, msg *Message, proof *ledger.Proof) {
	ctx := c.Request.Context()

	var req *broker.Requirement
	if proof.RequestID != "" {
		r, err := h.brk.Lookup(ctx, proof.RequestID)
		if err != nil {
			h.log.Error("requirement lookup failed", zap.String("request_id", proof.RequestID), zap.Error(err))
		}
		req = r
	}

	var terms ledger.Terms
	switch {
	case req != nil:
		terms = ledger.Terms{Amount: req.Amount, Token: req.Token, Recipient: common.HexToAddress(req.Recipient)}
	default:
		amount, gated := h.pricing.PriceFor(msg.Operation)
		if !gated {
			// Stray proof on an ungated operation; nothing to collect.
			h.complete(c, msg)
			return
		}
		if !h.allowSynth {
			// The cited requirement is unknown or expired and synthesizing
			// terms from defaults is disabled. Issue fresh terms instead of
			// guessing what the proof should have paid.
			h.awaitPayment(c, msg, amount, "unknown or expired payment request; a fresh requirement is attached")
			return
		}
		terms = ledger.Terms{Amount: amount, Token: h.token, Recipient: common.HexToAddress(h.recipient)}
	}

	res := h.verifier.Verify(ctx, *proof, terms)
	if !res.Verified {
		h.log.Info("settlement proof rejected",
			zap.String("context", msg.ContextID),
			zap.String("reference", proof.Reference),
			zap.String("code", string(res.Code)),
			zap.String("reason", res.Reason),
		)
		h.reject(c, msg, proof, terms, res)
		return
	}

	if err := h.cache.MarkVerified(ctx, msg.ContextID, proof.Reference); err != nil {
		// The proof checked out; at worst the next message re-verifies.
		h.log.Error("mark verified failed", zap.String("context", msg.ContextID), zap.Error(err))
	}
	if req != nil {
		if err := h.brk.Settle(ctx, req.RequestID); err != nil {
			h.log.Warn("settle requirement failed", zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}
	h.log.Info("payment verified",
		zap.String("context", msg.ContextID),
		zap.String("reference", proof.Reference),
	)
	h.complete(c, msg)
}

// awaitPayment issues a requirement and returns the 402 gating response. An
// optional note explains why an attached proof could not be used.
func (h *Handler) awaitPayment(c *gin.Context, msg *Message, amount, note string) {
	req, err := h.brk.Create(
		c.Request.Context(),
		amount,
		h.token,
		h.recipient,
		"payment for operation "+msg.Operation,
	)
	if err != nil {
		// Misconfigured pricing, not caller input; this one is on us.
		h.log.Error("create requirement failed", zap.String("operation", msg.Operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment requirement unavailable"})
		return
	}

	c.JSON(http.StatusPaymentRequired, GatingResponse{
		PaymentRequired: true,
		Error:           note,
		Payment:         envelopeFor(req),
		Instructions:    retryInstructions,
	})
}

// reject returns a 402 carrying the verification failure and the original
// terms so the caller can retry once the ledger catches up.
func (h *Handler) reject(c *gin.Context, msg *Message, proof *ledger.Proof, terms ledger.Terms, res ledger.VerificationResult) {
	c.JSON(http.StatusPaymentRequired, GatingResponse{
		PaymentRequired: true,
		Error:           res.Reason,
		Code:            res.Code,
		Payment: PaymentEnvelope{
			RequestID:   proof.RequestID,
			Amount:      terms.Amount,
			Token:       terms.Token,
			Address:     terms.Recipient.Hex(),
			Description: "payment for operation " + msg.Operation,
		},
		Instructions: retryInstructions,
	})
}

// complete forwards to the downstream handler. Downstream failures are the
// caller's concern, not this protocol's.
func (h *Handler) complete(c *gin.Context, msg *Message) {
	out, err := h.work.Handle(c.Request.Context(), msg.ContextID, msg.Operation, msg.Params)
	if err != nil {
		h.log.Warn("downstream handler failed",
			zap.String("context", msg.ContextID),
			zap.String("operation", msg.Operation),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if len(out) == 0 {
		out = json.RawMessage(`null`)
	}
	c.JSON(http.StatusOK, Result{ContextID: msg.ContextID, Result: out})
}

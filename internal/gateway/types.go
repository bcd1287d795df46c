package gateway

import (
	"encoding/json"
	"strings"

	"github.com/agentmesh/paygate/internal/broker"
	"github.com/agentmesh/paygate/internal/ledger"
)

// HeaderSettlementReference is the transport-header form of a settlement
// proof: a single token carrying the ledger transaction reference. When both
// header and body proofs are present, the header wins.
const HeaderSettlementReference = "X-Settlement-Reference"

// Message is an incoming agent-to-agent request.
type Message struct {
	ContextID string          `json:"contextId"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`
	Payment   *paymentBody    `json:"payment,omitempty"`
}

// paymentBody is the body-field form of a settlement proof. Older callers
// send the reference as txHash.
type paymentBody struct {
	RequestID string `json:"requestId,omitempty"`
	Reference string `json:"reference,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Token     string `json:"token,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

func (p *paymentBody) toProof() ledger.Proof {
	ref := p.Reference
	if ref == "" {
		ref = p.TxHash
	}
	return ledger.Proof{
		RequestID: p.RequestID,
		Reference: ref,
		Amount:    p.Amount,
		Token:     p.Token,
		Sender:    p.Sender,
		Recipient: p.Recipient,
	}
}

// extractProof resolves the effective proof from header and body forms.
// Returns nil when the request carries no proof at all.
func extractProof(headerRef string, body *paymentBody) *ledger.Proof {
	headerRef = strings.TrimSpace(headerRef)
	if headerRef != "" {
		p := ledger.Proof{Reference: headerRef}
		// The header only names the reference; keep the body's requestId so
		// the original terms can still be recovered.
		if body != nil {
			p.RequestID = body.RequestID
		}
		return &p
	}
	if body != nil {
		p := body.toProof()
		if p.Reference != "" || p.RequestID != "" {
			return &p
		}
	}
	return nil
}

// PaymentEnvelope is the payment block of a gating response.
type PaymentEnvelope struct {
	RequestID   string `json:"requestId"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

func envelopeFor(r *broker.Requirement) PaymentEnvelope {
	return PaymentEnvelope{
		RequestID:   r.RequestID,
		Amount:      r.Amount,
		Token:       r.Token,
		Address:     r.Recipient,
		Description: r.Description,
	}
}

// GatingResponse is the structured "payment required" reply. It always
// carries enough detail for the caller to retry correctly.
type GatingResponse struct {
	PaymentRequired bool            `json:"paymentRequired"`
	Error           string          `json:"error,omitempty"`
	Code            ledger.Code     `json:"code,omitempty"`
	Payment         PaymentEnvelope `json:"payment"`
	Instructions    string          `json:"instructions,omitempty"`
}

const retryInstructions = "retry the same request with the settlement transaction reference in the " +
	HeaderSettlementReference + " header or the payment.reference body field"

// Result wraps a completed downstream response.
type Result struct {
	ContextID string          `json:"contextId"`
	Result    json.RawMessage `json:"result"`
}

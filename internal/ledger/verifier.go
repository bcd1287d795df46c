package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// TxReader is the read-only ledger query surface verification needs.
// *ethclient.Client satisfies it.
type TxReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Proof is caller-supplied evidence of a settled payment. Untrusted until
// verified. Only Reference is mandatory; the other fields, when present, are
// cross-checked against the required terms.
type Proof struct {
	RequestID string `json:"requestId,omitempty"`
	Reference string `json:"reference"`
	Amount    string `json:"amount,omitempty"`
	Token     string `json:"token,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// Terms are what the referenced transaction must satisfy.
type Terms struct {
	Amount    string
	Token     string
	Recipient common.Address
}

// VerificationResult is the outcome of one verification attempt. Failure is a
// normal outcome, not an error: Code and Reason explain a Verified=false.
type VerificationResult struct {
	Verified bool
	Code     Code
	Reason   string
}

func failed(code Code, reason string) VerificationResult {
	return VerificationResult{Code: code, Reason: reason}
}

// Verifier checks settlement proofs against a ledger via read-only queries.
// It never retries: ledgers index asynchronously, so a TransactionNotFound
// shortly after submission is expected and retry policy belongs to the caller.
type Verifier struct {
	reader        TxReader
	tokenSymbol   string
	tokenDecimals int
	log           *zap.Logger
}

func NewVerifier(reader TxReader, tokenSymbol string, tokenDecimals int, log *zap.Logger) *Verifier {
	return &Verifier{reader: reader, tokenSymbol: tokenSymbol, tokenDecimals: tokenDecimals, log: log}
}

// Verify confirms that proof.Reference names a successful transfer of at
// least terms.Amount of terms.Token to terms.Recipient. Idempotent and
// side-effect free.
func (v *Verifier) Verify(ctx context.Context, proof Proof, terms Terms) VerificationResult {
	ref := strings.TrimSpace(proof.Reference)
	if ref == "" {
		return failed(CodeTransactionNotFound, "no settlement reference supplied")
	}
	if !isTxHash(ref) {
		return failed(CodeTransactionNotFound, "malformed settlement reference: "+ref)
	}

	required, err := ParseAmount(terms.Amount, v.tokenDecimals)
	if err != nil {
		return failed(CodeInvalidAmount, "required terms carry an invalid amount: "+terms.Amount)
	}

	if proof.Token != "" && !strings.EqualFold(proof.Token, terms.Token) {
		return failed(CodeAmountMismatch, "proof token "+proof.Token+" does not match required "+terms.Token)
	}
	if proof.Recipient != "" && !strings.EqualFold(proof.Recipient, terms.Recipient.Hex()) {
		return failed(CodeRecipientMismatch, "proof recipient does not match required "+terms.Recipient.Hex())
	}
	if proof.Amount != "" {
		claimed, err := ParseAmount(proof.Amount, v.tokenDecimals)
		if err != nil {
			return failed(CodeInvalidAmount, "proof carries an invalid amount: "+proof.Amount)
		}
		if claimed.Cmp(required) < 0 {
			return failed(CodeAmountMismatch, "claimed amount "+proof.Amount+" below required "+terms.Amount)
		}
	}

	hash := common.HexToHash(ref)
	tx, pending, err := v.reader.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return failed(CodeTransactionNotFound, "transaction not found (it may not be indexed yet; retry shortly)")
		}
		v.log.Warn("ledger query failed", zap.String("reference", ref), zap.Error(err))
		return failed(CodeLedgerUnavailable, "ledger query failed: "+err.Error())
	}
	if pending {
		return failed(CodeTransactionNotFound, "transaction not yet confirmed; retry shortly")
	}

	receipt, err := v.reader.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return failed(CodeTransactionNotFound, "transaction receipt not available yet; retry shortly")
		}
		return failed(CodeLedgerUnavailable, "receipt query failed: "+err.Error())
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return failed(CodeTransactionNotFound, "referenced transaction reverted; no transfer occurred")
	}

	if tx.To() == nil || *tx.To() != terms.Recipient {
		return failed(CodeRecipientMismatch, "transfer did not pay "+terms.Recipient.Hex())
	}
	if tx.Value().Cmp(required) < 0 {
		return failed(CodeAmountMismatch,
			"transferred "+FormatAmount(tx.Value(), v.tokenDecimals)+" "+terms.Token+
				", required "+terms.Amount+" "+terms.Token)
	}

	if tx.Value().Cmp(required) > 0 {
		v.log.Info("overpayment accepted",
			zap.String("reference", ref),
			zap.String("required", terms.Amount),
			zap.String("transferred", FormatAmount(tx.Value(), v.tokenDecimals)),
		)
	}
	return VerificationResult{Verified: true}
}

// isTxHash reports whether s is a 32-byte hex transaction hash.
func isTxHash(s string) bool {
	h := strings.TrimPrefix(s, "0x")
	if len(h) != 2*common.HashLength {
		return false
	}
	for _, c := range h {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// RequiredUnits exposes the configured-decimals conversion for callers that
// need to compare amounts outside a Verify call.
func (v *Verifier) RequiredUnits(amount string) (*big.Int, error) {
	return ParseAmount(amount, v.tokenDecimals)
}

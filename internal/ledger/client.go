// Package ledger submits and verifies value transfers on an EVM-compatible
// ledger reached through an ordered pool of JSON-RPC endpoints.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/agentmesh/paygate/internal/config"
	"github.com/agentmesh/paygate/internal/retry"
)

const transferGasLimit = 21000

// Endpoint is one entry in the failover pool.
type Endpoint struct {
	Name string
	URL  string
}

// conn is the slice of the RPC surface a single submission attempt needs.
// *ethclient.Client satisfies it.
type conn interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Client submits transfers with per-endpoint retry and pool failover.
// Each attempt dials a fresh connection: a stale keep-alive socket on a flaky
// relay is a more common failure than the extra handshake is a cost.
type Client struct {
	pool           []Endpoint
	operatorKey    *ecdsa.PrivateKey
	operatorAddr   common.Address
	chainID        *big.Int
	tokenSymbol    string
	tokenDecimals  int
	maxAttempts    int
	confirmTimeout time.Duration
	log            *zap.Logger

	// test seams
	dial  func(ctx context.Context, url string) (conn, error)
	sleep func(ctx context.Context, d time.Duration) error
	poll  time.Duration
}

func NewClient(cfg *config.Config, log *zap.Logger) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Ledger.OperatorKey, "0x"))
	if err != nil {
		return nil, Errf(CodeSubmissionRejected, err, "parse operator key")
	}
	pool := make([]Endpoint, 0, len(cfg.Ledger.Endpoints))
	for _, u := range cfg.Ledger.Endpoints {
		pool = append(pool, Endpoint{Name: hostOf(u), URL: u})
	}
	return &Client{
		pool:           pool,
		operatorKey:    key,
		operatorAddr:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.Ledger.ChainID),
		tokenSymbol:    cfg.Ledger.TokenSymbol,
		tokenDecimals:  cfg.Ledger.TokenDecimals,
		maxAttempts:    cfg.Ledger.MaxAttempts,
		confirmTimeout: time.Duration(cfg.Ledger.ConfirmTimeoutSec) * time.Second,
		log:            log,
		dial:           dialEth,
		poll:           2 * time.Second,
	}, nil
}

func hostOf(rawURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func dialEth(ctx context.Context, url string) (conn, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SubmitResult reports a confirmed (or at least submitted) transfer.
type SubmitResult struct {
	Reference   string
	ConfirmedAt time.Time
}

// SubmitTransfer sends amount of token to recipient, trying each endpoint in
// pool order with exponential backoff on retryable errors.
//
// A ConfirmationTimeout result still carries the transaction reference: the
// transfer may already be in flight, so the caller must re-check that
// reference rather than resubmit.
func (c *Client) SubmitTransfer(ctx context.Context, recipient common.Address, amount, token string) (*SubmitResult, error) {
	if !strings.EqualFold(token, c.tokenSymbol) {
		return nil, Errf(CodeSubmissionRejected, nil, "unsupported token %q (network settles %s)", token, c.tokenSymbol)
	}
	units, err := ParseAmount(amount, c.tokenDecimals)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ep := range c.pool {
		policy := retry.Policy{
			MaxAttempts: c.maxAttempts,
			BaseDelay:   2 * time.Second,
			MaxDelay:    16 * time.Second,
			Retryable:   isRetryable,
			Sleep:       c.sleep,
		}

		var res *SubmitResult
		attemptErr := retry.Do(ctx, policy, func() error {
			r, err := c.attempt(ctx, ep, recipient, units)
			if err != nil {
				c.log.Warn("submission attempt failed",
					zap.String("endpoint", ep.Name),
					zap.Error(err),
				)
				return err
			}
			res = r
			return nil
		})
		if attemptErr == nil {
			c.log.Info("transfer submitted",
				zap.String("endpoint", ep.Name),
				zap.String("reference", res.Reference),
				zap.String("amount", amount),
			)
			return res, nil
		}

		// Non-retryable outcomes abort the whole call: failing over after an
		// accepted-but-unconfirmed or rejected send risks a double spend.
		switch CodeOf(attemptErr) {
		case CodeFundsUnavailable, CodeSubmissionRejected:
			return nil, attemptErr
		case CodeConfirmationTimeout:
			var e *Error
			errors.As(attemptErr, &e)
			return &SubmitResult{Reference: e.Msg}, Errf(CodeConfirmationTimeout, nil,
				"transfer %s unconfirmed after %s; re-verify by reference, do not resubmit", e.Msg, c.confirmTimeout)
		}

		lastErr = attemptErr
		c.log.Warn("endpoint exhausted, failing over", zap.String("endpoint", ep.Name), zap.Error(attemptErr))
	}

	return nil, Errf(CodeAllEndpointsFailed, lastErr, "all %d endpoints failed", len(c.pool))
}

// attempt performs one full submit-and-confirm cycle against one endpoint.
func (c *Client) attempt(ctx context.Context, ep Endpoint, recipient common.Address, units *big.Int) (*SubmitResult, error) {
	cn, err := c.dial(ctx, ep.URL)
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	nonce, err := cn.PendingNonceAt(ctx, c.operatorAddr)
	if err != nil {
		return nil, err
	}
	gasPrice, err := cn.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTransaction(nonce, recipient, units, transferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.operatorKey)
	if err != nil {
		return nil, Errf(CodeSubmissionRejected, err, "sign transaction")
	}

	if err := cn.SendTransaction(ctx, signed); err != nil {
		return nil, classifySendError(err)
	}

	ref := signed.Hash()
	confirmedAt, err := c.waitConfirmed(ctx, cn, ref)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Reference: ref.Hex(), ConfirmedAt: confirmedAt}, nil
}

// waitConfirmed polls for the receipt until confirmTimeout elapses.
func (c *Client) waitConfirmed(ctx context.Context, cn conn, ref common.Hash) (time.Time, error) {
	deadline := time.Now().Add(c.confirmTimeout)
	sleep := c.sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}

	for {
		receipt, err := cn.TransactionReceipt(ctx, ref)
		if err == nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return time.Time{}, Errf(CodeSubmissionRejected, nil, "transaction reverted: %s", ref.Hex())
			}
			return time.Now(), nil
		}
		if ctx.Err() != nil {
			return time.Time{}, ctx.Err()
		}
		if time.Now().After(deadline) {
			// Msg carries the bare reference so SubmitTransfer can surface it.
			return time.Time{}, &Error{Code: CodeConfirmationTimeout, Msg: ref.Hex()}
		}
		if err := sleep(ctx, c.poll); err != nil {
			return time.Time{}, err
		}
	}
}

// classifySendError maps an RPC rejection onto the error taxonomy.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient balance"):
		return Errf(CodeFundsUnavailable, err, "operator balance too low")
	case isRetryable(err):
		return err
	default:
		return Errf(CodeSubmissionRejected, err, "endpoint rejected transaction")
	}
}

// isRetryable reports whether an error looks like a transient transport
// failure worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if CodeOf(err) != "" {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"timeout",
		"timed out",
		"eof",
		"broken pipe",
		"no such host",
		"temporarily unavailable",
		"502", "503",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

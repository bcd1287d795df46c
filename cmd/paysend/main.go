// paysend submits a transfer through the configured endpoint pool and waits
// for it to become verifiable. Useful for driving a gated agent by hand:
// take the printed reference and retry the request with it attached.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/agentmesh/paygate/internal/config"
	"github.com/agentmesh/paygate/internal/ledger"
)

func main() {
	var (
		to     = flag.String("to", "", "recipient address (0x...)")
		amount = flag.String("amount", "0.1", "decimal amount to transfer")
		token  = flag.String("token", "HBAR", "token symbol")
	)
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync() //nolint:errcheck

	if *to == "" || !common.IsHexAddress(*to) {
		fmt.Fprintln(os.Stderr, "usage: paysend -to 0x... [-amount 0.1] [-token HBAR]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if cfg.Ledger.OperatorKey == "" {
		log.Fatal("LEDGER_OPERATOR_KEY is required to submit transfers")
	}

	client, err := ledger.NewClient(cfg, log)
	if err != nil {
		log.Fatal("ledger client init failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	res, err := client.SubmitTransfer(ctx, common.HexToAddress(*to), *amount, *token)
	if err != nil {
		if ledger.CodeOf(err) == ledger.CodeConfirmationTimeout && res != nil {
			fmt.Printf("reference: %s\n", res.Reference)
			fmt.Println("confirmation timed out; re-check this reference, do NOT resubmit")
			os.Exit(1)
		}
		log.Fatal("submit failed", zap.Error(err))
	}

	fmt.Printf("reference:    %s\n", res.Reference)
	fmt.Printf("confirmed at: %s\n", res.ConfirmedAt.Format(time.RFC3339))

	// Ledgers index asynchronously; give the endpoint a moment before the
	// sanity re-check so a fresh transfer does not read as missing.
	delay := time.Duration(cfg.Ledger.IndexingDelaySec) * time.Second
	fmt.Printf("waiting %s for indexing...\n", delay)
	time.Sleep(delay)

	reader, err := ethclient.Dial(cfg.Ledger.Endpoints[0])
	if err != nil {
		log.Fatal("ledger dial failed", zap.Error(err))
	}
	verifier := ledger.NewVerifier(reader, cfg.Ledger.TokenSymbol, cfg.Ledger.TokenDecimals, log)
	check := verifier.Verify(ctx,
		ledger.Proof{Reference: res.Reference},
		ledger.Terms{Amount: *amount, Token: *token, Recipient: common.HexToAddress(*to)},
	)
	if check.Verified {
		fmt.Println("verified: transfer is visible and matches")
	} else {
		fmt.Printf("not yet verifiable: %s (%s)\n", check.Reason, check.Code)
	}
}

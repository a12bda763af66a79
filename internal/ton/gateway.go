package ton

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/miner-sl/ad-marketplace-sub000/internal/config"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
)

const txScanBatchSize = 32

// Gateway bridges deal state to the TON settlement network: one V4R2
// wallet per deal, payment detection against its address, and signed
// outbound transfers for release and refund.
type Gateway struct {
	api     ton.APIClientWrapped
	cipher  *KeyCipher
	network string
	log     *zap.Logger
}

// Connect establishes the lite client connection. A specific lite server
// is used when configured; otherwise servers are discovered from the
// global TON config for the configured network.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Gateway, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		var configURL string
		switch strings.ToLower(cfg.TONNetwork) {
		case "mainnet":
			configURL = "https://ton.org/global.config.json"
		default:
			configURL = "https://ton.org/testnet-global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.TONNetwork))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.ToLower(cfg.TONNetwork) == "mainnet" {
		proofPolicy = ton.ProofCheckPolicySecure
	}

	cipher, err := NewKeyCipher(cfg.EscrowSeedSecret)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		api:     ton.NewAPIClient(client, proofPolicy).WithRetry(),
		cipher:  cipher,
		network: cfg.TONNetwork,
		log:     log,
	}, nil
}

// GeneratedWallet is the material persisted for a fresh escrow wallet.
type GeneratedWallet struct {
	Address       string
	PublicKey     string // hex
	EncryptedSeed string
	Network       string
}

// GenerateWallet creates a new ed25519 key and derives its V4R2 wallet
// address. The key seed leaves this function only encrypted.
func (g *Gateway) GenerateWallet(ctx context.Context) (*GeneratedWallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}

	w, err := wallet.FromPrivateKey(g.api, priv, wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("derive wallet: %w", err)
	}

	encSeed, err := g.cipher.Encrypt(priv.Seed())
	if err != nil {
		return nil, fmt.Errorf("encrypt wallet key: %w", err)
	}

	return &GeneratedWallet{
		Address:       w.WalletAddress().String(),
		PublicKey:     hex.EncodeToString(pub),
		EncryptedSeed: encSeed,
		Network:       g.network,
	}, nil
}

// IsValidAddress reports whether s parses as a TON address.
func (g *Gateway) IsValidAddress(s string) bool {
	_, err := address.ParseAddr(s)
	return err == nil
}

// PaymentResult is the outcome of a payment check. BalanceOnly marks the
// lower-confidence fallback: the balance covers the expected amount but
// no single matching transaction could be identified.
type PaymentResult struct {
	Received    bool
	AmountNano  *big.Int
	TxHash      *string
	FromAddress *string
	BalanceOnly bool
}

// CheckPayment looks for an incoming transfer to addr of at least
// expectedNano within the recent window. Transaction history can be
// unreliable for brand-new addresses, so a raw balance check is the
// fallback when the scan finds nothing or fails.
func (g *Gateway) CheckPayment(ctx context.Context, addrStr string, expectedNano *big.Int, window time.Duration) (*PaymentResult, error) {
	addr, err := address.ParseAddr(addrStr)
	if err != nil {
		return nil, fmt.Errorf("parse address %s: %w", addrStr, err)
	}

	block, err := g.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}

	account, err := g.api.GetAccount(ctx, block, addr)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive {
		// Uninitialized wallets still accumulate balance from deposits.
		if account != nil && account.State != nil {
			return g.balanceResult(account.State.Balance.Nano(), expectedNano), nil
		}
		return &PaymentResult{Received: false}, nil
	}

	if account.LastTxLT != 0 {
		if res := g.scanRecentTxs(ctx, addr, account, expectedNano, window); res != nil {
			return res, nil
		}
	}

	return g.balanceResult(account.State.Balance.Nano(), expectedNano), nil
}

// scanRecentTxs walks transaction history newest-first and returns a
// result on the first incoming transfer meeting the expected amount.
// Returns nil when the scan is inconclusive so the caller can fall back.
func (g *Gateway) scanRecentTxs(ctx context.Context, addr *address.Address, account *tlb.Account, expectedNano *big.Int, window time.Duration) *PaymentResult {
	cutoff := time.Now().Add(-window).Unix()

	lt := account.LastTxLT
	hash := account.LastTxHash

	for {
		txs, err := g.api.ListTransactions(ctx, addr, txScanBatchSize, lt, hash)
		if err != nil {
			g.log.Warn("transaction scan failed, falling back to balance check",
				zap.String("address", addr.String()), zap.Error(err))
			return nil
		}
		if len(txs) == 0 {
			return nil
		}

		// ListTransactions returns oldest-first within a batch.
		for i := len(txs) - 1; i >= 0; i-- {
			tx := txs[i]
			if int64(tx.Now) < cutoff {
				return nil
			}

			if tx.IO.In == nil {
				continue
			}
			inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
			if !ok || inMsg == nil || inMsg.Bounced {
				continue
			}
			amount := inMsg.Amount.Nano()
			if amount.Sign() <= 0 || amount.Cmp(expectedNano) < 0 {
				continue
			}

			txHash := hex.EncodeToString(tx.Hash)
			res := &PaymentResult{Received: true, AmountNano: amount, TxHash: &txHash}
			if inMsg.SrcAddr != nil {
				from := inMsg.SrcAddr.String()
				res.FromAddress = &from
			}
			return res
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			return nil
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}
}

func (g *Gateway) balanceResult(balance, expectedNano *big.Int) *PaymentResult {
	if balance == nil || balance.Cmp(expectedNano) < 0 {
		return &PaymentResult{Received: false, AmountNano: balance}
	}
	return &PaymentResult{Received: true, AmountNano: balance, BalanceOnly: true}
}

// GetBalance returns the current balance of addr in nanoTON.
func (g *Gateway) GetBalance(ctx context.Context, addrStr string) (*big.Int, error) {
	addr, err := address.ParseAddr(addrStr)
	if err != nil {
		return nil, fmt.Errorf("parse address %s: %w", addrStr, err)
	}

	block, err := g.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}

	account, err := g.api.GetAccount(ctx, block, addr)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || account.State == nil {
		return big.NewInt(0), nil
	}
	return account.State.Balance.Nano(), nil
}

// Transfer signs and submits an outbound transfer from an escrow wallet,
// waiting for the transaction to land. The returned hash is the
// settlement-network reference stored on the ledger entry.
func (g *Gateway) Transfer(ctx context.Context, encryptedSeed, toAddr string, amountNano *big.Int, memo string) (string, error) {
	dest, err := address.ParseAddr(toAddr)
	if err != nil {
		return "", fmt.Errorf("parse destination %s: %w", toAddr, err)
	}

	seed, err := g.cipher.Decrypt(encryptedSeed)
	if err != nil {
		return "", err
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("malformed wallet key material")
	}

	w, err := wallet.FromPrivateKey(g.api, ed25519.NewKeyFromSeed(seed), wallet.V4R2)
	if err != nil {
		return "", fmt.Errorf("restore wallet: %w", err)
	}

	transfer, err := w.BuildTransfer(dest, tlb.FromNanoTON(amountNano), false, memo)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	tx, _, err := w.SendWaitTransaction(ctx, transfer)
	if err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	txHash := hex.EncodeToString(tx.Hash)
	g.log.Info("transfer submitted",
		zap.String("to", dest.String()),
		zap.String("amount_ton", FormatNano(amountNano)),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

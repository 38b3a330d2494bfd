package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"roundflow/pkg/types"
)

const (
	// betGasLimit leaves ample headroom over the observed cost of the bet
	// entrypoints; estimating gas on the send hot path would cost an extra
	// round trip inside the timing window.
	betGasLimit = 250_000

	// receiptPollInterval is how often WaitMined re-checks for the receipt.
	receiptPollInterval = 500 * time.Millisecond
)

// Transactor signs and submits bet transactions for a single wallet. It is
// the only type in the repository that ever touches the private key, and
// the key never appears in any log or error.
type Transactor struct {
	client *Client
	key    *ecdsa.PrivateKey
	addr   common.Address
	signer gethtypes.Signer
}

// NewTransactor derives the wallet from privateKeyHex (with or without the
// 0x prefix) and binds it to the client's chain.
func NewTransactor(ctx context.Context, client *Client, privateKeyHex string) (*Transactor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errors.New("parse private key: invalid key material")
	}
	chainID, err := client.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	return &Transactor{
		client: client,
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		signer: gethtypes.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the wallet's public address.
func (t *Transactor) Address() common.Address { return t.addr }

// PendingNonce reserves the next nonce for the wallet. Used by the arming
// path; the value is pinned into the final send.
func (t *Transactor) PendingNonce(ctx context.Context) (uint64, error) {
	nonce, err := t.client.backend.PendingNonceAt(ctx, t.addr)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	return nonce, nil
}

// GasPrice returns the chain's suggested gas price. The trader multiplies
// it by its configured bump before sending.
func (t *Transactor) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := t.client.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

// SendBet signs and submits betBull/betBear for the epoch with the given
// value, pinned nonce, and gas price. No retries: the caller owns the
// one-bet-per-epoch invariant, and a blind resend could double-bet.
func (t *Transactor) SendBet(ctx context.Context, dir types.Direction, epoch int64, amount decimal.Decimal, nonce uint64, gasPrice *big.Int) (common.Hash, error) {
	method := "betBull"
	if dir == types.DOWN {
		method = "betBear"
	}
	input, err := contractABI.Pack(method, big.NewInt(epoch))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &t.client.contract,
		Value:    WeiFromAmount(amount),
		Gas:      betGasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := gethtypes.SignTx(tx, t.signer, t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := t.client.backend.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), fmt.Errorf("send %s(%d): %w", method, epoch, err)
	}
	return signed.Hash(), nil
}

// WaitMined polls until the transaction has one confirmation or ctx ends.
// The returned receipt may carry a failed status; classifying that is the
// caller's job.
func (t *Transactor) WaitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.client.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package chain provides typed access to the prediction contract: round
// reads, bet/claim event filters, the live event subscription, and the
// payable bet entrypoints used by the trader.
//
// All prices decode as 8-decimal fixed point and all amounts as 18-decimal.
// Wallet addresses are lowercased at this boundary; nothing above it ever
// sees a checksummed address.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"roundflow/internal/config"
)

const (
	// retryBase is the first backoff step for transient RPC failures;
	// each further attempt doubles it.
	retryBase = 1 * time.Second

	priceDecimals  = 8
	amountDecimals = 18
)

// Backend is the slice of ethclient.Client the pipeline uses. Tests swap
// in a fake; production always passes the real client.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client wraps a chain backend with the contract address, retry policy,
// and call pacing shared by every component that talks to the chain.
type Client struct {
	backend  Backend
	contract common.Address
	pacer    *Pacer
	retryMax int
	log      *slog.Logger

	closeFn func()
}

// Dial connects to url (http(s) or ws(s)) and wraps the connection.
func Dial(ctx context.Context, url string, cfg config.ChainConfig, retryMax int, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain %s: %w", redactURL(url), err)
	}
	c, err := New(ec, cfg, retryMax, logger)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closeFn = ec.Close
	return c, nil
}

// New wraps an existing backend. retryMax bounds transient-error retries
// per call; cfg.CallDelayMS paces consecutive RPC requests.
func New(backend Backend, cfg config.ChainConfig, retryMax int, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddr) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddr)
	}
	if retryMax < 1 {
		retryMax = 1
	}
	return &Client{
		backend:  backend,
		contract: common.HexToAddress(cfg.ContractAddr),
		pacer:    NewPacer(cfg.CallDelay()),
		retryMax: retryMax,
		log:      logger.With("component", "chain"),
	}, nil
}

// Close releases the underlying connection when the client owns one.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// Contract returns the prediction contract address.
func (c *Client) Contract() common.Address { return c.contract }

// ————————————————————————————————————————————————————————————————————————
// Typed views
// ————————————————————————————————————————————————————————————————————————

// RoundData is the chain's view of one round. Timestamps are unix seconds;
// prices and amounts are already scaled to human units.
type RoundData struct {
	Epoch          int64
	StartTimestamp int64
	LockTimestamp  int64
	CloseTimestamp int64
	LockPrice      decimal.Decimal
	ClosePrice     decimal.Decimal
	TotalAmount    decimal.Decimal
	BullAmount     decimal.Decimal
	BearAmount     decimal.Decimal
	OracleCalled   bool
}

// Finalized reports whether both prices are set. Unfinalized rounds are
// never cached and never written to the store.
func (r RoundData) Finalized() bool {
	return r.LockPrice.IsPositive() && r.ClosePrice.IsPositive()
}

// LedgerEntry is a wallet's recorded position for one epoch.
type LedgerEntry struct {
	Position uint8 // 0 = bull, 1 = bear
	Amount   decimal.Decimal
	Claimed  bool
}

// HasBet reports whether the wallet already holds a position in the epoch.
func (l LedgerEntry) HasBet() bool { return l.Amount.IsPositive() }

// ————————————————————————————————————————————————————————————————————————
// Contract calls
// ————————————————————————————————————————————————————————————————————————

// CurrentEpoch reads the contract's live round number.
func (c *Client) CurrentEpoch(ctx context.Context) (int64, error) {
	out, err := c.call(ctx, "currentEpoch")
	if err != nil {
		return 0, err
	}
	epoch, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("currentEpoch: unexpected output type %T", out[0])
	}
	return epoch.Int64(), nil
}

// BufferSeconds reads the contract's bet-acceptance safety margin.
func (c *Client) BufferSeconds(ctx context.Context) (int64, error) {
	out, err := c.call(ctx, "bufferSeconds")
	if err != nil {
		return 0, err
	}
	buf, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("bufferSeconds: unexpected output type %T", out[0])
	}
	return buf.Int64(), nil
}

// Round reads one round's metadata by epoch.
func (c *Client) Round(ctx context.Context, epoch int64) (RoundData, error) {
	out, err := c.call(ctx, "rounds", big.NewInt(epoch))
	if err != nil {
		return RoundData{}, err
	}
	if len(out) != 14 {
		return RoundData{}, fmt.Errorf("rounds(%d): expected 14 outputs, got %d", epoch, len(out))
	}
	ints := make([]*big.Int, 13)
	for i := 0; i < 13; i++ {
		v, ok := out[i].(*big.Int)
		if !ok {
			return RoundData{}, fmt.Errorf("rounds(%d): output %d has type %T", epoch, i, out[i])
		}
		ints[i] = v
	}
	oracleCalled, ok := out[13].(bool)
	if !ok {
		return RoundData{}, fmt.Errorf("rounds(%d): output 13 has type %T", epoch, out[13])
	}
	return RoundData{
		Epoch:          ints[0].Int64(),
		StartTimestamp: ints[1].Int64(),
		LockTimestamp:  ints[2].Int64(),
		CloseTimestamp: ints[3].Int64(),
		LockPrice:      PriceFromFixed(ints[4]),
		ClosePrice:     PriceFromFixed(ints[5]),
		TotalAmount:    AmountFromFixed(ints[8]),
		BullAmount:     AmountFromFixed(ints[9]),
		BearAmount:     AmountFromFixed(ints[10]),
		OracleCalled:   oracleCalled,
	}, nil
}

// Ledger reads a wallet's position for an epoch. The trader checks this
// before sending so it never doubles an existing bet.
func (c *Client) Ledger(ctx context.Context, epoch int64, wallet common.Address) (LedgerEntry, error) {
	out, err := c.call(ctx, "ledger", big.NewInt(epoch), wallet)
	if err != nil {
		return LedgerEntry{}, err
	}
	if len(out) != 3 {
		return LedgerEntry{}, fmt.Errorf("ledger(%d): expected 3 outputs, got %d", epoch, len(out))
	}
	position, ok := out[0].(uint8)
	if !ok {
		return LedgerEntry{}, fmt.Errorf("ledger(%d): output 0 has type %T", epoch, out[0])
	}
	amount, ok := out[1].(*big.Int)
	if !ok {
		return LedgerEntry{}, fmt.Errorf("ledger(%d): output 1 has type %T", epoch, out[1])
	}
	claimed, ok := out[2].(bool)
	if !ok {
		return LedgerEntry{}, fmt.Errorf("ledger(%d): output 2 has type %T", epoch, out[2])
	}
	return LedgerEntry{Position: position, Amount: AmountFromFixed(amount), Claimed: claimed}, nil
}

// BlockTime resolves a block number to its timestamp.
func (c *Client) BlockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	var header *gethtypes.Header
	err := c.withRetry(ctx, "headerByNumber", func(ctx context.Context) error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		var callErr error
		header, callErr = c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
		return callErr
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Time), 0), nil
}

// HeadBlock returns the current chain head number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.withRetry(ctx, "blockNumber", func(ctx context.Context) error {
		var callErr error
		head, callErr = c.backend.BlockNumber(ctx)
		return callErr
	})
	return head, err
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.contract, Data: input}
	var raw []byte
	err = c.withRetry(ctx, method, func(ctx context.Context) error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		var callErr error
		raw, callErr = c.backend.CallContract(ctx, msg, nil)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// withRetry runs fn with exponential backoff. Every chain error is treated
// as potentially transient; callers that need stricter semantics (the
// trader) bypass this with retryMax 1.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	wait := retryBase
	for attempt := 1; attempt <= c.retryMax; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == c.retryMax {
			break
		}
		c.log.Warn("chain call failed, backing off",
			"op", op, "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ————————————————————————————————————————————————————————————————————————
// Fixed-point conversion
// ————————————————————————————————————————————————————————————————————————

// PriceFromFixed converts an 8-decimal fixed-point contract price.
func PriceFromFixed(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -priceDecimals)
}

// AmountFromFixed converts an 18-decimal fixed-point contract amount.
func AmountFromFixed(raw *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(raw, -amountDecimals)
}

// WeiFromAmount converts a human-unit amount to its 18-decimal wire form.
func WeiFromAmount(amount decimal.Decimal) *big.Int {
	return amount.Shift(amountDecimals).BigInt()
}

// redactURL reduces an endpoint to scheme://host so credentials embedded in
// RPC URLs (userinfo, path keys, query tokens) never reach a log line.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid-url>"
	}
	return u.Scheme + "://" + u.Host
}

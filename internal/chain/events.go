package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"roundflow/pkg/types"
)

// subscribeBuffer sizes both the raw log channel and the decoded event
// channel handed to the listener.
const subscribeBuffer = 256

// BetEvent is one decoded BetBull or BetBear log.
type BetEvent struct {
	Direction   types.Direction
	Epoch       int64
	Wallet      string // lowercase hex
	Amount      decimal.Decimal
	BlockNumber uint64
	TxHash      string // lowercase hex
}

// ClaimEvent is one decoded Claim log. BetEpoch is the round being claimed
// for; the round the claim landed in comes from the block range queried.
type ClaimEvent struct {
	BetEpoch    int64
	Wallet      string
	Amount      decimal.Decimal
	BlockNumber uint64
	TxHash      string
}

// FilterBets returns all bets of one side for one epoch over an inclusive
// block range.
func (c *Client) FilterBets(ctx context.Context, dir types.Direction, epoch int64, fromBlock, toBlock uint64) ([]BetEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{topicForDirection(dir == types.UP)},
			nil, // any sender
			{common.BigToHash(big.NewInt(epoch))},
		},
	}
	logs, err := c.filterLogs(ctx, fmt.Sprintf("filter %s bets", dir), query)
	if err != nil {
		return nil, err
	}
	events := make([]BetEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := parseBetLog(lg)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// FilterClaims returns every claim in an inclusive block range. Claims are
// not epoch-indexed on chain, so the range is the only filter.
func (c *Client) FilterClaims(ctx context.Context, fromBlock, toBlock uint64) ([]ClaimEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{claimTopic}},
	}
	logs, err := c.filterLogs(ctx, "filter claims", query)
	if err != nil {
		return nil, err
	}
	events := make([]ClaimEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := parseClaimLog(lg)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) filterLogs(ctx context.Context, op string, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	var logs []gethtypes.Log
	err := c.withRetry(ctx, op, func(ctx context.Context) error {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		var callErr error
		logs, callErr = c.backend.FilterLogs(ctx, query)
		return callErr
	})
	return logs, err
}

// SubscribeBets opens a push subscription for both bet events and returns
// a channel of decoded events. The goroutine stops and closes the channel
// when the subscription errors or ctx is cancelled; reconnecting is the
// caller's job.
func (c *Client) SubscribeBets(ctx context.Context) (<-chan BetEvent, ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{betBullTopic, betBearTopic}},
	}
	logs := make(chan gethtypes.Log, subscribeBuffer)
	sub, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe bet events: %w", err)
	}

	out := make(chan BetEvent, subscribeBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				if err != nil {
					c.log.Warn("bet subscription closed", "err", err)
				}
				return
			case lg := <-logs:
				if lg.Removed {
					continue // re-orged out; short re-org tolerance only
				}
				ev, err := parseBetLog(lg)
				if err != nil {
					c.log.Warn("dropping undecodable bet log",
						"block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "err", err)
					continue
				}
				select {
				case out <- ev:
				default:
					c.log.Warn("bet event channel full, dropping", "tx", ev.TxHash)
				}
			}
		}
	}()
	return out, sub, nil
}

func parseBetLog(lg gethtypes.Log) (BetEvent, error) {
	if len(lg.Topics) != 3 {
		return BetEvent{}, fmt.Errorf("bet log %s: expected 3 topics, got %d", lg.TxHash.Hex(), len(lg.Topics))
	}
	var (
		dir  types.Direction
		name string
	)
	switch lg.Topics[0] {
	case betBullTopic:
		dir, name = types.UP, "BetBull"
	case betBearTopic:
		dir, name = types.DOWN, "BetBear"
	default:
		return BetEvent{}, fmt.Errorf("bet log %s: unknown event topic %s", lg.TxHash.Hex(), lg.Topics[0].Hex())
	}
	out, err := contractABI.Unpack(name, lg.Data)
	if err != nil {
		return BetEvent{}, fmt.Errorf("unpack %s data: %w", name, err)
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return BetEvent{}, fmt.Errorf("%s log %s: amount has type %T", name, lg.TxHash.Hex(), out[0])
	}
	sender := common.HexToAddress(lg.Topics[1].Hex())
	epoch := new(big.Int).SetBytes(lg.Topics[2].Bytes())
	return BetEvent{
		Direction:   dir,
		Epoch:       epoch.Int64(),
		Wallet:      types.NormalizeAddress(sender.Hex()),
		Amount:      AmountFromFixed(amount),
		BlockNumber: lg.BlockNumber,
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
	}, nil
}

func parseClaimLog(lg gethtypes.Log) (ClaimEvent, error) {
	if len(lg.Topics) != 2 {
		return ClaimEvent{}, fmt.Errorf("claim log %s: expected 2 topics, got %d", lg.TxHash.Hex(), len(lg.Topics))
	}
	out, err := contractABI.Unpack("Claim", lg.Data)
	if err != nil {
		return ClaimEvent{}, fmt.Errorf("unpack Claim data: %w", err)
	}
	epoch, ok := out[0].(*big.Int)
	if !ok {
		return ClaimEvent{}, fmt.Errorf("claim log %s: epoch has type %T", lg.TxHash.Hex(), out[0])
	}
	amount, ok := out[1].(*big.Int)
	if !ok {
		return ClaimEvent{}, fmt.Errorf("claim log %s: amount has type %T", lg.TxHash.Hex(), out[1])
	}
	sender := common.HexToAddress(lg.Topics[1].Hex())
	return ClaimEvent{
		BetEpoch:    epoch.Int64(),
		Wallet:      types.NormalizeAddress(sender.Hex()),
		Amount:      AmountFromFixed(amount),
		BlockNumber: lg.BlockNumber,
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
	}, nil
}

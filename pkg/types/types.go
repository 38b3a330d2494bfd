// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline: rounds, bets,
// claims, bus payloads, and prediction records. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // round timestamps are Taipei-local regardless of host tz

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the side of a bet or a round outcome: UP or DOWN.
type Direction string

const (
	UP   Direction = "UP"
	DOWN Direction = "DOWN"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool { return d == UP || d == DOWN }

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == UP {
		return DOWN
	}
	return UP
}

// RoundStatus is the lifecycle phase of a round as seen by subscribers.
type RoundStatus string

const (
	StatusLive   RoundStatus = "LIVE"   // betting open
	StatusLocked RoundStatus = "LOCKED" // bets closed, price not settled
	StatusEnded  RoundStatus = "ENDED"  // close price set
)

// StatusAt derives the round status from the lock/close timestamps.
func StatusAt(now, lockTime, closeTime time.Time) RoundStatus {
	switch {
	case now.Before(lockTime):
		return StatusLive
	case now.Before(closeTime):
		return StatusLocked
	default:
		return StatusEnded
	}
}

// Confidence grades a prediction. Ordered low < medium < high.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank returns the ordering value of a confidence grade (low=0, high=2).
// Unknown grades rank below low so filters reject them.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 0
	case ConfidenceMedium:
		return 1
	case ConfidenceHigh:
		return 2
	default:
		return -1
	}
}

// VolumeBucket classifies a round's bet volume relative to recent history.
type VolumeBucket string

const (
	BucketBase VolumeBucket = "base" // vol_ratio < 1.2
	BucketMid  VolumeBucket = "mid"  // 1.2 <= vol_ratio < 1.5
	BucketHigh VolumeBucket = "high" // vol_ratio >= 1.5
)

// BucketFor maps a volume ratio to its bucket.
func BucketFor(volRatio float64) VolumeBucket {
	switch {
	case volRatio >= 1.5:
		return BucketHigh
	case volRatio >= 1.2:
		return BucketMid
	default:
		return BucketBase
	}
}

// ————————————————————————————————————————————————————————————————————————
// Local time
// ————————————————————————————————————————————————————————————————————————

// TimeLayout is the canonical timestamp format used in persisted rows and
// bus payloads: zero-padded, 24-hour, Taipei local.
const TimeLayout = "2006-01-02 15:04:05"

// Taipei is the fixed display/storage zone for all round and bet timestamps.
var Taipei = mustLoadLocation("Asia/Taipei")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("types: load location %s: %v", name, err))
	}
	return loc
}

// LocalTime is a time.Time that marshals to the Taipei-local TimeLayout
// string in JSON and binds the same way as a database value. The zero value
// marshals as an empty string.
type LocalTime struct {
	time.Time
}

// NewLocalTime converts t into the Taipei zone.
func NewLocalTime(t time.Time) LocalTime {
	return LocalTime{t.In(Taipei)}
}

// FromUnix builds a LocalTime from a unix-seconds timestamp.
func FromUnix(sec int64) LocalTime {
	return LocalTime{time.Unix(sec, 0).In(Taipei)}
}

func (lt LocalTime) String() string {
	if lt.IsZero() {
		return ""
	}
	return lt.In(Taipei).Format(TimeLayout)
}

// MarshalJSON renders the Taipei-local string form.
func (lt LocalTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(lt.String())
}

// UnmarshalJSON accepts the TimeLayout string form (empty means zero).
func (lt *LocalTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		lt.Time = time.Time{}
		return nil
	}
	t, err := time.ParseInLocation(TimeLayout, s, Taipei)
	if err != nil {
		return fmt.Errorf("types: parse local time %q: %w", s, err)
	}
	lt.Time = t
	return nil
}

// Value implements driver.Valuer; rows store the Taipei-local wall time.
func (lt LocalTime) Value() (driver.Value, error) {
	if lt.IsZero() {
		return nil, nil
	}
	return lt.In(Taipei).Format(TimeLayout), nil
}

// Scan implements sql.Scanner for timestamp, string, and []byte columns.
func (lt *LocalTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		lt.Time = time.Time{}
		return nil
	case time.Time:
		lt.Time = time.Date(v.Year(), v.Month(), v.Day(), v.Hour(), v.Minute(), v.Second(), 0, Taipei)
		return nil
	case []byte:
		return lt.scanString(string(v))
	case string:
		return lt.scanString(v)
	default:
		return fmt.Errorf("types: cannot scan %T into LocalTime", src)
	}
}

func (lt *LocalTime) scanString(s string) error {
	t, err := time.ParseInLocation(TimeLayout, s, Taipei)
	if err != nil {
		return fmt.Errorf("types: scan local time %q: %w", s, err)
	}
	lt.Time = t
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Persistent entities
// ————————————————————————————————————————————————————————————————————————

// PayoutFee is the winning-side multiplier after the house cut.
var PayoutFee = decimal.RequireFromString("0.97")

// Round is one finalized betting window. Only rounds with both prices set
// and consistent totals are written to the store.
type Round struct {
	Epoch       int64           `db:"epoch" json:"epoch"`
	StartTime   LocalTime       `db:"start_time" json:"start_time"`
	LockTime    LocalTime       `db:"lock_time" json:"lock_time"`
	CloseTime   LocalTime       `db:"close_time" json:"close_time"`
	LockPrice   decimal.Decimal `db:"lock_price" json:"lock_price"`
	ClosePrice  decimal.Decimal `db:"close_price" json:"close_price"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	UpAmount    decimal.Decimal `db:"up_amount" json:"up_amount"`
	DownAmount  decimal.Decimal `db:"down_amount" json:"down_amount"`
	Result      Direction       `db:"result" json:"result"`
	UpPayout    decimal.Decimal `db:"up_payout" json:"up_payout"`
	DownPayout  decimal.Decimal `db:"down_payout" json:"down_payout"`
}

// ComputeResult derives the outcome from the two prices: UP iff close > lock.
func ComputeResult(lockPrice, closePrice decimal.Decimal) Direction {
	if closePrice.GreaterThan(lockPrice) {
		return UP
	}
	return DOWN
}

// Payout returns the fee-adjusted total/side multiplier, or zero when the
// side is empty.
func Payout(total, side decimal.Decimal) decimal.Decimal {
	if side.IsZero() {
		return decimal.Zero
	}
	return PayoutFee.Mul(total).Div(side)
}

// Bet is a single wallet's position in a round. Identity is
// (bet_time, tx_hash); tx_hash alone is globally unique.
type Bet struct {
	Epoch       int64           `db:"epoch" json:"epoch"`
	BetTime     LocalTime       `db:"bet_time" json:"bet_time"`
	Wallet      string          `db:"wallet_address" json:"wallet_address"`
	Direction   Direction       `db:"direction" json:"direction"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	BlockNumber uint64          `db:"block_number" json:"block_number"`
	TxHash      string          `db:"tx_hash" json:"tx_hash"`
}

// Claim is one wallet's reward collection. Epoch is the round during which
// the claim transaction landed; BetEpoch is the round being claimed for and
// is always strictly smaller.
type Claim struct {
	Epoch       int64           `db:"epoch" json:"epoch"`
	BetEpoch    int64           `db:"bet_epoch" json:"bet_epoch"`
	BlockNumber uint64          `db:"block_number" json:"block_number"`
	Wallet      string          `db:"wallet_address" json:"wallet_address"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
}

// MultiClaim flags a wallet whose claim activity inside one epoch crossed
// the whale threshold: >= 5 distinct bet epochs or >= 1 total amount.
type MultiClaim struct {
	Epoch       int64           `db:"epoch" json:"epoch"`
	Wallet      string          `db:"wallet_address" json:"wallet_address"`
	EpochCount  int             `db:"epoch_count" json:"epoch_count"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
}

// Whale thresholds for MultiClaim derivation.
var (
	MultiClaimEpochThreshold  = 5
	MultiClaimAmountThreshold = decimal.RequireFromString("1")
)

// FailedEpoch records a sync attempt that aborted, with the stage it died
// in. Epochs at RetryCount >= the configured cap are skipped permanently.
type FailedEpoch struct {
	Epoch        int64     `db:"epoch" json:"epoch"`
	ErrorMessage string    `db:"error_message" json:"error_message"`
	Stage        string    `db:"stage" json:"stage"`
	FailedAt     LocalTime `db:"failed_at" json:"failed_at"`
	RetryCount   int       `db:"retry_count" json:"retry_count"`
}

// NormalizeAddress lowercases a hex address; every wallet column and every
// payload carries the normalized form.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// TruncateError bounds an error message for the failed-epoch table.
func TruncateError(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

// ————————————————————————————————————————————————————————————————————————
// Bus payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages published on the Redis bus.

// RoundUpdate is broadcast on round_update_channel whenever the current
// round's shape changes. Result and ClosePrice are only set once ENDED.
type RoundUpdate struct {
	Epoch       int64            `json:"epoch"`
	LockTS      int64            `json:"lock_ts"`  // unix seconds
	CloseTS     int64            `json:"close_ts"` // unix seconds
	UpAmount    decimal.Decimal  `json:"up_amount"`
	DownAmount  decimal.Decimal  `json:"down_amount"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Status      RoundStatus      `json:"status"`
	Result      *Direction       `json:"result,omitempty"`
	ClosePrice  *decimal.Decimal `json:"close_price,omitempty"`
}

// InstantBet wraps a live bet for instant_bet_channel.
type InstantBet struct {
	Type string `json:"type"` // always "instant_bet"
	Data Bet    `json:"data"`
}

// AnalysisRequest asks the wallet-analysis collaborator to refresh stats
// for the bettor after the bet has been durably stored.
type AnalysisRequest struct {
	Type string `json:"type"` // always "analysis_request"
	Bet  Bet    `json:"bet"`
}

// Features are the flow statistics backing a momentum prediction. Ratios
// and slopes are dimensionless, so plain floats are fine here.
type Features struct {
	UpRatio     float64 `json:"up_ratio"`
	UpRatioDiff float64 `json:"up_ratio_diff"`
	VolumeRatio float64 `json:"volume_ratio"`
	Slope       float64 `json:"slope"` // up_ratio regression slope, 1/s
}

// MomentumResult is the output of the momentum strategy for one revision.
type MomentumResult struct {
	Prediction Direction  `json:"prediction"`
	Confidence Confidence `json:"confidence"`
	Score      int        `json:"score"`
	Reasons    []string   `json:"reasons"`
	Features   Features   `json:"features"`
}

// Strategies groups per-strategy results inside a prediction record.
// Momentum is the only strategy the live engine runs today.
type Strategies struct {
	Momentum MomentumResult `json:"momentum"`
}

// Prediction is the record published on live_predictions and cached for
// late subscribers. Version increases monotonically within an epoch; the
// final revision carries Final = true and is emitted exactly once.
type Prediction struct {
	Epoch      int64      `json:"epoch"`
	Timestamp  int64      `json:"timestamp"` // unix milliseconds
	Version    int        `json:"version"`
	Final      bool       `json:"final"`
	Strategies Strategies `json:"strategies"`
}

// ————————————————————————————————————————————————————————————————————————
// Trader records
// ————————————————————————————————————————————————————————————————————————

// TradePhase tags the stage of the trader pipeline a log entry belongs to.
type TradePhase string

const (
	PhaseArm            TradePhase = "arm"
	PhaseFinalDryRun    TradePhase = "final_dryrun"
	PhaseFinalSent      TradePhase = "final_sent"
	PhaseFinalReceipt   TradePhase = "final_receipt"
	PhaseFinalUncertain TradePhase = "final_uncertain"
)

// TradeLogEntry is emitted on trade_log and appended to the trade_log
// table for every trader phase. Optional fields stay zero/nil for phases
// that never reach them.
type TradeLogEntry struct {
	Phase      TradePhase      `db:"phase" json:"phase"`
	Epoch      int64           `db:"epoch" json:"epoch"`
	Strategy   string          `db:"strategy" json:"strategy"`
	Prediction Direction       `db:"prediction" json:"prediction"`
	Confidence Confidence      `db:"confidence" json:"confidence"`
	Amount     decimal.Decimal `db:"amount" json:"amount"`
	DeltaMS    int64           `db:"delta_ms" json:"delta_ms"`
	TStopMS    int64           `db:"t_stop_ms" json:"t_stop"`
	Version    int             `db:"version" json:"version"`
	Nonce      *uint64         `db:"nonce" json:"nonce,omitempty"`
	TxHash     string          `db:"tx_hash" json:"tx_hash,omitempty"`
	SendMS     int64           `db:"send_ms" json:"send_ms,omitempty"`
	MinedMS    int64           `db:"mined_ms" json:"mined_ms,omitempty"`
	TotalMS    int64           `db:"total_ms" json:"total_ms,omitempty"`
	Success    *bool           `db:"success" json:"success,omitempty"`
	Error      string          `db:"error" json:"error,omitempty"`
	LoggedAt   LocalTime       `db:"logged_at" json:"logged_at"`
}

package trader

import "strings"

// sendOutcome is what a send error tells us about whether the bet can
// still land on chain.
type sendOutcome int

const (
	// sendTransient: the node never accepted the transaction; the epoch
	// stays open but the trader does not retry on its own.
	sendTransient sendOutcome = iota
	// sendRejected: the node definitively refused it; it will never mine.
	sendRejected
	// sendUncertain: the transaction may already be in the pool under
	// this nonce; treat the epoch as spent.
	sendUncertain
)

// classifySendError buckets go-ethereum send errors by substring. Node
// error strings are not a stable API, so match loosely and default to
// transient.
func classifySendError(err error) sendOutcome {
	if err == nil {
		return sendTransient
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds balance"),
		strings.Contains(msg, "gas required exceeds allowance"):
		return sendRejected
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "known transaction"):
		return sendUncertain
	default:
		return sendTransient
	}
}

package engine

import "errors"

// Sentinel failure modes of an entry attempt. All of them release the daily
// claim so the window can be retried; none of them move money.
var (
	ErrNoPrice           = errors.New("no resolvable reference price")
	ErrInsufficientFunds = errors.New("insufficient funds for a single share")
	ErrOrderRejected     = errors.New("order rejected at all slippage steps")
	ErrNoRecommendation  = errors.New("no recommendation available")
)

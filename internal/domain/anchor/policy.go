package anchor

import "time"

// Outcome is the result of one blockchain submission.
type Outcome struct {
	TxID string
	Err  error
}

// Transition is the row state a submission outcome leads to.
type Transition struct {
	Status         Status
	RetryCount     int
	BlockchainTxID *string
	ErrorMessage   *string
	AnchoredAt     *time.Time
}

// Terminal reports whether the transition ends the row's lifecycle.
func (t Transition) Terminal() bool { return t.Status.Terminal() }

// Decide applies the retry policy to a pending row.
//
// Success anchors the row and clears the error. Failure increments the retry
// count; the attempt that brings it to maxRetries fails the row terminally,
// so retry_count never exceeds maxRetries and never decreases.
func Decide(row *AnchorRequest, outcome Outcome, now time.Time, maxRetries int) Transition {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}

	if outcome.Err == nil {
		txID := outcome.TxID
		at := now.UTC()
		return Transition{
			Status:         StatusAnchored,
			RetryCount:     row.RetryCount,
			BlockchainTxID: &txID,
			AnchoredAt:     &at,
		}
	}

	msg := outcome.Err.Error()
	next := row.RetryCount + 1
	if next > maxRetries {
		next = max(row.RetryCount, maxRetries)
	}
	if next >= maxRetries {
		return Transition{Status: StatusFailed, RetryCount: next, ErrorMessage: &msg}
	}
	return Transition{Status: StatusPending, RetryCount: next, ErrorMessage: &msg}
}

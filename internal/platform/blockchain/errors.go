package blockchain

import (
	"errors"
	"fmt"
)

// Submission stages reported in SubmissionError.Op.
const (
	OpEncode    = "encode"
	OpChainID   = "chain_id"
	OpNonce     = "nonce"
	OpGasPrice  = "gas_price"
	OpEstimate  = "estimate"
	OpBalance   = "balance"
	OpSign      = "sign"
	OpSend      = "send"
	OpConfirm   = "confirm"
	OpSimulated = "simulated"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds for gas")
	ErrChainMismatch     = errors.New("connected to unexpected chain")
	ErrReverted          = errors.New("transaction reverted")
	ErrSimulatedFailure  = errors.New("simulated network failure")
)

// SubmissionError is returned for any failure to get a hash on chain. It is
// always recoverable from the queue's point of view: the attempt counts as a
// failed try and the row is retried on a later run.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("blockchain %s: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func submissionErr(op string, err error) error {
	var se *SubmissionError
	if errors.As(err, &se) {
		return err
	}
	return &SubmissionError{Op: op, Err: err}
}

package orchestrator

import "errors"

// Precondition error codes.
const (
	CodeWalletNotConnected = "WALLET_NOT_CONNECTED"
	CodeBusy               = "BUSY"
	CodeInvalidFee         = "INVALID_FEE"
	CodeInvalidTag         = "INVALID_TAG"
)

// PreconditionError rejects a payment before anything is submitted. It is
// reported to the user and never retried automatically.
type PreconditionError struct {
	Code   string
	Reason string
}

func (e *PreconditionError) Error() string {
	return e.Reason
}

// IsBusy reports whether err rejected a payment because another one was in
// flight.
func IsBusy(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe) && pe.Code == CodeBusy
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/thakursanju/smartToll/attestation"
	"github.com/thakursanju/smartToll/orchestrator"
	"github.com/thakursanju/smartToll/repository"
	"github.com/thakursanju/smartToll/session"
	"github.com/thakursanju/smartToll/settlement"
	"github.com/thakursanju/smartToll/tagreader"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSONError writes an error message as JSON.
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its HTTP status and error code.
func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	var (
		pre     *orchestrator.PreconditionError
		att     *attestation.AttestationError
		scan    *tagreader.ScanError
		settle  *settlement.SettlementError
		repoErr *repository.RepositoryError
	)

	switch {
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone, "SESSION_CLOSED"
	case errors.Is(err, session.ErrWalletNotConnected):
		return http.StatusPreconditionFailed, orchestrator.CodeWalletNotConnected
	case errors.Is(err, session.ErrInvalidAddress):
		return http.StatusBadRequest, "INVALID_ADDRESS"
	case errors.As(err, &pre):
		switch pre.Code {
		case orchestrator.CodeBusy:
			return http.StatusConflict, pre.Code
		case orchestrator.CodeWalletNotConnected:
			return http.StatusPreconditionFailed, pre.Code
		default:
			return http.StatusUnprocessableEntity, pre.Code
		}
	case errors.As(err, &att):
		if att.Code == attestation.CodeTimeout {
			return http.StatusGatewayTimeout, att.Code
		}
		return http.StatusUnprocessableEntity, att.Code
	case errors.As(err, &scan):
		switch scan.Code {
		case tagreader.CodeUnsupported:
			return http.StatusNotImplemented, scan.Code
		case tagreader.CodePermissionDenied:
			return http.StatusForbidden, scan.Code
		default:
			return http.StatusServiceUnavailable, scan.Code
		}
	case errors.As(err, &settle):
		switch settle.Code {
		case settlement.CodeFinalityTimeout:
			return http.StatusGatewayTimeout, settle.Code
		case settlement.CodeTransport:
			return http.StatusBadGateway, settle.Code
		default:
			return http.StatusUnprocessableEntity, settle.Code
		}
	case errors.As(err, &repoErr):
		if repoErr.Code == repository.ErrCodeNotFound {
			return http.StatusNotFound, repoErr.Code
		}
		return http.StatusInternalServerError, repoErr.Code
	default:
		return http.StatusInternalServerError, ""
	}
}

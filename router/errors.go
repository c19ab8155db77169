package router

import (
	"net/http"

	"clausebase/internal/cas"
	"clausebase/internal/ledger"
	"clausebase/pkg/lock"
	"clausebase/pkg/response"
)

// Program errors keep the program's own name as the code so clients see
// exactly what the ledger rejected.
func init() {
	for _, e := range []struct {
		err    *ledger.ProgramError
		status int
	}{
		{ledger.ErrTooManyParticipants, http.StatusBadRequest},
		{ledger.ErrInvalidApprovalThreshold, http.StatusBadRequest},
		{ledger.ErrCreatorMustBeParticipant, http.StatusBadRequest},
		{ledger.ErrContractNotActive, http.StatusConflict},
		{ledger.ErrNotAParticipant, http.StatusForbidden},
		{ledger.ErrAlreadyApproved, http.StatusConflict},
		{ledger.ErrOnlyCreatorCanCancel, http.StatusForbidden},
		{ledger.ErrContractNotCompleted, http.StatusConflict},
		{ledger.ErrProgramDescriptionTooLong, http.StatusBadRequest},
		{ledger.ErrOnlyCreatorCanInitEscrow, http.StatusForbidden},
		{ledger.ErrRecipientNotParticipant, http.StatusBadRequest},
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrMilestoneNotFunded, http.StatusConflict},
		{ledger.ErrMilestoneNotMarkedComplete, http.StatusConflict},
		{ledger.ErrAlreadyApprovedMilestone, http.StatusConflict},
		{ledger.ErrInsufficientApprovals, http.StatusConflict},
		{ledger.ErrOnlyCreatorCanCancelEscrow, http.StatusForbidden},
		{ledger.ErrCannotCancelMilestone, http.StatusConflict},
		{ledger.ErrIpfsHashTooLong, http.StatusBadRequest},
	} {
		response.Register(e.err, e.status, e.err.Name)
	}

	response.Register(ledger.ErrNotFound, http.StatusNotFound, "LEDGER_ACCOUNT_NOT_FOUND")
	response.Register(ledger.ErrAlreadyExists, http.StatusConflict, "LEDGER_ACCOUNT_EXISTS")
	response.Register(ledger.ErrContentIDTooLong, http.StatusBadRequest, "CONTENT_ID_TOO_LONG")
	response.Register(ledger.ErrDescriptionTooLong, http.StatusBadRequest, "DESCRIPTION_TOO_LONG")
	response.Register(ledger.ErrTransient, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE")
	response.Register(ledger.ErrUnconfirmed, http.StatusGatewayTimeout, "LEDGER_UNCONFIRMED")
	response.Register(cas.ErrNotFound, http.StatusNotFound, "CONTENT_NOT_FOUND")
	response.Register(cas.ErrIntegrity, http.StatusBadGateway, "CONTENT_INTEGRITY")
	response.Register(lock.ErrNotObtained, http.StatusServiceUnavailable, "BUSY")
}

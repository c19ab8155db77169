package handler

import (
	"net/http"

	"clausebase/internal/reputation/model"
	"clausebase/internal/reputation/service"
	"clausebase/pkg/response"
)

func init() {
	response.Register(model.ErrInvalidRole, http.StatusBadRequest, "INVALID_ROLE")
	response.Register(model.ErrInvalidWallet, http.StatusBadRequest, "INVALID_WALLET")
}

type ReputationHandler struct {
	Service *service.ReputationService
}

func NewReputationHandler(service *service.ReputationService) *ReputationHandler {
	return &ReputationHandler{Service: service}
}

func (h *ReputationHandler) Routes(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("GET /api/reputation/{userId}", auth(http.HandlerFunc(h.Get)))
	mux.Handle("POST /api/reputation/{userId}/recalculate", auth(http.HandlerFunc(h.Recalculate)))
}

// Get accepts ?wallet= to include the on-chain counters.
func (h *ReputationHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Get(r.Context(), r.PathValue("userId"), r.URL.Query().Get("wallet"))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, p)
}

func (h *ReputationHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req model.RecalculateRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	score, err := h.Service.Recalculate(r.Context(), r.PathValue("userId"), req.Role)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, score)
}

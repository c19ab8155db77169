package handler

import (
	"net/http"

	"clausebase/internal/milestone/model"
	"clausebase/internal/milestone/service"
	"clausebase/middleware"
	"clausebase/pkg/response"
)

func init() {
	response.Register(model.ErrMilestoneNotFound, http.StatusNotFound, "MILESTONE_NOT_FOUND")
	response.Register(service.ErrOutsideScope, http.StatusNotFound, "MILESTONE_NOT_FOUND")
	response.Register(service.ErrNotMember, http.StatusForbidden, "NOT_A_MEMBER")
	response.Register(service.ErrNotCreator, http.StatusForbidden, "NOT_CREATOR")
	response.Register(service.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT")
	response.Register(service.ErrInvalidRecipient, http.StatusBadRequest, "INVALID_RECIPIENT")
	response.Register(service.ErrAlreadyReleased, http.StatusConflict, "ALREADY_RELEASED")
	response.Register(service.ErrCannotCancel, http.StatusConflict, "CANNOT_CANCEL")
	response.Register(service.ErrCancelled, http.StatusConflict, "MILESTONE_CANCELLED")
	response.Register(service.ErrNotRegistered, http.StatusPreconditionFailed, "NOT_REGISTERED")
	response.Register(service.ErrNoSigner, http.StatusPreconditionFailed, "NO_SIGNER")
}

type MilestoneHandler struct {
	Service *service.MilestoneService
}

func NewMilestoneHandler(service *service.MilestoneService) *MilestoneHandler {
	return &MilestoneHandler{Service: service}
}

func (h *MilestoneHandler) Routes(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}
	handle("GET /api/documents/{id}/milestones", h.List)
	handle("POST /api/documents/{id}/milestones", h.Create)
	handle("GET /api/documents/{id}/milestones/{mid}", h.Get)
	handle("POST /api/documents/{id}/milestones/{mid}/refresh", h.Refresh)
	handle("POST /api/documents/{id}/milestones/{mid}/mark-complete", h.transition(func(s *service.MilestoneService, r *http.Request) (*model.TransitionResult, error) {
		return s.MarkComplete(r.Context(), r.PathValue("id"), r.PathValue("mid"), middleware.UserID(r.Context()))
	}))
	handle("POST /api/documents/{id}/milestones/{mid}/approve", h.transition(func(s *service.MilestoneService, r *http.Request) (*model.TransitionResult, error) {
		return s.Approve(r.Context(), r.PathValue("id"), r.PathValue("mid"), middleware.UserID(r.Context()))
	}))
	handle("POST /api/documents/{id}/milestones/{mid}/release", h.transition(func(s *service.MilestoneService, r *http.Request) (*model.TransitionResult, error) {
		return s.Release(r.Context(), r.PathValue("id"), r.PathValue("mid"), middleware.UserID(r.Context()))
	}))
	handle("POST /api/documents/{id}/milestones/{mid}/cancel", h.transition(func(s *service.MilestoneService, r *http.Request) (*model.TransitionResult, error) {
		return s.Cancel(r.Context(), r.PathValue("id"), r.PathValue("mid"), middleware.UserID(r.Context()))
	}))
	handle("POST /api/documents/{id}/milestones/{mid}/complete", h.transition(func(s *service.MilestoneService, r *http.Request) (*model.TransitionResult, error) {
		return s.Complete(r.Context(), r.PathValue("id"), r.PathValue("mid"), middleware.UserID(r.Context()))
	}))
}

// transition adapts a state-changing service call into a handler.
func (h *MilestoneHandler) transition(call func(*service.MilestoneService, *http.Request) (*model.TransitionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := call(h.Service, r)
		if err != nil {
			response.Fail(w, err)
			return
		}
		response.JSON(w, http.StatusOK, res)
	}
}

func (h *MilestoneHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMilestoneRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	res, err := h.Service.Create(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, res)
}

func (h *MilestoneHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.List(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	if list == nil {
		list = []model.Milestone{}
	}
	response.JSON(w, http.StatusOK, list)
}

func (h *MilestoneHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.Service.Get(r.Context(), r.PathValue("id"), r.PathValue("mid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, m)
}

func (h *MilestoneHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	m, err := h.Service.Refresh(r.Context(), r.PathValue("id"), r.PathValue("mid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, m)
}

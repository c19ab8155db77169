package handler

import (
	"net/http"

	"clausebase/internal/document/model"
	"clausebase/internal/document/service"
	"clausebase/middleware"
	"clausebase/pkg/response"
)

func init() {
	response.Register(model.ErrDocumentNotFound, http.StatusNotFound, "DOCUMENT_NOT_FOUND")
	response.Register(model.ErrVersionNotFound, http.StatusNotFound, "VERSION_NOT_FOUND")
	response.Register(service.ErrVersionOutsideScope, http.StatusNotFound, "VERSION_NOT_FOUND")
	response.Register(service.ErrNotMember, http.StatusForbidden, "NOT_A_MEMBER")
	response.Register(service.ErrNotCreator, http.StatusForbidden, "NOT_CREATOR")
	response.Register(service.ErrSelfVoteForbidden, http.StatusForbidden, "SELF_VOTE_FORBIDDEN")
	response.Register(service.ErrEmptyContent, http.StatusBadRequest, "EMPTY_CONTENT")
	response.Register(service.ErrInvalidVote, http.StatusBadRequest, "INVALID_VOTE")
	response.Register(service.ErrInvalidWallet, http.StatusBadRequest, "INVALID_WALLET")
	response.Register(service.ErrAddressMismatch, http.StatusBadRequest, "ADDRESS_MISMATCH")
	response.Register(service.ErrFrozen, http.StatusConflict, "VERSION_FROZEN")
	response.Register(service.ErrAlreadyRegistered, http.StatusConflict, "ALREADY_REGISTERED")
	response.Register(service.ErrNotMerged, http.StatusConflict, "NOT_MERGED")
	response.Register(service.ErrNotRegistered, http.StatusPreconditionFailed, "NOT_REGISTERED")
	response.Register(service.ErrNoSigner, http.StatusPreconditionFailed, "NO_SIGNER")
	response.Register(model.ErrCommentNotFound, http.StatusNotFound, "COMMENT_NOT_FOUND")
	response.Register(service.ErrCommentOutsideScope, http.StatusNotFound, "COMMENT_NOT_FOUND")
	response.Register(service.ErrNotCommentAuthor, http.StatusForbidden, "NOT_COMMENT_AUTHOR")
	response.Register(service.ErrEmptyTitle, http.StatusBadRequest, "EMPTY_TITLE")
}

type DocumentHandler struct {
	Service *service.DocumentService
}

func NewDocumentHandler(service *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{Service: service}
}

// Routes registers the document endpoints on mux behind auth.
func (h *DocumentHandler) Routes(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}
	handle("GET /api/documents", h.ListDocuments)
	handle("POST /api/documents", h.CreateDocument)
	handle("GET /api/documents/{id}", h.GetDocument)
	handle("DELETE /api/documents/{id}", h.DeleteDocument)
	handle("PATCH /api/documents/{id}/title", h.UpdateTitle)
	handle("GET /api/documents/{id}/members", h.ListMembers)
	handle("POST /api/documents/{id}/members", h.AddMember)
	handle("POST /api/documents/{id}/ledger/register", h.RegisterOnChain)
	handle("POST /api/documents/{id}/ledger/attach", h.AttachOnChain)
	handle("POST /api/documents/{id}/ledger/cancel", h.CancelOnChain)
	handle("GET /api/documents/{id}/ledger", h.LedgerAddress)
	handle("GET /api/documents/{id}/versions", h.ListVersions)
	handle("POST /api/documents/{id}/versions", h.CreateVersion)
	handle("GET /api/documents/{id}/versions/{vid}", h.GetVersion)
	handle("GET /api/documents/{id}/history", h.History)
	handle("GET /api/documents/{id}/compare", h.CompareVersions)
	handle("GET /api/documents/{id}/versions/{vid}/votes", h.ListVotes)
	handle("POST /api/documents/{id}/versions/{vid}/votes", h.SubmitVote)
	handle("POST /api/documents/{id}/versions/{vid}/reconcile", h.Reconcile)
	handle("GET /api/documents/{id}/versions/{vid}/proof", h.ProofState)
	handle("POST /api/documents/{id}/versions/{vid}/proof/retry", h.RetryProof)
	handle("GET /api/documents/{id}/versions/{vid}/comments", h.ListComments)
	handle("POST /api/documents/{id}/versions/{vid}/comments", h.AddComment)
	handle("POST /api/documents/{id}/versions/{vid}/comments/{cid}/resolve", h.ResolveComment)
	handle("DELETE /api/documents/{id}/versions/{vid}/comments/{cid}", h.DeleteComment)
}

func (h *DocumentHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Service.ListDocuments(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteDocument(r.Context(), r.PathValue("id"), middleware.UserID(r.Context())); err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}

func (h *DocumentHandler) UpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateTitleRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	doc, err := h.Service.UpdateTitle(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()), req.Title)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) CancelOnChain(w http.ResponseWriter, r *http.Request) {
	state, err := h.Service.CancelOnChain(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, state)
}

func (h *DocumentHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.Service.ListComments(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, comments)
}

func (h *DocumentHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req model.CommentRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	c, err := h.Service.AddComment(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, c)
}

func (h *DocumentHandler) ResolveComment(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.ResolveComment(r.Context(), r.PathValue("id"), r.PathValue("vid"), r.PathValue("cid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteComment(r.Context(), r.PathValue("id"), r.PathValue("vid"), r.PathValue("cid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"message": "Comment deleted"})
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDocRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	res, err := h.Service.CreateDocument(r.Context(), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, res)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Service.GetDocument(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Service.ListMembers(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, members)
}

func (h *DocumentHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req model.AddMemberRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	m, err := h.Service.AddMember(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, m)
}

func (h *DocumentHandler) RegisterOnChain(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	reg, err := h.Service.RegisterOnChain(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, reg)
}

func (h *DocumentHandler) AttachOnChain(w http.ResponseWriter, r *http.Request) {
	var req model.AttachRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	reg, err := h.Service.AttachOnChain(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, reg)
}

func (h *DocumentHandler) LedgerAddress(w http.ResponseWriter, r *http.Request) {
	reg, err := h.Service.LedgerAddress(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, reg)
}

func (h *DocumentHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Service.ListVersions(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, versions)
}

func (h *DocumentHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req model.CreateVersionRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	res, err := h.Service.CreateVersion(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, res)
}

func (h *DocumentHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.GetVersion(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, v)
}

func (h *DocumentHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.Service.History(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, history)
}

func (h *DocumentHandler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		response.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", "from and to query parameters are required")
		return
	}
	cmp, err := h.Service.CompareVersions(r.Context(), r.PathValue("id"), from, to, middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, cmp)
}

func (h *DocumentHandler) ListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.Service.ListVotes(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, votes)
}

func (h *DocumentHandler) SubmitVote(w http.ResponseWriter, r *http.Request) {
	var req model.VoteRequest
	if err := response.Bind(r, &req); err != nil {
		response.Fail(w, err)
		return
	}
	res, err := h.Service.SubmitVote(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()), req)
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.ReconcileVersion(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) ProofState(w http.ResponseWriter, r *http.Request) {
	proof, err := h.Service.ProofState(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, proof)
}

func (h *DocumentHandler) RetryProof(w http.ResponseWriter, r *http.Request) {
	proof, err := h.Service.RetryProof(r.Context(), r.PathValue("id"), r.PathValue("vid"), middleware.UserID(r.Context()))
	if err != nil {
		response.Fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, proof)
}

package router

import (
	"database/sql"
	"net/http"

	"clausebase/internal/cas"
	docHandler "clausebase/internal/document"
	docRepository "clausebase/internal/document/repository"
	docService "clausebase/internal/document/service"
	"clausebase/internal/ledger"
	msHandler "clausebase/internal/milestone"
	msRepository "clausebase/internal/milestone/repository"
	msService "clausebase/internal/milestone/service"
	repHandler "clausebase/internal/reputation"
	repRepository "clausebase/internal/reputation/repository"
	repService "clausebase/internal/reputation/service"
	"clausebase/internal/wallet"
	"clausebase/middleware"
	"clausebase/pkg/lock"
	"clausebase/pkg/metrics"
	"clausebase/pkg/response"
	"clausebase/socket"
)

// Infra is everything the services share besides the database and the hub.
type Infra struct {
	Ledger  *ledger.Gateway
	CAS     *cas.Client
	Wallets *wallet.Keystore
	Locker  lock.Locker
	// ServiceKey anchors proofs and pays releases when no custodial member
	// key is available. Nil disables both fallbacks.
	ServiceKey ledger.Signer
	JWTSecret  string
	CORSOrigin string
}

func Setup(db *sql.DB, hub *socket.Hub, infra Infra) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(infra.JWTSecret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(hub, w, r, middleware.UserID(r.Context()))
	})
	mux.Handle("GET /ws", auth(wsHandler))

	// REST API
	docRepo := docRepository.NewDocumentRepository(db)
	docs := docService.NewDocumentService(docService.Deps{
		Repo:        docRepo,
		Ledger:      infra.Ledger,
		CAS:         infra.CAS,
		Signers:     infra.Wallets,
		Locker:      infra.Locker,
		Hub:         hub,
		ProofSigner: infra.ServiceKey,
	})
	docHandler.NewDocumentHandler(docs).Routes(mux, auth)

	reputation := repService.NewReputationService(repRepository.NewReputationRepository(db), infra.Ledger)
	repHandler.NewReputationHandler(reputation).Routes(mux, auth)

	milestones := msService.NewMilestoneService(msService.Deps{
		Repo:       msRepository.NewMilestoneRepository(db),
		Documents:  docRepo,
		Ledger:     infra.Ledger,
		Signers:    infra.Wallets,
		Hub:        hub,
		Reputation: reputation,
		Payer:      infra.ServiceKey,
	})
	msHandler.NewMilestoneHandler(milestones).Routes(mux, auth)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			response.WriteError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", err.Error())
			return
		}
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return middleware.Logging(middleware.CORS(infra.CORSOrigin)(mux))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clausebase/internal/ledger"
	"clausebase/internal/reputation/model"
	"clausebase/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	defaultTimeliness = decimal.NewFromInt(75)
	vendorQuality     = decimal.NewFromInt(80)
	hundred           = decimal.NewFromInt(100)
)

type Store interface {
	Stats(ctx context.Context, userID string, role model.Role) (model.Stats, error)
	Upsert(ctx context.Context, s *model.Score) error
	ListByUser(ctx context.Context, userID string) ([]model.Score, error)
}

type Ledger interface {
	ReadReputation(ctx context.Context, wallet ledger.PublicKey) (*ledger.ReputationAccount, error)
}

type ReputationService struct {
	Repo   Store
	Ledger Ledger
	now    func() time.Time
	log    *zap.Logger
}

func NewReputationService(repo Store, l Ledger) *ReputationService {
	return &ReputationService{Repo: repo, Ledger: l, now: time.Now, log: logger.Named("reputation")}
}

func percent(part, whole int) decimal.Decimal {
	if whole == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(part)).Mul(hundred).Div(decimal.NewFromInt(int64(whole)))
}

// Compute scores one role from its raw counts:
//
//	client: 0.7*timeliness + 0.3*completion
//	vendor: 0.5*timeliness + 0.3*quality + 0.2*completion
//
// Timeliness is the share of released milestones paid by their deadline and
// defaults to 75 before anything has been released.
func Compute(userID string, role model.Role, st model.Stats) *model.Score {
	timeliness := defaultTimeliness
	if paid := st.OnTime + st.Late; paid > 0 {
		timeliness = percent(st.OnTime, paid)
	}
	completion := percent(st.CompletedContracts, st.TotalContracts)

	s := &model.Score{
		UserID:             userID,
		Role:               role,
		TimelinessScore:    timeliness.Round(2),
		OnTimeCount:        st.OnTime,
		LateCount:          st.Late,
		QualityScore:       decimal.Zero,
		TotalContracts:     st.TotalContracts,
		CompletedContracts: st.CompletedContracts,
	}
	switch role {
	case model.RoleVendor:
		s.QualityScore = vendorQuality
		s.OverallScore = timeliness.Mul(decimal.RequireFromString("0.5")).
			Add(vendorQuality.Mul(decimal.RequireFromString("0.3"))).
			Add(completion.Mul(decimal.RequireFromString("0.2"))).Round(2)
	default:
		s.OverallScore = timeliness.Mul(decimal.RequireFromString("0.7")).
			Add(completion.Mul(decimal.RequireFromString("0.3"))).Round(2)
	}
	return s
}

// Recalculate recomputes and stores one role's score. Running it twice
// without new activity yields the same row.
func (s *ReputationService) Recalculate(ctx context.Context, userID string, role model.Role) (*model.Score, error) {
	if !role.Valid() {
		return nil, model.ErrInvalidRole
	}
	st, err := s.Repo.Stats(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	score := Compute(userID, role, st)
	score.LastCalculatedAt = s.now().UTC()
	if err := s.Repo.Upsert(ctx, score); err != nil {
		return nil, err
	}
	s.log.Debug("reputation recalculated",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("overall", score.OverallScore.String()))
	return score, nil
}

// RecordRelease refreshes the client and vendor scores after a payout.
// Failures are only logged.
func (s *ReputationService) RecordRelease(ctx context.Context, clientID, vendorID string) {
	if clientID != "" {
		if _, err := s.Recalculate(ctx, clientID, model.RoleClient); err != nil {
			s.log.Warn("recalculate client reputation", zap.String("user_id", clientID), zap.Error(err))
		}
	}
	if vendorID != "" {
		if _, err := s.Recalculate(ctx, vendorID, model.RoleVendor); err != nil {
			s.log.Warn("recalculate vendor reputation", zap.String("user_id", vendorID), zap.Error(err))
		}
	}
}

// Get returns the stored scores for both roles and, when wallet is given,
// the program's on-chain counters for it.
func (s *ReputationService) Get(ctx context.Context, userID, wallet string) (*model.Profile, error) {
	scores, err := s.Repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := &model.Profile{UserID: userID}
	for i := range scores {
		switch scores[i].Role {
		case model.RoleClient:
			p.Client = &scores[i]
		case model.RoleVendor:
			p.Vendor = &scores[i]
		}
	}
	if wallet == "" || s.Ledger == nil {
		return p, nil
	}
	pk, err := ledger.ParsePublicKey(wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidWallet, err)
	}
	acct, err := s.Ledger.ReadReputation(ctx, pk)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		s.log.Warn("read on-chain reputation", zap.String("wallet", wallet), zap.Error(err))
	default:
		p.OnChain = &model.OnChain{
			Wallet:             acct.Wallet.String(),
			ContractsCreated:   acct.ContractsCreated,
			ContractsCompleted: acct.ContractsCompleted,
			ContractsApproved:  acct.ContractsApproved,
			TotalValueEscrowed: acct.TotalValueEscrowed,
			FirstActivity:      acct.FirstActivity,
			LastActivity:       acct.LastActivity,
		}
	}
	return p, nil
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"clausebase/internal/ledger"
	"clausebase/internal/milestone/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(amount, recipient string) model.CreateMilestoneRequest {
	return model.CreateMilestoneRequest{
		Description: "Design phase",
		Amount:      decimal.RequireFromString(amount),
		Recipient:   recipient,
		Deadline:    time.Now().Add(72 * time.Hour),
	}
}

func (e *testEnv) create(t *testing.T) *model.Milestone {
	t.Helper()
	res, err := e.svc.Create(context.Background(), testDocID, "alice", request("1.5", e.wallet("bob")))
	require.NoError(t, err)
	return res.Milestone
}

func TestToLamports(t *testing.T) {
	tests := []struct {
		sol     string
		want    uint64
		wantErr bool
	}{
		{sol: "1", want: 1_000_000_000},
		{sol: "1.5", want: 1_500_000_000},
		{sol: "0.000000001", want: 1},
		{sol: "0", wantErr: true},
		{sol: "-2", wantErr: true},
		{sol: "0.0000000001", wantErr: true},
		{sol: "18446744074", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.sol, func(t *testing.T) {
			got, err := ToLamports(decimal.RequireFromString(tt.sol))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, FromLamports(got).Equal(decimal.RequireFromString(tt.sol)))
		})
	}
}

func TestCreateFundsEscrow(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")

	m := env.create(t)

	assert.Equal(t, int64(1), m.MilestoneID)
	assert.Equal(t, model.StatusFunded, m.Status)
	require.NotNil(t, m.CreateTx)

	want, err := env.ledger.deriver.Escrow(uint64(testContractID), 1)
	require.NoError(t, err)
	assert.Equal(t, want.String(), m.EscrowAddress)

	acct, err := env.ledger.ReadEscrow(context.Background(), want)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), acct.Amount)
	assert.Equal(t, uint8(2), acct.ApprovalsRequired)

	stored, err := env.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFunded, stored.Status)
	assert.Equal(t, 1, env.hub.events)
}

func TestCreateAllocatesSequentialIDs(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")
	first := env.create(t)
	env.store.failReserves = 1
	second := env.create(t)

	assert.Equal(t, int64(1), first.MilestoneID)
	assert.Equal(t, int64(2), second.MilestoneID)
	assert.NotEqual(t, first.EscrowAddress, second.EscrowAddress)
}

func TestCreateChecks(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice", "bob")
	ctx := context.Background()

	_, err := env.svc.Create(ctx, testDocID, "bob", request("1", env.wallet("alice")))
	assert.ErrorIs(t, err, ErrNotCreator)

	_, err = env.svc.Create(ctx, testDocID, "mallory", request("1", env.wallet("bob")))
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = env.svc.Create(ctx, testDocID, "alice", request("0", env.wallet("bob")))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.svc.Create(ctx, testDocID, "alice", request("1", "nope"))
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	assert.Zero(t, env.store.count())
}

func TestCreateSurfacesProgramErrorAndDropsReservation(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")

	_, err := env.svc.Create(context.Background(), testDocID, "alice", request("1", env.wallet("mallory")))

	var perr *ledger.ProgramError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "RecipientNotParticipant", perr.Name)
	assert.Zero(t, env.store.count())
}

func TestCreateRequiresRegistration(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")
	env.docs.docs[testDocID].LedgerContractID = nil
	env.docs.docs[testDocID].LedgerAddress = nil

	_, err := env.svc.Create(context.Background(), testDocID, "alice", request("1", env.wallet("bob")))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestCompleteChainsThroughRelease(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice", "bob")
	ctx := context.Background()
	m := env.create(t)

	res, err := env.svc.Complete(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"mark", "approve"}, res.Steps)
	assert.Equal(t, model.StatusMarkedComplete, res.Milestone.Status)
	assert.Zero(t, env.ledger.transferCount())

	res, err = env.svc.Complete(ctx, testDocID, m.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "release"}, res.Steps)
	assert.Equal(t, model.StatusReleased, res.Milestone.Status)
	require.NotNil(t, res.Milestone.ReleaseTx)
	assert.Equal(t, 1, env.ledger.transferCount())

	require.Len(t, env.reputation.calls, 1)
	assert.Equal(t, release{client: "alice", vendor: "bob"}, env.reputation.calls[0])

	stored, err := env.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReleased, stored.Status)
	assert.NotNil(t, stored.ReleasedAt)
}

func TestReleaseIsAtMostOnce(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice", "bob")
	ctx := context.Background()
	m := env.create(t)

	_, err := env.svc.MarkComplete(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, testDocID, m.ID, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Release(ctx, testDocID, m.ID, "alice")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyReleased)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, env.ledger.transferCount())

	res, err := env.svc.Complete(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	assert.Empty(t, res.Steps)
	assert.Equal(t, 1, env.ledger.transferCount())
}

func TestReleaseNeedsEveryApproval(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice", "bob")
	ctx := context.Background()
	m := env.create(t)

	_, err := env.svc.Complete(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)

	_, err = env.svc.Release(ctx, testDocID, m.ID, "bob")
	assert.ErrorIs(t, err, ledger.ErrInsufficientApprovals)
	assert.Zero(t, env.ledger.transferCount())
}

func TestApproveTwiceIsRejectedByProgram(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice", "bob")
	ctx := context.Background()
	m := env.create(t)

	_, err := env.svc.MarkComplete(ctx, testDocID, m.ID, "alice")
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	_, err = env.svc.Approve(ctx, testDocID, m.ID, "bob")
	assert.ErrorIs(t, err, ledger.ErrAlreadyApprovedMilestone)

	got, err := env.svc.Get(ctx, testDocID, m.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.OnChain)
	assert.Equal(t, []string{env.wallet("bob")}, got.OnChain.Approvals)
	assert.Equal(t, env.wallet("alice"), *got.OnChain.MarkedCompleteBy)
	assert.False(t, got.OnChain.ReleaseEligible)
	assert.True(t, got.OnChain.Amount.Equal(decimal.RequireFromString("1.5")))
}

func TestCancel(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice", "bob")
	ctx := context.Background()
	funded := env.create(t)
	marked := env.create(t)

	_, err := env.svc.Cancel(ctx, testDocID, funded.ID, "bob")
	assert.ErrorIs(t, err, ErrNotCreator)

	res, err := env.svc.Cancel(ctx, testDocID, funded.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Milestone.Status)

	_, err = env.svc.Complete(ctx, testDocID, funded.ID, "bob")
	assert.ErrorIs(t, err, ErrCancelled)

	_, err = env.svc.MarkComplete(ctx, testDocID, marked.ID, "bob")
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, testDocID, marked.ID, "alice")
	assert.ErrorIs(t, err, ErrCannotCancel)

	stored, err := env.store.Get(ctx, marked.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMarkedComplete, stored.Status)
}

func TestRefreshFollowsLedger(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")
	ctx := context.Background()
	m := env.create(t)

	env.ledger.setStatus(m.EscrowAddress, ledger.MilestoneReleased)
	got, err := env.svc.Refresh(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReleased, got.Status)
	assert.NotNil(t, got.ReleasedAt)

	list, err := env.svc.List(ctx, testDocID, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.StatusReleased, list[0].Status)
}

func TestGet(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")
	ctx := context.Background()
	m := env.create(t)

	got, err := env.svc.Get(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFunded, got.Status)
	require.NotNil(t, got.OnChain)
	assert.Equal(t, uint64(1_500_000_000), got.OnChain.AmountLamports)
	assert.Equal(t, 2, got.OnChain.ApprovalsRequired)

	env.ledger.setStatus(m.EscrowAddress, ledger.MilestoneMarkedComplete)
	got, err = env.svc.Get(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMarkedComplete, got.Status)

	stored, err := env.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMarkedComplete, stored.Status)

	env.ledger.failReads(ledger.ErrTransient)
	got, err = env.svc.Get(ctx, testDocID, m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMarkedComplete, got.Status)
	assert.Nil(t, got.OnChain)

	_, err = env.svc.Get(ctx, testDocID, m.ID, "mallory")
	assert.Error(t, err)
}

func TestRefreshAdoptsUnconfirmedReservation(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")
	ctx := context.Background()

	m := &model.Milestone{ID: "ms-pending", DocumentID: testDocID, Recipient: env.wallet("bob"), Amount: decimal.NewFromInt(1)}
	require.NoError(t, env.store.Reserve(ctx, m))

	got, err := env.svc.Refresh(ctx, testDocID, m.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	signer := env.wallets["alice"]
	_, err = env.ledger.CreateEscrow(ctx, ledger.EscrowParams{
		MilestoneID: uint64(m.MilestoneID),
		ContractID:  uint64(testContractID),
		Amount:      1_000_000_000,
		Recipient:   signer.PublicKey(),
	}, signer)
	require.NoError(t, err)

	got, err = env.svc.Refresh(ctx, testDocID, m.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFunded, got.Status)
	assert.NotEmpty(t, got.EscrowAddress)
}

func TestTransitionsNeedCustodialKey(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")
	m := env.create(t)

	_, err := env.svc.MarkComplete(context.Background(), testDocID, m.ID, "bob")
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestMilestoneOutsideDocument(t *testing.T) {
	env := newEnv(t, []string{"alice", "bob"}, "alice")
	m := env.create(t)
	env.docs.docs["doc-2"] = env.docs.docs[testDocID]
	env.docs.members["doc-2"] = env.docs.members[testDocID]

	_, err := env.svc.Get(context.Background(), "doc-2", m.ID, "alice")
	assert.ErrorIs(t, err, ErrOutsideScope)

	_, err = env.svc.Get(context.Background(), testDocID, "missing", "alice")
	assert.ErrorIs(t, err, model.ErrMilestoneNotFound)
}

func TestCompleteWithSingleApprovalReleasesOnce(t *testing.T) {
	env := newEnv(t, []string{"alice"}, "alice")
	ctx := context.Background()
	created, err := env.svc.Create(ctx, testDocID, "alice", request("0.25", env.wallet("alice")))
	require.NoError(t, err)
	m := created.Milestone

	res, err := env.svc.Complete(ctx, testDocID, m.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"mark", "approve", "release"}, res.Steps)
	assert.Len(t, res.TxRefs, 3)
	assert.Equal(t, model.StatusReleased, res.Milestone.Status)

	_, err = env.svc.Release(ctx, testDocID, m.ID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyReleased)
	assert.Equal(t, 1, env.ledger.transferCount())
}

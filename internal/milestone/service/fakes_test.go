package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	docmodel "clausebase/internal/document/model"
	"clausebase/internal/ledger"
	"clausebase/internal/milestone/model"
	"clausebase/internal/wallet"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu           sync.Mutex
	rows         map[string]*model.Milestone
	failReserves int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*model.Milestone{}}
}

func (s *memStore) Reserve(_ context.Context, m *model.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReserves > 0 {
		s.failReserves--
		return &pq.Error{Code: "23505"}
	}
	var next int64
	for _, r := range s.rows {
		if r.DocumentID == m.DocumentID && r.MilestoneID > next {
			next = r.MilestoneID
		}
	}
	m.MilestoneID = next + 1
	m.Status = model.StatusPending
	m.CreatedAt = time.Now()
	cp := *m
	s.rows[m.ID] = &cp
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok && r.Status == model.StatusPending && r.CreateTx == nil {
		delete(s.rows, id)
	}
	return nil
}

func (s *memStore) MarkFunded(_ context.Context, id, escrowAddress, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	r.EscrowAddress = escrowAddress
	if txRef != "" {
		r.CreateTx = &txRef
	}
	r.Status = model.StatusFunded
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, model.ErrMilestoneNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListByDocument(_ context.Context, docID string) ([]model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Milestone
	for _, r := range s.rows {
		if r.DocumentID == docID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MilestoneID < out[j].MilestoneID })
	return out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	r.Status = status
	if status == model.StatusReleased && r.ReleasedAt == nil {
		now := time.Now()
		r.ReleasedAt = &now
	}
	return nil
}

func (s *memStore) SetReleased(_ context.Context, id, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rows[id]
	r.Status = model.StatusReleased
	r.ReleaseTx = &txRef
	if r.ReleasedAt == nil {
		now := time.Now()
		r.ReleasedAt = &now
	}
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// memDocs serves one registered document.
type memDocs struct {
	docs    map[string]*docmodel.Document
	members map[string][]docmodel.Member
}

func (d *memDocs) GetDocument(_ context.Context, docID string) (*docmodel.Document, error) {
	doc, ok := d.docs[docID]
	if !ok {
		return nil, docmodel.ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

func (d *memDocs) GetMember(_ context.Context, docID, userID string) (*docmodel.Member, error) {
	for _, m := range d.members[docID] {
		if m.UserID == userID {
			cp := m
			return &cp, nil
		}
	}
	return nil, docmodel.ErrMemberNotFound
}

func (d *memDocs) ListMembers(_ context.Context, docID string) ([]docmodel.Member, error) {
	return append([]docmodel.Member(nil), d.members[docID]...), nil
}

// fakeLedger applies the escrow instructions' checks to in-memory accounts.
type fakeLedger struct {
	mu        sync.Mutex
	deriver   ledger.Deriver
	contracts map[ledger.PublicKey]*ledger.ContractAccount
	escrows   map[ledger.PublicKey]*ledger.EscrowAccount
	transfers int
	txSeq     int
	readErr   error
}

var testProgramID = ledger.MustPublicKey("2Ye3UPoTi9t7j1vHq6VsqivGxQWgd6ofga5DgLRkJrFb")

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		deriver:   ledger.NewDeriver(testProgramID),
		contracts: map[ledger.PublicKey]*ledger.ContractAccount{},
		escrows:   map[ledger.PublicKey]*ledger.EscrowAccount{},
	}
}

func (f *fakeLedger) Deriver() ledger.Deriver { return f.deriver }

func (f *fakeLedger) nextTx() string {
	f.txSeq++
	return fmt.Sprintf("tx-%d", f.txSeq)
}

func copyEscrow(e *ledger.EscrowAccount) *ledger.EscrowAccount {
	cp := *e
	cp.Approvals = append([]ledger.PublicKey(nil), e.Approvals...)
	return &cp
}

func (f *fakeLedger) ReadEscrow(_ context.Context, address ledger.PublicKey) (*ledger.EscrowAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	e, ok := f.escrows[address]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return copyEscrow(e), nil
}

func (f *fakeLedger) CreateEscrow(_ context.Context, p ledger.EscrowParams, creator ledger.Signer) (ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Amount == 0 {
		return ledger.TxResult{}, ledger.ErrInvalidAmount
	}
	contractAddr, err := f.deriver.Contract(p.ContractID, creator.PublicKey())
	if err != nil {
		return ledger.TxResult{}, err
	}
	c, ok := f.contracts[contractAddr]
	if !ok {
		return ledger.TxResult{}, ledger.ErrNotInitialized
	}
	if c.Creator != creator.PublicKey() {
		return ledger.TxResult{}, ledger.ErrOnlyCreatorCanInitEscrow
	}
	if !c.IsParticipant(p.Recipient) {
		return ledger.TxResult{}, ledger.ErrRecipientNotParticipant
	}
	addr, err := f.deriver.Escrow(p.ContractID, p.MilestoneID)
	if err != nil {
		return ledger.TxResult{}, err
	}
	if _, exists := f.escrows[addr]; exists {
		return ledger.TxResult{}, ledger.ErrAlreadyExists
	}
	f.escrows[addr] = &ledger.EscrowAccount{
		Address:           addr,
		MilestoneID:       p.MilestoneID,
		ContractID:        p.ContractID,
		Description:       p.Description,
		Amount:            p.Amount,
		Recipient:         p.Recipient,
		Deadline:          p.Deadline,
		Status:            ledger.MilestoneFunded,
		ApprovalsRequired: uint8(len(c.Participants)),
		Creator:           creator.PublicKey(),
	}
	return ledger.TxResult{Address: addr, TxRef: f.nextTx()}, nil
}

func (f *fakeLedger) MarkMilestoneComplete(_ context.Context, escrow, contract ledger.PublicKey, marker ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.escrows[escrow]
	if e.Status != ledger.MilestoneFunded {
		return "", ledger.ErrMilestoneNotFunded
	}
	if !f.contracts[contract].IsParticipant(marker.PublicKey()) {
		return "", ledger.ErrNotAParticipant
	}
	by := marker.PublicKey()
	e.MarkedCompleteBy = &by
	e.Status = ledger.MilestoneMarkedComplete
	return f.nextTx(), nil
}

func (f *fakeLedger) ApproveMilestoneRelease(_ context.Context, escrow, contract ledger.PublicKey, approver ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.escrows[escrow]
	if e.Status != ledger.MilestoneMarkedComplete {
		return "", ledger.ErrMilestoneNotMarkedComplete
	}
	if !f.contracts[contract].IsParticipant(approver.PublicKey()) {
		return "", ledger.ErrNotAParticipant
	}
	if e.HasApproved(approver.PublicKey()) {
		return "", ledger.ErrAlreadyApprovedMilestone
	}
	e.Approvals = append(e.Approvals, approver.PublicKey())
	return f.nextTx(), nil
}

func (f *fakeLedger) ReleaseEscrowFunds(_ context.Context, escrow ledger.PublicKey, _ ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.escrows[escrow]
	if e.Status != ledger.MilestoneMarkedComplete {
		return "", ledger.ErrMilestoneNotMarkedComplete
	}
	if len(e.Approvals) < int(e.ApprovalsRequired) {
		return "", ledger.ErrInsufficientApprovals
	}
	e.Status = ledger.MilestoneReleased
	f.transfers++
	return f.nextTx(), nil
}

func (f *fakeLedger) CancelEscrow(_ context.Context, escrow ledger.PublicKey, creator ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.escrows[escrow]
	if e.Creator != creator.PublicKey() {
		return "", ledger.ErrOnlyCreatorCanCancelEscrow
	}
	if e.Status != ledger.MilestonePending && e.Status != ledger.MilestoneFunded {
		return "", ledger.ErrCannotCancelMilestone
	}
	e.Status = ledger.MilestoneCancelled
	return f.nextTx(), nil
}

func (f *fakeLedger) setStatus(escrow string, status ledger.MilestoneStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escrows[ledger.MustPublicKey(escrow)].Status = status
}

func (f *fakeLedger) failReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

func (f *fakeLedger) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

type recordingHub struct {
	mu     sync.Mutex
	events int
}

func (h *recordingHub) Publish(string, string, string, any) {
	h.mu.Lock()
	h.events++
	h.mu.Unlock()
}

type release struct{ client, vendor string }

type recordingReputation struct {
	mu    sync.Mutex
	calls []release
}

func (r *recordingReputation) RecordRelease(_ context.Context, clientID, vendorID string) {
	r.mu.Lock()
	r.calls = append(r.calls, release{clientID, vendorID})
	r.mu.Unlock()
}

const (
	testDocID      = "doc-1"
	testContractID = int64(7)
)

type testEnv struct {
	svc        *MilestoneService
	store      *memStore
	docs       *memDocs
	ledger     *fakeLedger
	hub        *recordingHub
	reputation *recordingReputation
	wallets    map[string]*ledger.Keypair
}

// newEnv registers testDocID created by alice with the given participants on
// the fake ledger. Only the custodial users' keys are held by the service.
func newEnv(t *testing.T, participants []string, custodial ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      newMemStore(),
		ledger:     newFakeLedger(),
		hub:        &recordingHub{},
		reputation: &recordingReputation{},
		wallets:    map[string]*ledger.Keypair{},
		docs:       &memDocs{docs: map[string]*docmodel.Document{}, members: map[string][]docmodel.Member{}},
	}
	ks := wallet.NewKeystore()
	var keys []ledger.PublicKey
	for _, u := range append([]string{"mallory"}, participants...) {
		kp, err := ledger.GenerateKeypair()
		require.NoError(t, err)
		env.wallets[u] = kp
	}
	for _, u := range participants {
		keys = append(keys, env.wallets[u].PublicKey())
		role := docmodel.RoleMember
		if u == "alice" {
			role = docmodel.RoleCreator
		}
		env.docs.members[testDocID] = append(env.docs.members[testDocID],
			docmodel.Member{DocumentID: testDocID, UserID: u, Wallet: env.wallet(u), Role: role})
	}
	for _, u := range custodial {
		ks.Add(env.wallets[u])
	}

	contractID := testContractID
	addr, err := env.ledger.deriver.Contract(uint64(contractID), env.wallets["alice"].PublicKey())
	require.NoError(t, err)
	address := addr.String()
	env.ledger.contracts[addr] = &ledger.ContractAccount{
		Address:           addr,
		ContractID:        uint64(contractID),
		Creator:           env.wallets["alice"].PublicKey(),
		Participants:      keys,
		RequiredApprovals: uint8(len(keys)),
		Status:            ledger.ContractActive,
	}
	env.docs.docs[testDocID] = &docmodel.Document{
		ID:               testDocID,
		Title:            "Service Agreement",
		CreatedBy:        "alice",
		CreatorWallet:    env.wallet("alice"),
		LedgerContractID: &contractID,
		LedgerAddress:    &address,
	}

	env.svc = NewMilestoneService(Deps{
		Repo:       env.store,
		Documents:  env.docs,
		Ledger:     env.ledger,
		Signers:    ks,
		Hub:        env.hub,
		Reputation: env.reputation,
	})
	return env
}

func (e *testEnv) wallet(user string) string {
	return e.wallets[user].PublicKey().String()
}

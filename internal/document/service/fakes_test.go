package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clausebase/internal/cas"
	"clausebase/internal/document/model"
	"clausebase/internal/ledger"
	"clausebase/internal/wallet"
	"clausebase/pkg/lock"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// memStore keeps documents in memory with the same conditional-update
// semantics as the SQL repository.
type memStore struct {
	mu           sync.Mutex
	docs         map[string]*model.Document
	members      map[string][]model.Member
	versions     map[string]*model.Version
	votes        map[string]map[string]*model.Vote
	comments     map[string]*model.Comment
	credited     map[string]bool
	nextContract uint64
	merges       int
	failInserts  int
}

func newMemStore() *memStore {
	return &memStore{
		docs:         map[string]*model.Document{},
		members:      map[string][]model.Member{},
		versions:     map[string]*model.Version{},
		votes:        map[string]map[string]*model.Vote{},
		comments:     map[string]*model.Comment{},
		credited:     map[string]bool{},
		nextContract: 1000,
	}
}

func copyVersion(v *model.Version) *model.Version {
	cp := *v
	return &cp
}

func (m *memStore) CreateDocument(_ context.Context, d *model.Document, creator *model.Member, v *model.Version, vote *model.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := *d
	m.docs[d.ID] = &doc
	m.members[d.ID] = append(m.members[d.ID], *creator)
	m.versions[v.ID] = copyVersion(v)
	m.votes[v.ID] = map[string]*model.Vote{vote.UserID: vote}
	return nil
}

func (m *memStore) GetDocument(_ context.Context, docID string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return nil, model.ErrDocumentNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) AddMember(_ context.Context, mem *model.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.members[mem.DocumentID]
	for i := range list {
		if list[i].UserID == mem.UserID {
			list[i].Wallet, list[i].Role = mem.Wallet, mem.Role
			return nil
		}
	}
	m.members[mem.DocumentID] = append(list, *mem)
	return nil
}

func (m *memStore) GetMember(_ context.Context, docID, userID string) (*model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.members[docID] {
		if mem.UserID == userID {
			cp := mem
			return &cp, nil
		}
	}
	return nil, model.ErrMemberNotFound
}

func (m *memStore) ListMembers(_ context.Context, docID string) ([]model.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Member(nil), m.members[docID]...), nil
}

func (m *memStore) NextLedgerContractID(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextContract++
	return m.nextContract, nil
}

func (m *memStore) SetLedgerRegistration(_ context.Context, docID string, contractID uint64, address, txRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[docID]
	if d.LedgerContractID != nil {
		return false, nil
	}
	id := int64(contractID)
	d.LedgerContractID, d.LedgerAddress, d.LedgerInitTx = &id, &address, &txRef
	return true, nil
}

func (m *memStore) CacheLedgerAddress(_ context.Context, docID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.docs[docID]; d.LedgerAddress == nil {
		d.LedgerAddress = &address
	}
	return nil
}

func (m *memStore) LatestVersion(_ context.Context, docID string) (*model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Version
	for _, v := range m.versions {
		if v.DocumentID == docID && (latest == nil || v.VersionNumber > latest.VersionNumber) {
			latest = v
		}
	}
	if latest == nil {
		return nil, model.ErrVersionNotFound
	}
	return copyVersion(latest), nil
}

func (m *memStore) InsertVersion(_ context.Context, v *model.Version, _ *model.Diff, vote *model.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts > 0 {
		m.failInserts--
		return &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	for _, other := range m.versions {
		if other.DocumentID == v.DocumentID && other.VersionNumber == v.VersionNumber {
			return &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	m.versions[v.ID] = copyVersion(v)
	m.votes[v.ID] = map[string]*model.Vote{vote.UserID: vote}
	return nil
}

func (m *memStore) GetVersion(_ context.Context, versionID string) (*model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[versionID]
	if !ok {
		return nil, model.ErrVersionNotFound
	}
	return copyVersion(v), nil
}

func (m *memStore) ListVersions(_ context.Context, docID string, mergedOnly bool) ([]model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Version
	for _, v := range m.versions {
		if v.DocumentID == docID && (!mergedOnly || v.Merged) {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (m *memStore) UpsertVote(_ context.Context, vote *model.Vote) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[vote.VersionID]
	if !ok || v.Merged {
		return false, nil
	}
	if existing, ok := m.votes[vote.VersionID][vote.UserID]; ok {
		if existing.Implicit {
			return false, nil
		}
		existing.Vote, existing.Comment, existing.UpdatedAt = vote.Vote, vote.Comment, time.Now()
		return true, nil
	}
	cp := *vote
	m.votes[vote.VersionID][vote.UserID] = &cp
	return true, nil
}

func (m *memStore) GetVote(_ context.Context, versionID, userID string) (*model.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votes[versionID][userID]
	if !ok {
		return nil, errors.New("vote not found")
	}
	cp := *v
	return &cp, nil
}

func (m *memStore) ListVotes(_ context.Context, versionID string) ([]model.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Vote
	for _, v := range m.votes[versionID] {
		out = append(out, *v)
	}
	return out, nil
}

func (m *memStore) Tally(_ context.Context, versionID string) (model.Tally, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t model.Tally
	for _, v := range m.votes[versionID] {
		if v.Vote == model.VoteApprove {
			t.ApproveCount++
		} else {
			t.RejectCount++
		}
	}
	return t, nil
}

func (m *memStore) UpdateApproval(_ context.Context, versionID string, status model.ApprovalStatus, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.versions[versionID]; !v.Merged {
		v.ApprovalStatus, v.ApprovalScore = status, score
	}
	return nil
}

func (m *memStore) MergeVersion(_ context.Context, versionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.versions[versionID]
	if v.Merged {
		return false, nil
	}
	now := time.Now()
	v.Merged, v.MergedAt, v.ApprovalStatus = true, &now, model.StatusMerged
	d := m.docs[v.DocumentID]
	d.Content, d.CurrentVersionID = v.Content, &v.ID
	m.merges++
	return true, nil
}

func (m *memStore) SetContentIdentifier(_ context.Context, versionID, cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[versionID].ContentIdentifier = &cid
	return nil
}

func (m *memStore) SetLedgerTxRef(_ context.Context, versionID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.versions[versionID]
	now := time.Now()
	v.LedgerTxRef, v.ProofError, v.ProofVerifiedAt = &txRef, nil, &now
	return nil
}

func (m *memStore) MarkProofVerified(_ context.Context, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.versions[versionID]
	now := time.Now()
	v.ProofVerifiedAt, v.ProofError = &now, nil
	return nil
}

func (m *memStore) ClaimCompletionCredit(_ context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credited[docID] {
		return false, nil
	}
	m.credited[docID] = true
	return true, nil
}

func (m *memStore) ListDocumentsByUser(_ context.Context, userID string) ([]model.DocumentSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.DocumentSummary{}
	for id, members := range m.members {
		for _, mem := range members {
			if mem.UserID != userID {
				continue
			}
			d := m.docs[id]
			out = append(out, model.DocumentSummary{
				ID:          d.ID,
				Title:       d.Title,
				Snippet:     model.Snippet(d.Content),
				CreatedBy:   d.CreatedBy,
				Role:        mem.Role,
				IsCreator:   d.CreatedBy == userID,
				MemberCount: len(members),
				Registered:  d.Registered(),
				UpdatedAt:   d.UpdatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteDocument(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	delete(m.members, docID)
	for id, v := range m.versions {
		if v.DocumentID != docID {
			continue
		}
		for cid, c := range m.comments {
			if c.VersionID == id {
				delete(m.comments, cid)
			}
		}
		delete(m.versions, id)
		delete(m.votes, id)
	}
	return nil
}

func (m *memStore) UpdateTitle(_ context.Context, docID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return model.ErrDocumentNotFound
	}
	d.Title, d.UpdatedAt = title, time.Now()
	return nil
}

func (m *memStore) AddComment(_ context.Context, c *model.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CreatedAt = time.Now()
	cp := *c
	m.comments[c.ID] = &cp
	return nil
}

func (m *memStore) GetComment(_ context.Context, commentID string) (*model.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok {
		return nil, model.ErrCommentNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListComments(_ context.Context, versionID string) ([]model.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Comment{}
	for _, c := range m.comments {
		if c.VersionID == versionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ToggleCommentResolved(_ context.Context, commentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.comments[commentID]
	if !ok {
		return false, model.ErrCommentNotFound
	}
	c.Resolved = !c.Resolved
	return c.Resolved, nil
}

// DeleteComment cascades to replies like the foreign key does.
func (m *memStore) DeleteComment(_ context.Context, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[commentID]; !ok {
		return model.ErrCommentNotFound
	}
	doomed := map[string]bool{commentID: true}
	for changed := true; changed; {
		changed = false
		for id, c := range m.comments {
			if !doomed[id] && c.ParentCommentID != nil && doomed[*c.ParentCommentID] {
				doomed[id] = true
				changed = true
			}
		}
	}
	for id := range doomed {
		delete(m.comments, id)
	}
	return nil
}

func (m *memStore) SetProofError(_ context.Context, versionID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[versionID].ProofError = &msg
	return nil
}

func (m *memStore) mergeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.merges
}

// fakeLedger applies the approval program's checks to in-memory accounts.
type fakeLedger struct {
	mu          sync.Mutex
	deriver     ledger.Deriver
	accounts    map[ledger.PublicKey]*ledger.ContractAccount
	approvals   int
	proofWrites int
	failProof   error
	txSeq       int
	completions map[ledger.PublicKey]int
}

var testProgramID = ledger.MustPublicKey("2Ye3UPoTi9t7j1vHq6VsqivGxQWgd6ofga5DgLRkJrFb")

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		deriver:  ledger.NewDeriver(testProgramID),
		accounts:    map[ledger.PublicKey]*ledger.ContractAccount{},
		completions: map[ledger.PublicKey]int{},
	}
}

func (f *fakeLedger) Deriver() ledger.Deriver { return f.deriver }

func (f *fakeLedger) Commitment() string { return ledger.CommitmentConfirmed }

func (f *fakeLedger) nextTx() string {
	f.txSeq++
	return fmt.Sprintf("tx-%d", f.txSeq)
}

func (f *fakeLedger) ReadContract(_ context.Context, address ledger.PublicKey) (*ledger.ContractAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[address]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *acct
	cp.Participants = append([]ledger.PublicKey(nil), acct.Participants...)
	cp.Approvers = append([]ledger.PublicKey(nil), acct.Approvers...)
	return &cp, nil
}

func (f *fakeLedger) CreateContract(_ context.Context, contractID uint64, participants []ledger.PublicKey, required uint8, creator ledger.Signer) (ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, err := f.deriver.Contract(contractID, creator.PublicKey())
	if err != nil {
		return ledger.TxResult{}, err
	}
	if _, ok := f.accounts[addr]; ok {
		return ledger.TxResult{}, ledger.ErrAlreadyExists
	}
	switch {
	case len(participants) > ledger.MaxParticipants:
		return ledger.TxResult{}, ledger.ErrTooManyParticipants
	case required == 0 || int(required) > len(participants):
		return ledger.TxResult{}, ledger.ErrInvalidApprovalThreshold
	}
	acct := &ledger.ContractAccount{
		Address:           addr,
		ContractID:        contractID,
		Creator:           creator.PublicKey(),
		Participants:      append([]ledger.PublicKey(nil), participants...),
		Status:            ledger.ContractActive,
		RequiredApprovals: required,
	}
	if !acct.IsParticipant(creator.PublicKey()) {
		return ledger.TxResult{}, ledger.ErrCreatorMustBeParticipant
	}
	f.accounts[addr] = acct
	return ledger.TxResult{Address: addr, TxRef: f.nextTx()}, nil
}

func (f *fakeLedger) RecordApproval(_ context.Context, contract ledger.PublicKey, approver ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[contract]
	if !ok {
		return "", ledger.ErrNotInitialized
	}
	who := approver.PublicKey()
	switch {
	case acct.Status != ledger.ContractActive:
		return "", ledger.ErrContractNotActive
	case !acct.IsParticipant(who):
		return "", ledger.ErrNotAParticipant
	case acct.HasApproved(who):
		return "", ledger.ErrAlreadyApproved
	}
	acct.Approvers = append(acct.Approvers, who)
	acct.CurrentApprovals++
	if acct.CurrentApprovals >= acct.RequiredApprovals {
		acct.Status = ledger.ContractCompleted
	}
	f.approvals++
	return f.nextTx(), nil
}

func (f *fakeLedger) UpdateProofPointer(_ context.Context, contract ledger.PublicKey, cid string, updater ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failProof != nil {
		err := f.failProof
		f.failProof = nil
		return "", err
	}
	acct, ok := f.accounts[contract]
	if !ok {
		return "", ledger.ErrNotInitialized
	}
	if len(cid) > ledger.MaxContentIDLength {
		return "", ledger.ErrIpfsHashTooLong
	}
	if !acct.IsParticipant(updater.PublicKey()) {
		return "", ledger.ErrNotAParticipant
	}
	acct.ContentID = cid
	f.proofWrites++
	return f.nextTx(), nil
}

func (f *fakeLedger) CancelContract(_ context.Context, contract ledger.PublicKey, creator ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[contract]
	switch {
	case !ok:
		return "", ledger.ErrNotInitialized
	case acct.Creator != creator.PublicKey():
		return "", ledger.ErrOnlyCreatorCanCancel
	case acct.Status != ledger.ContractActive:
		return "", ledger.ErrContractNotActive
	}
	acct.Status = ledger.ContractCancelled
	return f.nextTx(), nil
}

func (f *fakeLedger) MarkContractComplete(_ context.Context, contract, participant ledger.PublicKey, _ ledger.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accounts[contract]
	if !ok {
		return "", ledger.ErrNotInitialized
	}
	if acct.Status != ledger.ContractCompleted {
		return "", ledger.ErrContractNotCompleted
	}
	f.completions[participant]++
	return f.nextTx(), nil
}

func (f *fakeLedger) completionsOf(pk ledger.PublicKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completions[pk]
}

func (f *fakeLedger) setStatus(addr ledger.PublicKey, status ledger.ContractStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr].Status = status
}

func (f *fakeLedger) setContentID(addr ledger.PublicKey, cid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr].ContentID = cid
}

func (f *fakeLedger) counts() (approvals, proofWrites int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvals, f.proofWrites
}

// fakeCAS computes real identifiers, keeps what it is given and counts uploads.
type fakeCAS struct {
	uploads  atomic.Int32
	failures atomic.Int32

	mu         sync.Mutex
	blobs      map[string][]byte
	noRetrieve bool
}

func (c *fakeCAS) Upload(_ context.Context, content []byte) (string, error) {
	if c.failures.Load() > 0 {
		c.failures.Add(-1)
		return "", errors.New("cas unavailable")
	}
	c.uploads.Add(1)
	cid := cas.ComputeCID(content)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blobs == nil {
		c.blobs = map[string][]byte{}
	}
	c.blobs[cid] = append([]byte(nil), content...)
	return cid, nil
}

func (c *fakeCAS) Retrieve(_ context.Context, cid string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noRetrieve {
		return nil, cas.ErrRetrievalUnsupported
	}
	data, ok := c.blobs[cid]
	if !ok {
		return nil, cas.ErrNotFound
	}
	return data, nil
}

// forget drops stored content so retrieval fails.
func (c *fakeCAS) forget(cid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blobs, cid)
}

func (c *fakeCAS) Pin(context.Context, string) {}

type event struct {
	docID, userID, msgType string
}

type recordingHub struct {
	mu     sync.Mutex
	events []event
}

func (h *recordingHub) Publish(docID, userID, msgType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event{docID, userID, msgType})
}

func (h *recordingHub) count(msgType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.msgType == msgType {
			n++
		}
	}
	return n
}

// noLock hands out locks that exclude nothing, leaving the store's
// compare-and-set as the only guard.
type noLock struct{}

func (noLock) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

var _ lock.Locker = noLock{}

type testEnv struct {
	svc     *DocumentService
	store   *memStore
	ledger  *fakeLedger
	cas     *fakeCAS
	hub     *recordingHub
	wallets map[string]*ledger.Keypair
}

// newEnv creates a service where every named user has a wallet; only the
// custodial users' keys are held by the service.
func newEnv(t *testing.T, users []string, custodial ...string) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   newMemStore(),
		ledger:  newFakeLedger(),
		cas:     &fakeCAS{},
		hub:     &recordingHub{},
		wallets: map[string]*ledger.Keypair{},
	}
	ks := wallet.NewKeystore()
	for _, u := range users {
		kp, err := ledger.GenerateKeypair()
		require.NoError(t, err)
		env.wallets[u] = kp
	}
	for _, u := range custodial {
		ks.Add(env.wallets[u])
	}
	env.svc = NewDocumentService(Deps{
		Repo:    env.store,
		Ledger:  env.ledger,
		CAS:     env.cas,
		Signers: ks,
		Locker:  lock.NewLocalLocker(),
		Hub:     env.hub,
	})
	return env
}

func (e *testEnv) wallet(user string) string {
	return e.wallets[user].PublicKey().String()
}

// document creates a document owned by the first user with the rest as
// members, and returns its id.
func (e *testEnv) document(t *testing.T, creator string, members ...string) string {
	t.Helper()
	ctx := context.Background()
	res, err := e.svc.CreateDocument(ctx, creator, model.CreateDocRequest{Title: "Service Agreement", CreatorWallet: e.wallet(creator)})
	require.NoError(t, err)
	for _, m := range members {
		_, err := e.svc.AddMember(ctx, res.Document.ID, creator, model.AddMemberRequest{UserID: m, Wallet: e.wallet(m)})
		require.NoError(t, err)
	}
	return res.Document.ID
}

func (e *testEnv) contractAddress(t *testing.T, docID string) ledger.PublicKey {
	t.Helper()
	d, err := e.store.GetDocument(context.Background(), docID)
	require.NoError(t, err)
	require.NotNil(t, d.LedgerAddress)
	return ledger.MustPublicKey(*d.LedgerAddress)
}

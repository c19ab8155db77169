package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"clausebase/internal/document/model"
	"clausebase/internal/ledger"
	"clausebase/pkg/lock"
	"clausebase/pkg/logger"
	"clausebase/socket"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEmptyContent        = errors.New("content required")
	ErrEmptyTitle          = errors.New("title required")
	ErrInvalidVote         = errors.New("valid vote (approve/reject) required")
	ErrSelfVoteForbidden   = errors.New("your changes are automatically approved; you cannot vote on your own version")
	ErrFrozen              = errors.New("version already merged; votes are frozen")
	ErrNotMember           = errors.New("not a member of this document")
	ErrNotCreator          = errors.New("only the document creator can do this")
	ErrNotRegistered       = errors.New("document is not registered on the ledger")
	ErrAlreadyRegistered   = errors.New("document is already registered on the ledger")
	ErrNoSigner            = errors.New("no signing key held for wallet")
	ErrInvalidWallet       = errors.New("invalid wallet address")
	ErrAddressMismatch     = errors.New("ledger address does not match the derived contract address")
	ErrNotMerged           = errors.New("version is not merged")
	ErrVersionOutsideScope = errors.New("version does not belong to this document")
	ErrNotCommentAuthor    = errors.New("only the comment author or the document creator can do this")
	ErrCommentOutsideScope = errors.New("comment does not belong to this version")
)

// Store is the persistence the document service needs.
type Store interface {
	CreateDocument(ctx context.Context, d *model.Document, creator *model.Member, v *model.Version, vote *model.Vote) error
	GetDocument(ctx context.Context, docID string) (*model.Document, error)
	AddMember(ctx context.Context, m *model.Member) error
	GetMember(ctx context.Context, docID, userID string) (*model.Member, error)
	ListMembers(ctx context.Context, docID string) ([]model.Member, error)
	NextLedgerContractID(ctx context.Context) (uint64, error)
	SetLedgerRegistration(ctx context.Context, docID string, contractID uint64, address, txRef string) (bool, error)
	CacheLedgerAddress(ctx context.Context, docID, address string) error
	ListDocumentsByUser(ctx context.Context, userID string) ([]model.DocumentSummary, error)
	DeleteDocument(ctx context.Context, docID string) error
	UpdateTitle(ctx context.Context, docID, title string) error
	ClaimCompletionCredit(ctx context.Context, docID string) (bool, error)

	LatestVersion(ctx context.Context, docID string) (*model.Version, error)
	InsertVersion(ctx context.Context, v *model.Version, diff *model.Diff, vote *model.Vote) error
	GetVersion(ctx context.Context, versionID string) (*model.Version, error)
	ListVersions(ctx context.Context, docID string, mergedOnly bool) ([]model.Version, error)

	UpsertVote(ctx context.Context, vote *model.Vote) (bool, error)
	GetVote(ctx context.Context, versionID, userID string) (*model.Vote, error)
	ListVotes(ctx context.Context, versionID string) ([]model.Vote, error)
	Tally(ctx context.Context, versionID string) (model.Tally, error)
	UpdateApproval(ctx context.Context, versionID string, status model.ApprovalStatus, score int) error

	MergeVersion(ctx context.Context, versionID string) (bool, error)
	SetContentIdentifier(ctx context.Context, versionID, cid string) error
	SetLedgerTxRef(ctx context.Context, versionID, txRef string) error
	SetProofError(ctx context.Context, versionID, msg string) error
	MarkProofVerified(ctx context.Context, versionID string) error

	AddComment(ctx context.Context, c *model.Comment) error
	GetComment(ctx context.Context, commentID string) (*model.Comment, error)
	ListComments(ctx context.Context, versionID string) ([]model.Comment, error)
	ToggleCommentResolved(ctx context.Context, commentID string) (bool, error)
	DeleteComment(ctx context.Context, commentID string) error
}

// Ledger is the subset of the gateway used for document consensus.
type Ledger interface {
	Deriver() ledger.Deriver
	Commitment() string
	ReadContract(ctx context.Context, address ledger.PublicKey) (*ledger.ContractAccount, error)
	CreateContract(ctx context.Context, contractID uint64, participants []ledger.PublicKey, required uint8, creator ledger.Signer) (ledger.TxResult, error)
	RecordApproval(ctx context.Context, contract ledger.PublicKey, approver ledger.Signer) (string, error)
	UpdateProofPointer(ctx context.Context, contract ledger.PublicKey, cid string, updater ledger.Signer) (string, error)
	CancelContract(ctx context.Context, contract ledger.PublicKey, creator ledger.Signer) (string, error)
	MarkContractComplete(ctx context.Context, contract, participant ledger.PublicKey, payer ledger.Signer) (string, error)
}

type ContentStore interface {
	Upload(ctx context.Context, content []byte) (string, error)
	Retrieve(ctx context.Context, cid string) ([]byte, error)
	Pin(ctx context.Context, cid string)
}

// Signers resolves the custodial key for a wallet address.
type Signers interface {
	Signer(wallet string) (ledger.Signer, bool)
}

type Notifier interface {
	Publish(docID, userID, msgType string, payload any)
}

type Deps struct {
	Repo    Store
	Ledger  Ledger
	CAS     ContentStore
	Signers Signers
	Locker  lock.Locker
	Hub     Notifier
	// ProofSigner moves the on-chain content pointer when no custodial
	// participant key is held. It must itself be a participant.
	ProofSigner ledger.Signer
}

type DocumentService struct {
	Repo        Store
	Ledger      Ledger
	CAS         ContentStore
	Signers     Signers
	Locker      lock.Locker
	Hub         Notifier
	ProofSigner ledger.Signer
	log         *zap.Logger
}

func NewDocumentService(d Deps) *DocumentService {
	if d.Locker == nil {
		d.Locker = lock.NewLocalLocker()
	}
	return &DocumentService{
		Repo:        d.Repo,
		Ledger:      d.Ledger,
		CAS:         d.CAS,
		Signers:     d.Signers,
		Locker:      d.Locker,
		Hub:         d.Hub,
		ProofSigner: d.ProofSigner,
		log:         logger.Named("document"),
	}
}

func (s *DocumentService) publish(docID, userID, msgType string, payload any) {
	if s.Hub != nil {
		s.Hub.Publish(docID, userID, msgType, payload)
	}
}

func initialContent(title, description string) string {
	if description == "" {
		description = "No description provided."
	}
	return fmt.Sprintf("# %s\n\n%s\n\n---\n\n## Terms and Conditions\n\nThis contract outlines the terms and conditions for the parties involved.\n\n---\n\n## Signatures\n\n", title, description)
}

// CreateDocument stores a document with its first version already merged
// and approved by the creator.
func (s *DocumentService) CreateDocument(ctx context.Context, userID string, req model.CreateDocRequest) (*model.CreateDocResponse, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled Contract"
	}
	if req.CreatorWallet != "" {
		if _, err := ledger.ParsePublicKey(req.CreatorWallet); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
		}
	}
	content := req.Content
	if strings.TrimSpace(content) == "" {
		content = initialContent(title, req.Description)
	}

	docID := uuid.NewString()
	versionID := uuid.NewString()
	doc := &model.Document{
		ID:               docID,
		Title:            title,
		Description:      req.Description,
		Content:          content,
		CurrentVersionID: &versionID,
		CreatedBy:        userID,
		CreatorWallet:    req.CreatorWallet,
	}
	creator := &model.Member{DocumentID: docID, UserID: userID, Wallet: req.CreatorWallet, Role: model.RoleCreator}
	version := &model.Version{
		ID:             versionID,
		DocumentID:     docID,
		VersionNumber:  1,
		AuthorID:       userID,
		Content:        content,
		DiffSummary:    "Initial version",
		CommitMessage:  "Initial commit",
		ApprovalStatus: model.StatusMerged,
		ApprovalScore:  1,
		Merged:         true,
	}
	vote := implicitVote(versionID, userID, "Auto-approved by creator")

	if err := s.Repo.CreateDocument(ctx, doc, creator, version, vote); err != nil {
		return nil, err
	}
	s.log.Info("document created", zap.String("document_id", docID), zap.String("user_id", userID))
	return &model.CreateDocResponse{Document: doc, Version: version}, nil
}

func (s *DocumentService) signerFor(wallet string) (ledger.Signer, bool) {
	if s.Signers == nil || wallet == "" {
		return nil, false
	}
	return s.Signers.Signer(wallet)
}

func implicitVote(versionID, userID, comment string) *model.Vote {
	return &model.Vote{
		ID:        uuid.NewString(),
		VersionID: versionID,
		UserID:    userID,
		Vote:      model.VoteApprove,
		Comment:   &comment,
		Implicit:  true,
	}
}

// authorize loads the document and the caller's membership.
func (s *DocumentService) authorize(ctx context.Context, docID, userID string) (*model.Document, *model.Member, error) {
	doc, err := s.Repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.Repo.GetMember(ctx, docID, userID)
	if errors.Is(err, model.ErrMemberNotFound) {
		return nil, nil, ErrNotMember
	}
	if err != nil {
		return nil, nil, err
	}
	return doc, m, nil
}

func (s *DocumentService) GetDocument(ctx context.Context, docID, userID string) (*model.Document, error) {
	doc, _, err := s.authorize(ctx, docID, userID)
	return doc, err
}

func (s *DocumentService) ListMembers(ctx context.Context, docID, userID string) ([]model.Member, error) {
	if _, _, err := s.authorize(ctx, docID, userID); err != nil {
		return nil, err
	}
	return s.Repo.ListMembers(ctx, docID)
}

// AddMember lets the creator add a party and the wallet it signs with.
func (s *DocumentService) AddMember(ctx context.Context, docID, requestorID string, req model.AddMemberRequest) (*model.Member, error) {
	doc, err := s.Repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.CreatedBy != requestorID {
		return nil, ErrNotCreator
	}
	if req.Wallet != "" {
		if _, err := ledger.ParsePublicKey(req.Wallet); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
		}
	}
	role := req.Role
	if role == "" {
		role = model.RoleMember
	}
	m := &model.Member{DocumentID: docID, UserID: req.UserID, Wallet: req.Wallet, Role: role}
	if err := s.Repo.AddMember(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// contractAddress prefers the cached address and falls back to deriving it
// from the contract id and creator wallet. ok is false for documents that
// were never registered.
func (s *DocumentService) contractAddress(ctx context.Context, doc *model.Document) (addr ledger.PublicKey, cached, ok bool, err error) {
	if doc.LedgerAddress != nil && *doc.LedgerAddress != "" {
		addr, err = ledger.ParsePublicKey(*doc.LedgerAddress)
		return addr, true, err == nil, err
	}
	if doc.LedgerContractID == nil || doc.CreatorWallet == "" || s.Ledger == nil {
		return addr, false, false, nil
	}
	addr, err = s.Ledger.Deriver().ContractFromStrings(uint64(*doc.LedgerContractID), doc.CreatorWallet)
	if err != nil {
		return addr, false, false, err
	}
	if cerr := s.Repo.CacheLedgerAddress(ctx, doc.ID, addr.String()); cerr != nil {
		s.log.Warn("cache ledger address", zap.String("document_id", doc.ID), zap.Error(cerr))
	}
	return addr, false, true, nil
}

// RegisterOnChain creates the on-chain approval contract for a document with
// every member wallet as a participant.
func (s *DocumentService) RegisterOnChain(ctx context.Context, docID, requestorID string, req model.RegisterRequest) (*model.Registration, error) {
	if s.Ledger == nil {
		return nil, ErrNotRegistered
	}
	doc, err := s.Repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.CreatedBy != requestorID {
		return nil, ErrNotCreator
	}
	if doc.Registered() {
		return nil, ErrAlreadyRegistered
	}
	if doc.CreatorWallet == "" {
		return nil, fmt.Errorf("%w: creator has no wallet", ErrInvalidWallet)
	}
	signer, ok := s.signerFor(doc.CreatorWallet)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSigner, doc.CreatorWallet)
	}

	members, err := s.Repo.ListMembers(ctx, docID)
	if err != nil {
		return nil, err
	}
	var participants []ledger.PublicKey
	var wallets []string
	seen := map[ledger.PublicKey]bool{}
	for _, m := range members {
		if m.Wallet == "" {
			continue
		}
		pk, err := ledger.ParsePublicKey(m.Wallet)
		if err != nil {
			return nil, fmt.Errorf("%w: member %s: %v", ErrInvalidWallet, m.UserID, err)
		}
		if seen[pk] {
			continue
		}
		seen[pk] = true
		participants = append(participants, pk)
		wallets = append(wallets, m.Wallet)
	}
	required := req.RequiredApprovals
	if required == 0 {
		required = uint8(min(len(participants), ledger.MaxParticipants))
	}

	contractID, err := s.Repo.NextLedgerContractID(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.Ledger.CreateContract(ctx, contractID, participants, required, signer)
	if err != nil {
		return nil, err
	}
	stored, err := s.Repo.SetLedgerRegistration(ctx, docID, contractID, res.Address.String(), res.TxRef)
	if err != nil {
		// The contract exists on-chain; the caller can attach it later.
		s.log.Error("ledger contract created but not stored",
			zap.String("document_id", docID), zap.Uint64("contract_id", contractID),
			zap.String("address", res.Address.String()), zap.String("tx", res.TxRef), zap.Error(err))
		return nil, err
	}
	if !stored {
		return nil, ErrAlreadyRegistered
	}
	s.log.Info("document registered on ledger",
		zap.String("document_id", docID), zap.Uint64("contract_id", contractID), zap.String("address", res.Address.String()))

	return &model.Registration{
		ContractID:   contractID,
		Address:      res.Address.String(),
		TxRef:        res.TxRef,
		Participants: wallets,
		Required:     required,
		Initialized:  true,
	}, nil
}

// AttachOnChain records a contract the creator initialised with their own
// wallet after checking it lives at the derived address.
func (s *DocumentService) AttachOnChain(ctx context.Context, docID, requestorID string, req model.AttachRequest) (*model.Registration, error) {
	if s.Ledger == nil {
		return nil, ErrNotRegistered
	}
	doc, err := s.Repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.CreatedBy != requestorID {
		return nil, ErrNotCreator
	}
	if doc.Registered() {
		return nil, ErrAlreadyRegistered
	}
	want, err := s.Ledger.Deriver().ContractFromStrings(req.ContractID, doc.CreatorWallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	if want.String() != req.Address {
		return nil, ErrAddressMismatch
	}
	acct, err := s.Ledger.ReadContract(ctx, want)
	if err != nil {
		return nil, err
	}
	stored, err := s.Repo.SetLedgerRegistration(ctx, docID, req.ContractID, want.String(), req.TxRef)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, ErrAlreadyRegistered
	}
	return &model.Registration{
		ContractID:  req.ContractID,
		Address:     want.String(),
		TxRef:       req.TxRef,
		Required:    acct.RequiredApprovals,
		Initialized: true,
	}, nil
}

// LedgerAddress reports where the document's contract lives.
func (s *DocumentService) LedgerAddress(ctx context.Context, docID, userID string) (*model.Registration, error) {
	doc, _, err := s.authorize(ctx, docID, userID)
	if err != nil {
		return nil, err
	}
	addr, cached, ok, err := s.contractAddress(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRegistered
	}
	reg := &model.Registration{Address: addr.String(), Initialized: cached}
	if s.Ledger != nil {
		reg.Commitment = s.Ledger.Commitment()
	}
	if doc.LedgerContractID != nil {
		reg.ContractID = uint64(*doc.LedgerContractID)
	}
	return reg, nil
}

// CancelOnChain moves the document's Active contract to Cancelled. Only the
// creator may, signing with the wallet the contract was derived from.
func (s *DocumentService) CancelOnChain(ctx context.Context, docID, requestorID string) (*model.OnChainState, error) {
	if s.Ledger == nil {
		return nil, ErrNotRegistered
	}
	doc, err := s.Repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.CreatedBy != requestorID {
		return nil, ErrNotCreator
	}
	addr, _, ok, err := s.contractAddress(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRegistered
	}
	signer, ok := s.signerFor(doc.CreatorWallet)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSigner, doc.CreatorWallet)
	}

	unlock, err := s.Locker.Acquire(ctx, lockKey(docID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.Ledger.ReadContract(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acct.Status != ledger.ContractActive {
		return nil, ledger.ErrContractNotActive
	}
	tx, err := s.Ledger.CancelContract(ctx, addr, signer)
	if err != nil {
		return nil, err
	}
	s.log.Info("ledger contract cancelled",
		zap.String("document_id", docID), zap.String("address", addr.String()), zap.String("tx", tx))
	if acct, err = s.Ledger.ReadContract(ctx, addr); err != nil {
		s.log.Warn("read contract after cancel", zap.String("document_id", docID), zap.Error(err))
		return &model.OnChainState{Address: addr.String(), Status: ledger.ContractCancelled.String()}, nil
	}
	state := ledgerState(acct)
	s.publish(docID, requestorID, socket.ContractCancelledType, state)
	return state, nil
}

// ListDocuments returns the documents the user belongs to.
func (s *DocumentService) ListDocuments(ctx context.Context, userID string) ([]model.DocumentSummary, error) {
	return s.Repo.ListDocumentsByUser(ctx, userID)
}

// DeleteDocument removes a document with everything attached to it. Only the
// creator may; the on-chain contract, if any, is left as it is.
func (s *DocumentService) DeleteDocument(ctx context.Context, docID, requestorID string) error {
	doc, err := s.Repo.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.CreatedBy != requestorID {
		return ErrNotCreator
	}
	if err := s.Repo.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	s.log.Info("document deleted", zap.String("document_id", docID), zap.String("user_id", requestorID))
	s.publish(docID, requestorID, socket.DocumentDeletedType, map[string]string{"id": docID})
	return nil
}

// UpdateTitle renames a document. Only the creator may.
func (s *DocumentService) UpdateTitle(ctx context.Context, docID, requestorID, title string) (*model.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	doc, err := s.Repo.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.CreatedBy != requestorID {
		return nil, ErrNotCreator
	}
	if err := s.Repo.UpdateTitle(ctx, docID, title); err != nil {
		return nil, err
	}
	doc.Title = title
	s.publish(docID, requestorID, socket.MetadataType, map[string]string{"id": docID, "title": title})
	return doc, nil
}

// ledgerState converts an account into its response form.
func ledgerState(acct *ledger.ContractAccount) *model.OnChainState {
	approvers := make([]string, len(acct.Approvers))
	for i, a := range acct.Approvers {
		approvers[i] = a.String()
	}
	return &model.OnChainState{
		Address:           acct.Address.String(),
		Status:            acct.Status.String(),
		CurrentApprovals:  acct.CurrentApprovals,
		RequiredApprovals: acct.RequiredApprovals,
		Approvers:         approvers,
		ContentIdentifier: acct.ContentID,
	}
}

package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode is a JSON-RPC endpoint that executes the contract-side
// instructions against in-memory accounts.
type fakeNode struct {
	t  *testing.T
	mu sync.Mutex

	accounts   map[PublicKey][]byte
	signatures map[string]json.RawMessage
	calls      map[string]int

	// failStatus is returned for the next failCount requests, and for every
	// call of failMethod.
	failStatus int
	failCount  int
	failMethod string
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	n := &fakeNode{
		t:          t,
		accounts:   map[PublicKey][]byte{},
		signatures: map[string]json.RawMessage{},
		calls:      map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) put(addr PublicKey, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[addr] = data
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if !assert.NoError(n.t, json.NewDecoder(r.Body).Decode(&req)) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Method]++
	if n.failCount > 0 || req.Method == n.failMethod {
		if n.failCount > 0 {
			n.failCount--
		}
		w.WriteHeader(n.failStatus)
		return
	}

	slot := map[string]any{"slot": 1}
	reply := func(result any) {
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
	replyErr := func(code int, msg string, data any) {
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": code, "message": msg, "data": data}})
	}

	switch req.Method {
	case "getAccountInfo":
		var addr string
		json.Unmarshal(req.Params[0], &addr)
		data, ok := n.accounts[MustPublicKey(addr)]
		if !ok {
			reply(map[string]any{"context": slot, "value": nil})
			return
		}
		reply(map[string]any{"context": slot, "value": map[string]any{
			"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
			"owner":      testProgramID.String(),
			"lamports":   1_000_000,
			"executable": false,
			"rentEpoch":  0,
		}})
	case "getLatestBlockhash":
		reply(map[string]any{"context": slot, "value": map[string]any{
			"blockhash":            solana.HashFromBytes(bytes.Repeat([]byte{7}, 32)).String(),
			"lastValidBlockHeight": 100,
		}})
	case "getSignatureStatuses":
		var sigs []string
		json.Unmarshal(req.Params[0], &sigs)
		status, ok := n.signatures[sigs[0]]
		if !ok {
			reply(map[string]any{"context": slot, "value": []any{nil}})
			return
		}
		reply(map[string]any{"context": slot, "value": []any{map[string]any{
			"slot": 1, "confirmations": nil, "confirmationStatus": "finalized", "err": status,
		}}})
	case "sendTransaction":
		var encoded string
		json.Unmarshal(req.Params[0], &encoded)
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(n.t, err)
		tx, err := solana.TransactionFromBytes(raw)
		require.NoError(n.t, err)
		require.NoError(n.t, tx.VerifySignatures(), "bad signature")

		signers := map[PublicKey]bool{}
		for _, k := range tx.Message.Signers() {
			signers[k] = true
		}
		for _, ci := range tx.Message.Instructions {
			ix := fakeInstruction{data: ci.Data}
			for _, idx := range ci.Accounts {
				ix.accounts = append(ix.accounts, tx.Message.AccountKeys[idx])
			}
			if code, failed := n.execute(ix, signers); failed {
				replyErr(-32002, "Transaction simulation failed", map[string]any{
					"err":  map[string]any{"InstructionError": []any{0, map[string]any{"Custom": code}}},
					"logs": []string{},
				})
				return
			}
		}
		sig := tx.Signatures[0].String()
		n.signatures[sig] = json.RawMessage("null")
		reply(sig)
	default:
		replyErr(-32601, "Method not found", nil)
	}
}

type fakeInstruction struct {
	accounts []PublicKey
	data     []byte
}

func (n *fakeNode) execute(ix fakeInstruction, signers map[PublicKey]bool) (uint32, bool) {
	disc := ix.data[:8]
	args := bin.NewBorshDecoder(ix.data[8:])
	is := func(name string) bool { return bytes.Equal(disc, instructionDiscriminator(name)) }

	switch {
	case is("initialize_reputation"):
		if _, exists := n.accounts[ix.accounts[0]]; exists {
			return codeAccountAlreadyInUse, true
		}
		n.accounts[ix.accounts[0]] = reputationData(n.t, ReputationAccount{Wallet: ix.accounts[1]})
	case is("initialize_contract"):
		if _, exists := n.accounts[ix.accounts[0]]; exists {
			return codeAccountAlreadyInUse, true
		}
		if _, ok := n.accounts[ix.accounts[1]]; !ok {
			return codeAccountNotInitialized, true
		}
		var in initializeContractArgs
		require.NoError(n.t, args.Decode(&in))
		n.accounts[ix.accounts[0]] = contractData(n.t, ContractAccount{
			ContractID:        in.ContractID,
			Creator:           ix.accounts[2],
			Participants:      in.Participants,
			RequiredApprovals: in.RequiredApprovals,
		})
	case is("approve_contract"):
		c, err := decodeContract(ix.accounts[0], n.accounts[ix.accounts[0]])
		if err != nil {
			return codeAccountNotInitialized, true
		}
		approver := ix.accounts[2]
		switch {
		case !signers[approver]:
			return codeConstraintSeeds, true
		case c.Status != ContractActive:
			return ErrContractNotActive.Code, true
		case !c.IsParticipant(approver):
			return ErrNotAParticipant.Code, true
		case c.HasApproved(approver):
			return ErrAlreadyApproved.Code, true
		}
		c.Approvers = append(c.Approvers, approver)
		c.CurrentApprovals++
		if c.CurrentApprovals >= c.RequiredApprovals {
			c.Status = ContractCompleted
		}
		n.accounts[ix.accounts[0]] = contractData(n.t, *c)
	case is("cancel_contract"):
		c, err := decodeContract(ix.accounts[0], n.accounts[ix.accounts[0]])
		if err != nil {
			return codeAccountNotInitialized, true
		}
		switch {
		case c.Creator != ix.accounts[1] || !signers[ix.accounts[1]]:
			return ErrOnlyCreatorCanCancel.Code, true
		case c.Status != ContractActive:
			return ErrContractNotActive.Code, true
		}
		c.Status = ContractCancelled
		n.accounts[ix.accounts[0]] = contractData(n.t, *c)
	case is("mark_contract_complete"):
		c, err := decodeContract(ix.accounts[0], n.accounts[ix.accounts[0]])
		if err != nil {
			return codeAccountNotInitialized, true
		}
		if c.Status != ContractCompleted {
			return ErrContractNotCompleted.Code, true
		}
		rep, err := decodeReputation(ix.accounts[1], n.accounts[ix.accounts[1]])
		if err != nil {
			return codeAccountNotInitialized, true
		}
		rep.ContractsCompleted++
		n.accounts[ix.accounts[1]] = reputationData(n.t, *rep)
	case is("update_contract_ipfs"):
		c, err := decodeContract(ix.accounts[0], n.accounts[ix.accounts[0]])
		if err != nil {
			return codeAccountNotInitialized, true
		}
		var in updateContractIPFSArgs
		require.NoError(n.t, args.Decode(&in))
		c.ContentID = in.IpfsHash
		n.accounts[ix.accounts[0]] = contractData(n.t, *c)
	default:
		n.t.Fatalf("unexpected instruction %x", disc)
	}
	return 0, false
}

func newTestGateway(srv *httptest.Server) *Gateway {
	return NewGateway(Config{
		RPCURL:         srv.URL,
		ProgramID:      testProgramID,
		Commitment:     CommitmentFinalized,
		ConfirmTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		ReadRetries:    3,
	})
}

func TestGatewayContractLifecycle(t *testing.T) {
	_, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	ctx := context.Background()

	creator, _ := GenerateKeypair()
	p2, _ := GenerateKeypair()
	p3, _ := GenerateKeypair()
	participants := []PublicKey{creator.PublicKey(), p2.PublicKey(), p3.PublicKey()}

	res, err := gw.CreateContract(ctx, 1001, participants, 2, creator)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxRef)
	want, err := gw.Deriver().Contract(1001, creator.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, want, res.Address)

	acct, err := gw.ReadContract(ctx, res.Address)
	require.NoError(t, err)
	assert.Equal(t, ContractActive, acct.Status)
	assert.Equal(t, uint8(2), acct.RequiredApprovals)
	assert.Equal(t, participants, acct.Participants)

	_, err = gw.CreateContract(ctx, 1001, participants, 2, creator)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = gw.RecordApproval(ctx, res.Address, p2)
	require.NoError(t, err)
	_, err = gw.RecordApproval(ctx, res.Address, p2)
	assert.ErrorIs(t, err, ErrAlreadyApproved)

	outsider, _ := GenerateKeypair()
	_, err = gw.RecordApproval(ctx, res.Address, outsider)
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = gw.RecordApproval(ctx, res.Address, p3)
	require.NoError(t, err)

	acct, err = gw.ReadContract(ctx, res.Address)
	require.NoError(t, err)
	assert.Equal(t, ContractCompleted, acct.Status)
	assert.Equal(t, uint8(2), acct.CurrentApprovals)
	assert.True(t, acct.QuorumReached())

	_, err = gw.RecordApproval(ctx, res.Address, creator)
	assert.ErrorIs(t, err, ErrContractNotActive)
}

func TestGatewayCreateContractValidatesLocally(t *testing.T) {
	node, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	creator, _ := GenerateKeypair()
	other, _ := GenerateKeypair()

	_, err := gw.CreateContract(context.Background(), 1, []PublicKey{other.PublicKey()}, 1, creator)
	assert.ErrorIs(t, err, ErrCreatorMustBeParticipant)

	_, err = gw.CreateContract(context.Background(), 1, []PublicKey{creator.PublicKey()}, 2, creator)
	assert.ErrorIs(t, err, ErrInvalidApprovalThreshold)

	assert.Zero(t, node.count("sendTransaction"))
}

func TestGatewayUpdateProofPointer(t *testing.T) {
	node, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	ctx := context.Background()
	creator, _ := GenerateKeypair()

	missing, err := gw.Deriver().Contract(5, creator.PublicKey())
	require.NoError(t, err)
	_, err = gw.UpdateProofPointer(ctx, missing, "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", creator)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = gw.UpdateProofPointer(ctx, missing, "Qm"+string(bytes.Repeat([]byte{'a'}, 45)), creator)
	assert.ErrorIs(t, err, ErrContentIDTooLong)

	res, err := gw.CreateContract(ctx, 5, []PublicKey{creator.PublicKey()}, 1, creator)
	require.NoError(t, err)
	_, err = gw.UpdateProofPointer(ctx, res.Address, "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", creator)
	require.NoError(t, err)

	acct, err := gw.ReadContract(ctx, res.Address)
	require.NoError(t, err)
	assert.Equal(t, "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", acct.ContentID)
	assert.Positive(t, node.count("getSignatureStatuses"))
}

func TestGatewayReadRetriesTransientFailures(t *testing.T) {
	node, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	addr := testKey(5)
	node.put(addr, contractData(t, ContractAccount{ContractID: 9, Participants: []PublicKey{testKey(1)}}))

	node.mu.Lock()
	node.failStatus = http.StatusTooManyRequests
	node.failCount = 2
	node.mu.Unlock()

	acct, err := gw.ReadContract(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), acct.ContractID)
	assert.Equal(t, 3, node.count("getAccountInfo"))
}

func TestGatewayReadNotFound(t *testing.T) {
	_, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	_, err := gw.ReadContract(context.Background(), testKey(3))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGatewayWritesAreNotRetried(t *testing.T) {
	node, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	signer, _ := GenerateKeypair()
	rep, err := gw.Deriver().Reputation(signer.PublicKey())
	require.NoError(t, err)
	node.put(rep, reputationData(t, ReputationAccount{Wallet: signer.PublicKey()}))
	contract := testKey(6)
	node.put(contract, contractData(t, ContractAccount{Participants: []PublicKey{signer.PublicKey()}, RequiredApprovals: 1}))

	node.mu.Lock()
	node.failMethod = "sendTransaction"
	node.failStatus = http.StatusBadGateway
	node.mu.Unlock()

	_, err = gw.RecordApproval(context.Background(), contract, signer)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 1, node.count("sendTransaction"))
}

func TestGatewayCancelContract(t *testing.T) {
	_, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	ctx := context.Background()
	creator, _ := GenerateKeypair()
	p2, _ := GenerateKeypair()

	res, err := gw.CreateContract(ctx, 12, []PublicKey{creator.PublicKey(), p2.PublicKey()}, 2, creator)
	require.NoError(t, err)

	_, err = gw.CancelContract(ctx, res.Address, p2)
	assert.ErrorIs(t, err, ErrOnlyCreatorCanCancel)

	ref, err := gw.CancelContract(ctx, res.Address, creator)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	acct, err := gw.ReadContract(ctx, res.Address)
	require.NoError(t, err)
	assert.Equal(t, ContractCancelled, acct.Status)

	_, err = gw.CancelContract(ctx, res.Address, creator)
	assert.ErrorIs(t, err, ErrContractNotActive)
}

func TestGatewayMarkContractComplete(t *testing.T) {
	_, srv := newFakeNode(t)
	gw := newTestGateway(srv)
	ctx := context.Background()
	creator, _ := GenerateKeypair()

	res, err := gw.CreateContract(ctx, 13, []PublicKey{creator.PublicKey()}, 1, creator)
	require.NoError(t, err)

	_, err = gw.MarkContractComplete(ctx, res.Address, creator.PublicKey(), creator)
	assert.ErrorIs(t, err, ErrContractNotCompleted)

	_, err = gw.RecordApproval(ctx, res.Address, creator)
	require.NoError(t, err)
	_, err = gw.MarkContractComplete(ctx, res.Address, creator.PublicKey(), creator)
	require.NoError(t, err)

	rep, err := gw.ReadReputation(ctx, creator.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rep.ContractsCompleted)
}

func TestLE64(t *testing.T) {
	assert.Equal(t, uint64(1001), binary.LittleEndian.Uint64(LE64(1001)))
}

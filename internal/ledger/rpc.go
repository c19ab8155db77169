package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"
)

// Commitment levels in increasing order of finality.
const (
	CommitmentProcessed = string(rpc.CommitmentProcessed)
	CommitmentConfirmed = string(rpc.CommitmentConfirmed)
	CommitmentFinalized = string(rpc.CommitmentFinalized)
)

func commitmentRank(c string) int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

const rpcCodeNodeUnhealthy = -32005

// limitedClient paces every JSON-RPC call through a token bucket.
type limitedClient struct {
	jsonrpc.RPCClient
	limiter *rate.Limiter
}

var _ rpc.JSONRPCClient = (*limitedClient)(nil)

func (c *limitedClient) CallForInto(ctx context.Context, out any, method string, params []any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.RPCClient.CallForInto(ctx, out, method, params)
}

func (c *limitedClient) CallWithCallback(ctx context.Context, method string, params []any, cb func(*http.Request, *http.Response) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.RPCClient.CallWithCallback(ctx, method, params, cb)
}

func (c *limitedClient) CallBatch(ctx context.Context, reqs jsonrpc.RPCRequests) (jsonrpc.RPCResponses, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.RPCClient.CallBatch(ctx, reqs)
}

// rpcClient wraps the node client with read retries and typed errors.
type rpcClient struct {
	node        *rpc.Client
	readRetries uint64
}

func newRPCClient(url string, httpClient *http.Client, rps float64, readRetries int) *rpcClient {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(int(rps), 1)
	}
	transport := jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: httpClient})
	return &rpcClient{
		node:        rpc.NewWithCustomRPCClient(&limitedClient{RPCClient: transport, limiter: rate.NewLimiter(limit, burst)}),
		readRetries: uint64(max(readRetries, 0)),
	}
}

// classify wraps network failures, HTTP 429 and 5xx, and unhealthy-node
// replies in ErrTransient.
func classify(method string, err error) error {
	if err == nil || errors.Is(err, rpc.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr *jsonrpc.RPCError
	if errors.As(err, &rerr) {
		if rerr.Code == rpcCodeNodeUnhealthy {
			return fmt.Errorf("%w: %s: rpc error %d: %s", ErrTransient, method, rerr.Code, rerr.Message)
		}
		return fmt.Errorf("%s: rpc error %d: %s", method, rerr.Code, rerr.Message)
	}
	var herr *jsonrpc.HTTPError
	if errors.As(err, &herr) {
		if herr.Code == http.StatusTooManyRequests || herr.Code >= 500 {
			return fmt.Errorf("%w: %s: http %d", ErrTransient, method, herr.Code)
		}
		return fmt.Errorf("%s: unexpected http status %d", method, herr.Code)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
}

// read retries transient failures with exponential backoff. Only idempotent
// queries go through here.
func (c *rpcClient) read(ctx context.Context, method string, call func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.readRetries), ctx)

	return backoff.Retry(func() error {
		err := classify(method, call())
		if err == nil || errors.Is(err, ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// getAccountData returns the raw account bytes, or ErrNotFound when the
// node reports no account at the address.
func (c *rpcClient) getAccountData(ctx context.Context, address PublicKey, commitment string) ([]byte, error) {
	var res *rpc.GetAccountInfoResult
	err := c.read(ctx, "getAccountInfo", func() (err error) {
		res, err = c.node.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rpc.CommitmentType(commitment),
		})
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	data := res.Value.Data.GetBinary()
	if data == nil {
		return nil, fmt.Errorf("getAccountInfo %s: empty data field", address)
	}
	return data, nil
}

func (c *rpcClient) getLatestBlockhash(ctx context.Context, commitment string) (solana.Hash, error) {
	var res *rpc.GetLatestBlockhashResult
	err := c.read(ctx, "getLatestBlockhash", func() (err error) {
		res, err = c.node.GetLatestBlockhash(ctx, rpc.CommitmentType(commitment))
		return err
	})
	if err != nil {
		return solana.Hash{}, err
	}
	if res == nil || res.Value == nil {
		return solana.Hash{}, fmt.Errorf("%w: getLatestBlockhash: empty value", ErrTransient)
	}
	return res.Value.Blockhash, nil
}

// sendTransaction submits once. Preflight rejections are decoded into
// ProgramError or TransactionError values.
func (c *rpcClient) sendTransaction(ctx context.Context, tx *solana.Transaction, commitment string) (solana.Signature, error) {
	sig, err := c.node.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		Encoding:            solana.EncodingBase64,
		PreflightCommitment: rpc.CommitmentType(commitment),
	})
	if err == nil {
		return sig, nil
	}
	var rerr *jsonrpc.RPCError
	if errors.As(err, &rerr) && rerr.Data != nil {
		var data struct {
			Err json.RawMessage `json:"err"`
		}
		if raw, merr := json.Marshal(rerr.Data); merr == nil && json.Unmarshal(raw, &data) == nil {
			if terr := parseTransactionError(data.Err); terr != nil {
				return solana.Signature{}, terr
			}
		}
	}
	return solana.Signature{}, classify("sendTransaction", err)
}

type signatureStatus struct {
	ConfirmationStatus string
	Err                json.RawMessage
}

func (c *rpcClient) getSignatureStatus(ctx context.Context, sig solana.Signature) (*signatureStatus, error) {
	var res *rpc.GetSignatureStatusesResult
	err := c.read(ctx, "getSignatureStatuses", func() (err error) {
		res, err = c.node.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	st := res.Value[0]
	out := &signatureStatus{ConfirmationStatus: string(st.ConfirmationStatus)}
	if st.Err != nil {
		raw, err := json.Marshal(st.Err)
		if err != nil {
			return nil, fmt.Errorf("getSignatureStatuses: encode err: %w", err)
		}
		out.Err = raw
	}
	return out, nil
}

package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/metrics"
)

// ErrNotFound is returned when the RPC definitively reports a missing
// value (null result) for a lookup. Callers must treat it differently
// from transient transport errors: a confirmed-but-missing transaction
// may still appear later.
var ErrNotFound = errors.New("solana: not found")

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Error  *rpcError       `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Client is a thin JSON-RPC client over the Solana HTTP endpoint.
// It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Uint64
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewClient creates an RPC client for the given HTTP endpoint.
func NewClient(endpoint string, m *metrics.Metrics, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		metrics:  m,
		logger:   logger.With(zap.String("component", "rpc")),
	}
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		c.metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s", method)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return errors.Wrapf(err, "%s: read body", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: http %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return errors.Wrapf(err, "%s: decode envelope", method)
	}
	if rpcResp.Error != nil {
		return errors.Wrap(rpcResp.Error, method)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return ErrNotFound
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return errors.Wrapf(err, "%s: decode result", method)
	}
	return nil
}

// SignaturesOpts narrows a getSignaturesForAddress page.
type SignaturesOpts struct {
	Limit  int
	Before string
}

// GetSignaturesForAddress returns up to opts.Limit confirmed signatures for
// the address, newest first, optionally paginating backward from Before.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts SignaturesOpts) ([]SignatureInfo, error) {
	cfg := map[string]interface{}{"commitment": "confirmed"}
	if opts.Limit > 0 {
		cfg["limit"] = opts.Limit
	}
	if opts.Before != "" {
		cfg["before"] = opts.Before
	}
	var out []SignatureInfo
	err := c.call(ctx, "getSignaturesForAddress", []interface{}{address, cfg}, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// GetTransaction fetches one confirmed transaction. Returns ErrNotFound when
// the node reports null (the transaction may still land later).
func (c *Client) GetTransaction(ctx context.Context, signature string) (*Transaction, error) {
	cfg := map[string]interface{}{
		"commitment":                     "confirmed",
		"encoding":                       "json",
		"maxSupportedTransactionVersion": 0,
	}
	var out Transaction
	if err := c.call(ctx, "getTransaction", []interface{}{signature, cfg}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type accountInfoValue struct {
	Owner    string   `json:"owner"`
	Lamports uint64   `json:"lamports"`
	Data     []string `json:"data"` // [base64, "base64"]
}

type accountInfoResult struct {
	Value *accountInfoValue `json:"value"`
}

func (v *accountInfoValue) decode() (*AccountInfo, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	if len(v.Data) > 0 {
		var err error
		raw, err = base64.StdEncoding.DecodeString(v.Data[0])
		if err != nil {
			return nil, errors.Wrap(err, "account data base64")
		}
	}
	return &AccountInfo{Owner: v.Owner, Lamports: v.Lamports, Data: raw}, nil
}

// GetAccountInfo fetches a single account's raw data. Missing accounts
// return (nil, nil).
func (c *Client) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	cfg := map[string]interface{}{"commitment": "confirmed", "encoding": "base64"}
	var out accountInfoResult
	err := c.call(ctx, "getAccountInfo", []interface{}{pubkey, cfg}, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Value.decode()
}

type multipleAccountsResult struct {
	Value []*accountInfoValue `json:"value"`
}

// GetMultipleAccounts batch-fetches accounts; the result slice is positional
// with nil entries for missing accounts.
func (c *Client) GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error) {
	cfg := map[string]interface{}{"commitment": "confirmed", "encoding": "base64"}
	var out multipleAccountsResult
	err := c.call(ctx, "getMultipleAccounts", []interface{}{pubkeys, cfg}, &out)
	if errors.Is(err, ErrNotFound) {
		return make([]*AccountInfo, len(pubkeys)), nil
	}
	if err != nil {
		return nil, err
	}
	infos := make([]*AccountInfo, len(out.Value))
	for i, v := range out.Value {
		info, err := v.decode()
		if err != nil {
			c.logger.Warn("skipping undecodable account", zap.Int("index", i), zap.Error(err))
			continue
		}
		infos[i] = info
	}
	return infos, nil
}

// GetSlot returns the current confirmed slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	cfg := map[string]interface{}{"commitment": "confirmed"}
	var out uint64
	if err := c.call(ctx, "getSlot", []interface{}{cfg}, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// GetBlockTime returns the estimated unix time of a slot.
func (c *Client) GetBlockTime(ctx context.Context, slot uint64) (int64, error) {
	var out int64
	if err := c.call(ctx, "getBlockTime", []interface{}{slot}, &out); err != nil {
		return 0, err
	}
	return out, nil
}

type blockSignaturesResult struct {
	Signatures []string `json:"signatures"`
}

// GetBlockSignatures fetches the ordered signature list of a block
// (signatures-only projection). Used to resolve a signature's index
// within its slot for deterministic event ordering.
func (c *Client) GetBlockSignatures(ctx context.Context, slot uint64) ([]string, error) {
	cfg := map[string]interface{}{
		"commitment":                     "confirmed",
		"transactionDetails":             "signatures",
		"rewards":                        false,
		"maxSupportedTransactionVersion": 0,
	}
	var out blockSignaturesResult
	if err := c.call(ctx, "getBlock", []interface{}{slot, cfg}, &out); err != nil {
		return nil, err
	}
	return out.Signatures, nil
}

type programAccountEntry struct {
	Pubkey  string            `json:"pubkey"`
	Account *accountInfoValue `json:"account"`
}

// GetProgramAccountsBySize lists program-owned accounts filtered by data
// size. Used by pool discovery.
func (c *Client) GetProgramAccountsBySize(ctx context.Context, programID string, dataSize int) (map[string]*AccountInfo, error) {
	cfg := map[string]interface{}{
		"commitment": "confirmed",
		"encoding":   "base64",
		"filters":    []interface{}{map[string]interface{}{"dataSize": dataSize}},
	}
	var out []programAccountEntry
	err := c.call(ctx, "getProgramAccounts", []interface{}{programID, cfg}, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	accounts := make(map[string]*AccountInfo, len(out))
	for _, e := range out {
		info, err := e.Account.decode()
		if err != nil || info == nil {
			continue
		}
		accounts[e.Pubkey] = info
	}
	return accounts, nil
}

package rpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/compresslabs/treemirror/common"
	"github.com/compresslabs/treemirror/log"
)

var (
	// ErrSlotUnavailable covers skipped slots and slots pruned from the
	// node's ledger history. Callers treat it as a permanent per-slot miss,
	// not a transient failure.
	ErrSlotUnavailable = errors.New("slot unavailable")

	ErrAccountNotFound = errors.New("account not found")
)

const (
	slotSkippedCode      = -32007
	slotNotAvailableCode = -32009
)

// Client talks JSON-RPC 2.0 to one ledger node over HTTP POST.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Uint64
}

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if resp.Error != nil {
		if resp.Error.Code == slotSkippedCode || resp.Error.Code == slotNotAvailableCode {
			return fmt.Errorf("%w: %s", ErrSlotUnavailable, resp.Error.Message)
		}
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

// GetSlot returns the node's current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", nil, &slot)
	return slot, err
}

// BlockTransaction is one transaction of a fetched block, flattened to the
// fields the backfiller filters on.
type BlockTransaction struct {
	Signature   string
	AccountKeys []common.Hash
	LogMessages []string
	Failed      bool
}

// References reports whether the transaction mentions the given account.
func (tx *BlockTransaction) References(account common.Hash) bool {
	for _, key := range tx.AccountKeys {
		if key == account {
			return true
		}
	}
	return false
}

// Block is a fetched block with its transactions and their log output.
type Block struct {
	Slot         uint64
	Blockhash    string
	Transactions []BlockTransaction
}

type rawBlock struct {
	Blockhash    string `json:"blockhash"`
	ParentSlot   uint64 `json:"parentSlot"`
	Transactions []struct {
		Transaction struct {
			Signatures []string `json:"signatures"`
			Message    struct {
				AccountKeys []string `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
		Meta struct {
			Err         interface{} `json:"err"`
			LogMessages []string    `json:"logMessages"`
		} `json:"meta"`
	} `json:"transactions"`
}

// GetBlock fetches one block with full transaction details and log messages.
func (c *Client) GetBlock(ctx context.Context, slot uint64) (*Block, error) {
	params := []interface{}{
		slot,
		map[string]interface{}{
			"transactionDetails":             "full",
			"maxSupportedTransactionVersion": 0,
		},
	}
	var raw rawBlock
	if err := c.call(ctx, "getBlock", params, &raw); err != nil {
		return nil, err
	}

	block := &Block{
		Slot:      slot,
		Blockhash: raw.Blockhash,
	}
	for _, rawTx := range raw.Transactions {
		if len(rawTx.Transaction.Signatures) == 0 {
			continue
		}
		tx := BlockTransaction{
			Signature:   rawTx.Transaction.Signatures[0],
			LogMessages: rawTx.Meta.LogMessages,
			Failed:      rawTx.Meta.Err != nil,
		}
		for _, key := range rawTx.Transaction.Message.AccountKeys {
			tx.AccountKeys = append(tx.AccountKeys, common.HexToHash(key))
		}
		block.Transactions = append(block.Transactions, tx)
	}
	log.Trace(log.RPCMonitoring, "fetched block", "slot", slot, "txs", len(block.Transactions))
	return block, nil
}

// GetAccountInfo returns the raw account data for an address.
func (c *Client) GetAccountInfo(ctx context.Context, address common.Hash) ([]byte, error) {
	params := []interface{}{
		address.Hex(),
		map[string]interface{}{"encoding": "base64"},
	}
	var result struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil || len(result.Value.Data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address.Hex())
	}
	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("account %s: decode data: %w", common.Str(address), err)
	}
	return data, nil
}

// SignatureInfo is one entry of a getSignaturesForAddress response.
type SignatureInfo struct {
	Signature string      `json:"signature"`
	Slot      uint64      `json:"slot"`
	Err       interface{} `json:"err"`
}

// GetSignaturesForAddress returns up to limit signatures mentioning the
// address, newest first, optionally only those before a given signature.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address common.Hash, limit int, before string) ([]SignatureInfo, error) {
	opts := map[string]interface{}{"limit": limit}
	if before != "" {
		opts["before"] = before
	}
	var sigs []SignatureInfo
	err := c.call(ctx, "getSignaturesForAddress", []interface{}{address.Hex(), opts}, &sigs)
	return sigs, err
}

package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ClientOptions parameterise the JSON-RPC gateway client.
type ClientOptions struct {
	RPCURL    string
	Timeout   time.Duration
	UserAgent string
}

// Client speaks the rippled/Xahau JSON-RPC protocol over HTTP.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger
	client *http.Client
	rpcURL string
}

// NewClient constructs a ledger gateway client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "xrpl_gateway").Logger(),
		client: &http.Client{Timeout: timeout},
		rpcURL: strings.TrimRight(opts.RPCURL, "/"),
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcResultHeader struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	if c.rpcURL == "" {
		return errors.New("xrpl: rpc url not configured")
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "waterfall-settlement/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("xrpl: rpc error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var envelope rpcEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("xrpl: decode rpc envelope: %w", err)
	}
	if len(envelope.Result) == 0 {
		return errors.New("xrpl: rpc response missing result")
	}

	return json.Unmarshal(envelope.Result, out)
}

type accountInfoResult struct {
	rpcResultHeader
	AccountData struct {
		Balance string `json:"Balance"`
	} `json:"account_data"`
}

// Balance returns the account's balance in drops, or ErrAccountNotFound
// for unfunded accounts.
func (c *Client) Balance(ctx context.Context, account string) (int64, error) {
	if account == "" {
		return 0, errors.New("xrpl: account address required")
	}

	var result accountInfoResult
	err := c.call(ctx, "account_info", map[string]any{
		"account":      account,
		"ledger_index": "validated",
		"api_version":  1,
	}, &result)
	if err != nil {
		return 0, err
	}

	if result.Error != "" {
		if result.Error == "actNotFound" {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("xrpl: account_info %s: %s", result.Error, result.ErrorMessage)
	}

	drops, err := strconv.ParseInt(result.AccountData.Balance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("xrpl: parse balance %q: %w", result.AccountData.Balance, err)
	}
	return drops, nil
}

type submitResult struct {
	rpcResultHeader
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

// SubmitPayment signs and submits a payment, returning the transaction
// hash. A returned hash means accepted for forwarding, not final.
func (c *Client) SubmitPayment(ctx context.Context, p Payment) (string, error) {
	if p.Account == "" || p.Destination == "" {
		return "", errors.New("xrpl: payment source and destination required")
	}
	if p.Secret == "" {
		return "", errors.New("xrpl: signing secret required")
	}
	if p.AmountDrops <= 0 {
		return "", errors.New("xrpl: payment amount must be positive drops")
	}

	txJSON := map[string]any{
		"TransactionType": "Payment",
		"Account":         p.Account,
		"Destination":     p.Destination,
		"Amount":          strconv.FormatInt(p.AmountDrops, 10),
	}
	if p.Memo != "" {
		txJSON["Memos"] = []map[string]any{{
			"Memo": map[string]any{
				"MemoType": hexEncode("waterfall-settlement"),
				"MemoData": hexEncode(p.Memo),
			},
		}}
	}

	var result submitResult
	err := c.call(ctx, "submit", map[string]any{
		"secret":      p.Secret,
		"tx_json":     txJSON,
		"api_version": 1,
	}, &result)
	if err != nil {
		return "", err
	}

	if result.Error != "" {
		return "", &SubmitError{Code: result.Error, Message: result.ErrorMessage}
	}
	// tem/tef class codes are definitive local rejections; tes and the
	// retryable ter class mean the transaction was queued for consensus.
	if strings.HasPrefix(result.EngineResult, "tem") || strings.HasPrefix(result.EngineResult, "tef") {
		return "", &SubmitError{Code: result.EngineResult, Message: result.EngineResultMessage}
	}
	if result.TxJSON.Hash == "" {
		return "", errors.New("xrpl: submit response missing transaction hash")
	}

	c.logger.Info().
		Str("tx_ref", result.TxJSON.Hash).
		Str("engine_result", result.EngineResult).
		Str("destination", p.Destination).
		Int64("amount_drops", p.AmountDrops).
		Msg("payment submitted")

	return result.TxJSON.Hash, nil
}

type txResult struct {
	rpcResultHeader
	Validated   bool  `json:"validated"`
	LedgerIndex int64 `json:"ledger_index"`
	Meta        struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
}

// TransactionStatus looks up a submitted transaction. An unknown hash is
// reported as StatusNotFound, not an error; it may simply not have
// reached a validated ledger yet.
func (c *Client) TransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	if txRef == "" {
		return TxStatus{}, errors.New("xrpl: transaction ref required")
	}

	var result txResult
	err := c.call(ctx, "tx", map[string]any{
		"transaction": txRef,
		"binary":      false,
		"api_version": 1,
	}, &result)
	if err != nil {
		return TxStatus{}, err
	}

	if result.Error != "" {
		if result.Error == "txnNotFound" {
			return TxStatus{Kind: StatusNotFound}, nil
		}
		return TxStatus{}, fmt.Errorf("xrpl: tx %s: %s", result.Error, result.ErrorMessage)
	}

	if !result.Validated {
		return TxStatus{Kind: StatusPending, Code: result.Meta.TransactionResult}, nil
	}

	status := TxStatus{
		Code:        result.Meta.TransactionResult,
		LedgerIndex: result.LedgerIndex,
	}
	if result.Meta.TransactionResult == "tesSUCCESS" {
		status.Kind = StatusSuccess
	} else {
		status.Kind = StatusFailed
	}
	return status, nil
}

func hexEncode(v string) string {
	return strings.ToUpper(fmt.Sprintf("%x", v))
}

var _ Gateway = (*Client)(nil)

// Package mintclient is the HTTP client for a Cashu mint's REST API: one
// typed method per NUT, grounded on the same request/response structs the
// rest of the module uses to build requests and parse responses.
package mintclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nip60-cashu/walletengine/cashu"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut01"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut02"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut03"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut04"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut05"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut06"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut07"
	"github.com/nip60-cashu/walletengine/cashu/nuts/nut09"
	"github.com/nip60-cashu/walletengine/walleterr"
)

// proofAlreadyUsedErrCode is the NUT error code a mint returns when a swap,
// melt, or mint request references a proof that is already spent (teacher:
// cashu.ProofAlreadyUsedErrCode, also used for the pending-proof variant).
const proofAlreadyUsedErrCode = 11001

// Client talks to a single mint's REST API.
type Client struct {
	mintURL string
	http    *http.Client
}

func New(mintURL string) *Client {
	return &Client{
		mintURL: mintURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) MintURL() string { return c.mintURL }

func (c *Client) GetInfo(ctx context.Context) (*nut06.MintInfo, error) {
	var info nut06.MintInfo
	if err := c.get(ctx, "/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetActiveKeys(ctx context.Context) (*nut01.GetKeysResponse, error) {
	var res nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetKeysById(ctx context.Context, id string) (*nut01.GetKeysResponse, error) {
	var res nut01.GetKeysResponse
	if err := c.get(ctx, "/v1/keys/"+id, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetKeysetsInfo returns the mint's full keyset list, each entry carrying
// unit/active/input_fee_ppk - the fee schedule the wallet needs before it
// can size a swap or melt's input set.
func (c *Client) GetKeysetsInfo(ctx context.Context) (*nut02.GetKeysetsResponse, error) {
	var res nut02.GetKeysetsResponse
	if err := c.get(ctx, "/v1/keysets", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CreateMintQuote(ctx context.Context, req nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var res nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, "/v1/mint/quote/bolt11", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetMintQuote(ctx context.Context, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var res nut04.PostMintQuoteBolt11Response
	if err := c.get(ctx, "/v1/mint/quote/bolt11/"+quoteId, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Mint(ctx context.Context, req nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {
	var res nut04.PostMintBolt11Response
	if err := c.post(ctx, "/v1/mint/bolt11", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Swap(ctx context.Context, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var res nut03.PostSwapResponse
	if err := c.post(ctx, "/v1/swap", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CreateMeltQuote(ctx context.Context, req nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var res nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, "/v1/melt/quote/bolt11", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetMeltQuote(ctx context.Context, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var res nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, "/v1/melt/quote/bolt11/"+quoteId, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Melt(ctx context.Context, req nut05.PostMeltBolt11Request) (*nut05.PostMeltBolt11Response, error) {
	var res nut05.PostMeltBolt11Response
	if err := c.post(ctx, "/v1/melt/bolt11", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CheckState(ctx context.Context, req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {
	var res nut07.PostCheckStateResponse
	if err := c.post(ctx, "/v1/checkstate", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Restore(ctx context.Context, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	var res nut09.PostRestoreResponse
	if err := c.post(ctx, "/v1/restore", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// InputFee returns the ceil(numProofs*ppk/1000) fee the mint charges for
// spending numProofs inputs from the keyset identified by keysetId, per
// NUT-02. The wallet must add this to the target amount before selecting
// proofs for a swap or a melt.
func (c *Client) InputFee(ctx context.Context, keysetId string, numProofs int) (uint64, error) {
	keysets, err := c.GetKeysetsInfo(ctx)
	if err != nil {
		return 0, err
	}
	for _, ks := range keysets.Keysets {
		if ks.Id == keysetId {
			return ks.Fee(numProofs), nil
		}
	}
	return 0, fmt.Errorf("%w: keyset %q not found at mint", walleterr.ErrInvalidKeyset, keysetId)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mintURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mintURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		var mintErr cashu.Error
		if jsonErr := json.Unmarshal(body, &mintErr); jsonErr == nil && mintErr.Detail != "" {
			if mintErr.Code == proofAlreadyUsedErrCode {
				return fmt.Errorf("%w: %s", walleterr.ErrAlreadySpent, mintErr.Detail)
			}
			return &walleterr.MintHTTPError{Status: resp.StatusCode, Body: mintErr.Detail}
		}
		return &walleterr.MintHTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", walleterr.ErrInvalidJson, err)
	}
	return nil
}

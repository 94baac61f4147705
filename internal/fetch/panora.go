package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/model"
)

// SourcePanora names the Panora price service.
const SourcePanora = "panora"

// PriceRecord is one entry of a Panora price response.
type PriceRecord struct {
	ChainID      int64
	TokenAddress string
	FAAddress    string
	Symbol       string
	Name         string
	Decimals     int
	USDPrice     string
}

// PanoraClient fetches prices and token metadata from the Panora API.
type PanoraClient struct {
	http    *Client
	baseURL string
	apiKey  string
	chainID int64
}

// NewPanoraClient creates a new Panora client for the given chain id.
func NewPanoraClient(http *Client, baseURL, apiKey string, chainID int64) *PanoraClient {
	return &PanoraClient{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		chainID: chainID,
	}
}

// Prices returns the price records for addrs in a single batched request.
func (c *PanoraClient) Prices(ctx context.Context, addrs []string) ([]PriceRecord, error) {
	if len(addrs) == 0 {
		return []PriceRecord{}, nil
	}

	req := Request{
		Source: SourcePanora,
		URL:    c.baseURL + "/prices",
		Query:  url.Values{"tokenAddress": {strings.Join(addrs, ",")}},
	}
	if c.apiKey != "" {
		req.Headers = map[string]string{"x-api-key": c.apiKey}
	}

	body, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetching prices: %w", err)
	}
	if body == nil || !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetching prices: invalid response")
	}
	return parsePriceRecords(gjson.ParseBytes(body)), nil
}

// TokenMeta looks up a single token's metadata. It returns nil without error when the
// service does not know the token on this chain.
func (c *PanoraClient) TokenMeta(ctx context.Context, addr string) (*model.TokenMeta, error) {
	records, err := c.Prices(ctx, []string{addr})
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.ChainID != 0 && r.ChainID != c.chainID {
			continue
		}
		if !address.Equal(r.TokenAddress, addr) && !address.Equal(r.FAAddress, addr) {
			continue
		}
		if r.Symbol == "" {
			continue
		}
		return &model.TokenMeta{
			Address:  addr,
			Symbol:   r.Symbol,
			Name:     r.Name,
			Decimals: r.Decimals,
			PriceUSD: gjson.Parse(r.USDPrice).Float(),
		}, nil
	}
	return nil, nil
}

// parsePriceRecords accepts either a bare array or an object with a data array.
func parsePriceRecords(res gjson.Result) []PriceRecord {
	list := res
	if !list.IsArray() {
		list = res.Get("data")
	}
	records := []PriceRecord{}
	list.ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		records = append(records, PriceRecord{
			ChainID:      item.Get("chainId").Int(),
			TokenAddress: item.Get("tokenAddress").String(),
			FAAddress:    item.Get("faAddress").String(),
			Symbol:       item.Get("symbol").String(),
			Name:         item.Get("name").String(),
			Decimals:     int(item.Get("decimals").Int()),
			USDPrice:     item.Get("usdPrice").String(),
		})
		return true
	})
	return records
}

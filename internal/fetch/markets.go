package fetch

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/model"
)

// SourceMarkets names the protocol-agnostic markets API.
const SourceMarkets = "markets"

// MarketsClient reads token descriptors from a lending markets API.
type MarketsClient struct {
	http *Client
	url  string
}

// NewMarketsClient creates a client for the markets listing at url.
func NewMarketsClient(http *Client, url string) *MarketsClient {
	return &MarketsClient{http: http, url: url}
}

// FindToken returns the asset whose coin or fungible-asset address matches addr, or nil.
// An exact coin type match wins over one on the account address alone, which several
// coins of one publisher share. The listing is fetched once per WithMemo context.
func (c *MarketsClient) FindToken(ctx context.Context, addr string) (*model.TokenMeta, error) {
	want := address.Normalize(addr)
	if c.url == "" || want == "" {
		return nil, nil
	}
	body, err := c.http.DoMemo(ctx, Request{Source: SourceMarkets, URL: c.url})
	if err != nil {
		return nil, fmt.Errorf("fetching markets: %w", err)
	}
	if body == nil || !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetching markets: invalid response")
	}
	assets := marketAssets(gjson.ParseBytes(body))

	asset, ok := findAsset(assets, address.Short(addr), address.Short)
	if !ok {
		asset, ok = findAsset(assets, want, address.Normalize)
	}
	if !ok || asset.Get("symbol").String() == "" {
		return nil, nil
	}
	return &model.TokenMeta{
		Address:  addr,
		Symbol:   asset.Get("symbol").String(),
		Name:     asset.Get("name").String(),
		Decimals: int(asset.Get("decimals").Int()),
		PriceUSD: asset.Get("price").Float(),
		LogoURL:  asset.Get("icon").String(),
	}, nil
}

// findAsset returns the first asset whose address or faAddress equals want under form.
func findAsset(assets gjson.Result, want string, form func(string) string) (gjson.Result, bool) {
	var found gjson.Result
	var ok bool
	assets.ForEach(func(_, asset gjson.Result) bool {
		for _, field := range []string{"address", "faAddress"} {
			if v := asset.Get(field).String(); v != "" && form(v) == want {
				found, ok = asset, true
				return false
			}
		}
		return true
	})
	return found, ok
}

// marketAssets finds the asset list, which has moved between data.assets, assets and data.
func marketAssets(res gjson.Result) gjson.Result {
	for _, path := range []string{"data.assets", "assets", "data"} {
		if list := res.Get(path); list.IsArray() {
			return list
		}
	}
	if res.IsArray() {
		return res
	}
	return gjson.Result{}
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yourorg/aptos-positions/internal/model"
)

// SourceTokenList names the internal token-list API.
const SourceTokenList = "tokenlist"

// TokenListClient calls this service's own token-list endpoint, the last resort of token
// metadata resolution.
type TokenListClient struct {
	http    *Client
	baseURL string
}

// NewTokenListClient creates a client for {baseURL}/api/tokens.
func NewTokenListClient(http *Client, baseURL string) *TokenListClient {
	return &TokenListClient{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

// Lookup returns the listed token for addr, or nil when it is not listed.
func (c *TokenListClient) Lookup(ctx context.Context, addr string) (*model.TokenMeta, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	body, err := c.http.Do(ctx, Request{
		Source: SourceTokenList,
		URL:    c.baseURL + "/api/tokens",
		Query:  url.Values{"address": {addr}},
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching token list: %w", err)
	}
	if body == nil || !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetching token list: invalid response")
	}

	token := gjson.GetBytes(body, "data")
	if !token.IsObject() || token.Get("symbol").String() == "" {
		return nil, nil
	}
	return &model.TokenMeta{
		Address:  addr,
		Symbol:   token.Get("symbol").String(),
		Name:     token.Get("name").String(),
		Decimals: int(token.Get("decimals").Int()),
		LogoURL:  token.Get("logoUrl").String(),
	}, nil
}

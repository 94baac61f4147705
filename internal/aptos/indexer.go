package aptos

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/fetch"
)

const ownedTokensQuery = `query OwnedPositionTokens($owner: String!, $prefix: String!) {
  current_token_ownerships_v2(
    where: {
      owner_address: {_eq: $owner}
      amount: {_gt: "0"}
      current_token_data: {token_name: {_like: $prefix}}
    }
  ) {
    token_data_id
  }
}`

// IndexerClient runs GraphQL queries against the Aptos indexer.
type IndexerClient struct {
	http   *fetch.Client
	url    string
	apiKey string
}

// NewIndexerClient creates a client for {indexerURL}/v1/graphql.
func NewIndexerClient(http *fetch.Client, indexerURL, apiKey string) *IndexerClient {
	return &IndexerClient{
		http:   http,
		url:    strings.TrimRight(indexerURL, "/") + "/v1/graphql",
		apiKey: apiKey,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// QueryOwnedPositionTokens returns the token data ids of position tokens held by owner
// whose name matches namePattern (a SQL LIKE pattern such as "ThalaSwapCLToken:%").
// Failures are recorded on the request and yield an empty result.
func (c *IndexerClient) QueryOwnedPositionTokens(ctx context.Context, owner, namePattern string) []string {
	req := fetch.Request{
		Source: sourceIndexer,
		Method: "POST",
		URL:    c.url,
		Body: graphQLRequest{
			Query: ownedTokensQuery,
			Variables: map[string]any{
				"owner":  address.Long(owner),
				"prefix": namePattern,
			},
		},
	}
	if c.apiKey != "" {
		req.Headers = map[string]string{"Authorization": "Bearer " + c.apiKey}
	}

	body, err := c.http.Do(ctx, req)
	if err != nil {
		degrade.Record(ctx, sourceIndexer, err)
		return []string{}
	}
	if body == nil || !gjson.ValidBytes(body) {
		degrade.Record(ctx, sourceIndexer, errors.New("empty or invalid indexer response"))
		return []string{}
	}

	res := gjson.ParseBytes(body)
	if errs := res.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		degrade.Record(ctx, sourceIndexer, errors.New(errs.Get("0.message").String()))
		return []string{}
	}

	ids := []string{}
	res.Get("data.current_token_ownerships_v2").ForEach(func(_, row gjson.Result) bool {
		if id := row.Get("token_data_id").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

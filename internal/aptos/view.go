// Package aptos talks to the Aptos fullnode view endpoint and the Aptos indexer.
package aptos

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/yourorg/aptos-positions/internal/fetch"
)

const (
	sourceView    = "aptos-view"
	sourceIndexer = "aptos-indexer"
)

// ViewCallError is returned when the view endpoint answers with a non-2xx status.
type ViewCallError struct {
	Function   string
	StatusCode int
	Status     string
	Body       string
}

func (e *ViewCallError) Error() string {
	return fmt.Sprintf("view call %s failed: %d %s: %s", e.Function, e.StatusCode, e.Status, e.Body)
}

// ViewClient calls Move view functions.
type ViewClient struct {
	http   *fetch.Client
	url    string
	apiKey string
}

// NewViewClient creates a client for {fullnodeURL}/v1/view. apiKey is sent as a bearer
// token when not empty.
func NewViewClient(http *fetch.Client, fullnodeURL, apiKey string) *ViewClient {
	return &ViewClient{
		http:   http,
		url:    strings.TrimRight(fullnodeURL, "/") + "/v1/view",
		apiKey: apiKey,
	}
}

type viewRequest struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// CallView executes function with args. An empty response body yields a Result whose
// Type is gjson.Null.
func (c *ViewClient) CallView(ctx context.Context, function string, args ...any) (gjson.Result, error) {
	if args == nil {
		args = []any{}
	}
	req := fetch.Request{
		Source: sourceView,
		Method: "POST",
		URL:    c.url,
		Body: viewRequest{
			Function:      function,
			TypeArguments: []string{},
			Arguments:     args,
		},
	}
	if c.apiKey != "" {
		req.Headers = map[string]string{"Authorization": "Bearer " + c.apiKey}
	}

	body, err := c.http.Do(ctx, req)
	if err != nil {
		var se *fetch.StatusError
		if errors.As(err, &se) {
			return gjson.Result{}, &ViewCallError{
				Function:   function,
				StatusCode: se.StatusCode,
				Status:     se.Status,
				Body:       se.Body,
			}
		}
		return gjson.Result{}, fmt.Errorf("view call %s: %w", function, err)
	}
	if body == nil {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("view call %s: invalid JSON response", function)
	}
	return gjson.ParseBytes(body), nil
}

// UnwrapSingle returns the sole element of a one element array, otherwise r itself.
func UnwrapSingle(r gjson.Result) gjson.Result {
	if r.IsArray() {
		items := r.Array()
		if len(items) == 1 {
			return items[0]
		}
	}
	return r
}

// UnwrapArray returns the elements of a vector result, removing one extra level of
// array wrapping when present. Non-array results yield nil.
func UnwrapArray(r gjson.Result) []gjson.Result {
	if !r.IsArray() {
		return nil
	}
	items := r.Array()
	if len(items) == 1 && items[0].IsArray() {
		return items[0].Array()
	}
	return items
}

// DepositsAndPositions is the destructured result of a view function returning
// (vector<Deposit>, vector<PositionInfo>).
type DepositsAndPositions struct {
	Deposits  []gjson.Result
	Positions []gjson.Result
}

// ParseDepositsAndPositions expects a two element array of arrays. Any other shape yields
// empty sequences.
func ParseDepositsAndPositions(r gjson.Result) DepositsAndPositions {
	if !r.IsArray() {
		return DepositsAndPositions{}
	}
	items := r.Array()
	if len(items) != 2 || !items[0].IsArray() || !items[1].IsArray() {
		return DepositsAndPositions{}
	}
	return DepositsAndPositions{
		Deposits:  items[0].Array(),
		Positions: items[1].Array(),
	}
}

// InnerAddress reads an Object<T> handle, which the view endpoint renders as
// {"inner": "0x.."}, or a bare address string.
func InnerAddress(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.String()
	}
	return r.Get("inner").String()
}

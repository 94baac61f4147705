// Package tokenlist serves the static Aptos token list used as the last resort for token
// metadata resolution.
package tokenlist

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/yourorg/aptos-positions/internal/address"
)

//go:embed tokens.json
var embedded []byte

// Token is one token list entry. Address is the coin type, FAAddress the fungible asset
// metadata address; either may be empty.
type Token struct {
	Address   string `json:"address"`
	FAAddress string `json:"faAddress"`
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Decimals  int    `json:"decimals"`
	LogoURL   string `json:"logoUrl,omitempty"`
}

// List is an indexed token list.
type List struct {
	tokens []Token
	index  map[string]int
}

// Default parses the embedded token list.
func Default() (*List, error) {
	return Parse(embedded)
}

// Parse builds a List from JSON.
func Parse(data []byte) (*List, error) {
	var tokens []Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parsing token list: %w", err)
	}
	l := &List{tokens: tokens, index: make(map[string]int, 2*len(tokens))}
	for i, t := range tokens {
		for _, a := range []string{t.Address, t.FAAddress} {
			if a == "" {
				continue
			}
			if _, taken := l.index[address.Short(a)]; !taken {
				l.index[address.Short(a)] = i
			}
		}
	}
	return l, nil
}

// Tokens returns all entries.
func (l *List) Tokens() []Token {
	return l.tokens
}

// Find returns the entry whose coin type or fungible asset address matches addr.
func (l *List) Find(addr string) (Token, bool) {
	if addr == "" {
		return Token{}, false
	}
	if i, ok := l.index[address.Short(addr)]; ok {
		return l.tokens[i], true
	}
	return Token{}, false
}

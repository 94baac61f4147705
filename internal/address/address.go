// Package address canonicalizes Aptos account addresses so that lookups across token lists,
// price maps and pool maps agree regardless of which data source produced the address.
package address

import "strings"

// Normalize returns the bare account address in canonical short form.
//
// A leading "@" is dropped, anything from the first "::" on is removed, a "0x" prefix is
// ensured, the hex part is lowercased and leading zeros are stripped ("0x0" when nothing is left).
// Empty input yields an empty string.
func Normalize(addr string) string {
	if addr == "" {
		return ""
	}
	account, _ := split(addr)
	return shortHex(account)
}

// Short returns the short form of addr while keeping any "::module::Struct" qualifier.
// Coin type strings like "0x0001::aptos_coin::AptosCoin" become "0x1::aptos_coin::AptosCoin".
func Short(addr string) string {
	if addr == "" {
		return ""
	}
	account, rest := split(addr)
	if rest == "" {
		return shortHex(account)
	}
	return shortHex(account) + "::" + rest
}

// Long returns the 64-hex zero padded form of the bare account address, the shape the
// indexer stores owner addresses in.
func Long(addr string) string {
	n := Normalize(addr)
	if n == "" {
		return ""
	}
	hex := strings.TrimPrefix(n, "0x")
	if len(hex) >= 64 {
		return n
	}
	return "0x" + strings.Repeat("0", 64-len(hex)) + hex
}

// Equal reports whether a and b refer to the same account.
func Equal(a, b string) bool {
	return a != "" && Normalize(a) == Normalize(b)
}

// IsValid reports whether addr is a plausible Aptos account address: optional "0x", 1 to 64
// hex digits, and nothing else.
func IsValid(addr string) bool {
	hex := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if hex == "" || len(hex) > 64 {
		return false
	}
	for _, c := range hex {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func split(addr string) (account, rest string) {
	addr = strings.TrimPrefix(strings.TrimSpace(addr), "@")
	if i := strings.Index(addr, "::"); i >= 0 {
		return addr[:i], addr[i+2:]
	}
	return addr, ""
}

func shortHex(account string) string {
	hex := strings.ToLower(account)
	hex = strings.TrimPrefix(hex, "0x")
	hex = strings.TrimLeft(hex, "0")
	if hex == "" {
		return "0x0"
	}
	return "0x" + hex
}

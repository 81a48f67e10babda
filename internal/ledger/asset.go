package ledger

import (
	"fmt"
	"strings"
)

// Asset identifies a balance column. USD is the quote asset, BTC the base.
type Asset uint8

const (
	AssetUnknown Asset = iota
	AssetUSD
	AssetBTC
)

var (
	assetToName = map[Asset]string{
		AssetUSD: "USD",
		AssetBTC: "BTC",
	}
	nameToAsset = map[string]Asset{
		"USD": AssetUSD,
		"BTC": AssetBTC,
	}
)

// Assets lists every tradable asset in a stable order.
func Assets() []Asset {
	return []Asset{AssetUSD, AssetBTC}
}

// ParseAsset resolves an asset name, case-insensitively.
func ParseAsset(name string) (Asset, bool) {
	a, ok := nameToAsset[strings.ToUpper(name)]
	return a, ok
}

// Valid reports whether a is one of Assets.
func (a Asset) Valid() bool {
	_, ok := assetToName[a]
	return ok
}

func (a Asset) String() string {
	if name, ok := assetToName[a]; ok {
		return name
	}
	return "UNKNOWN"
}

func (a Asset) MarshalText() ([]byte, error) {
	if _, ok := assetToName[a]; !ok {
		return nil, fmt.Errorf("unknown asset %d", a)
	}
	return []byte(a.String()), nil
}

func (a *Asset) UnmarshalText(text []byte) error {
	parsed, ok := ParseAsset(string(text))
	if !ok {
		return fmt.Errorf("unknown asset %q", string(text))
	}
	*a = parsed
	return nil
}

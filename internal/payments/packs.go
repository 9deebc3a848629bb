package payments

import "github.com/shopspring/decimal"

// Pack is a purchasable bundle of credits.
type Pack struct {
	Price   decimal.Decimal `json:"price"`
	Credits int             `json:"credits"`
}

var packs = []Pack{
	{Price: decimal.RequireFromString("6.99"), Credits: 72},
	{Price: decimal.RequireFromString("13.99"), Credits: 150},
	{Price: decimal.RequireFromString("25.99"), Credits: 300},
}

// Packs lists the catalog.
func Packs() []Pack {
	return append([]Pack(nil), packs...)
}

// LookupPack matches a client-supplied price and credit count to the catalog.
func LookupPack(amount decimal.Decimal, credits int) (Pack, bool) {
	for _, p := range packs {
		if p.Credits == credits && p.Price.Equal(amount) {
			return p, true
		}
	}
	return Pack{}, false
}

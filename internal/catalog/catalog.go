// Package catalog maps payment-provider price identifiers to credit quantities.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

// Mode is the payment mode a price is sold under.
type Mode string

const (
	ModePayment      Mode = "payment"
	ModeSubscription Mode = "subscription"
)

// Source reports where a resolved credit quantity came from.
type Source string

const (
	SourceCatalog        Source = "catalog"
	SourceAmountFallback Source = "amount_fallback"
	SourceNone           Source = "none"
)

var (
	ErrInvalidEntry   = errors.New("invalid catalog entry")
	ErrDuplicatePrice = errors.New("duplicate price id")
)

// Entry binds a price identifier to the credits it grants.
type Entry struct {
	PriceID string
	Credits ledger.Credits
	Mode    Mode
}

// Resolution is the credit quantity computed for a payment.
type Resolution struct {
	Credits ledger.Credits
	Source  Source
}

// Catalog is an immutable price table.
type Catalog struct {
	entries map[string]Entry
}

// New validates entries and builds a Catalog.
func New(entries []Entry) (*Catalog, error) {
	catalog := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		entry.PriceID = strings.TrimSpace(entry.PriceID)
		if entry.PriceID == "" {
			return nil, fmt.Errorf("%w: empty price id", ErrInvalidEntry)
		}
		if entry.Credits <= 0 {
			return nil, fmt.Errorf("%w: %s grants %d credits", ErrInvalidEntry, entry.PriceID, entry.Credits)
		}
		if entry.Mode != ModePayment && entry.Mode != ModeSubscription {
			return nil, fmt.Errorf("%w: %s has mode %q", ErrInvalidEntry, entry.PriceID, entry.Mode)
		}
		if _, exists := catalog.entries[entry.PriceID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePrice, entry.PriceID)
		}
		catalog.entries[entry.PriceID] = entry
	}
	return catalog, nil
}

// Default returns the built-in price table.
func Default() *Catalog {
	catalog, err := New(DefaultEntries())
	if err != nil {
		panic(err)
	}
	return catalog
}

// DefaultEntries lists the products configured with the payment provider.
func DefaultEntries() []Entry {
	return []Entry{
		{PriceID: "price_logo_starter", Credits: 10, Mode: ModePayment},
		{PriceID: "price_logo_creator", Credits: 25, Mode: ModePayment},
		{PriceID: "price_logo_studio", Credits: 55, Mode: ModePayment},
		{PriceID: "price_logo_agency", Credits: 150, Mode: ModePayment},
		{PriceID: "price_logo_monthly", Credits: 30, Mode: ModeSubscription},
		{PriceID: "price_logo_monthly_pro", Credits: 100, Mode: ModeSubscription},
	}
}

// Lookup returns the entry for priceID.
func (catalog *Catalog) Lookup(priceID string) (Entry, bool) {
	entry, ok := catalog.entries[strings.TrimSpace(priceID)]
	return entry, ok
}

// LookupCredits returns the credits granted for priceID.
func (catalog *Catalog) LookupCredits(priceID string) (ledger.Credits, bool) {
	entry, ok := catalog.Lookup(priceID)
	if !ok {
		return 0, false
	}
	return entry.Credits, true
}

// Entries returns the table in no particular order.
func (catalog *Catalog) Entries() []Entry {
	entries := make([]Entry, 0, len(catalog.entries))
	for _, entry := range catalog.entries {
		entries = append(entries, entry)
	}
	return entries
}

// Resolve computes the credits for a payment. Known prices win; otherwise the paid amount
// in minor currency units is mapped through FallbackCredits.
func (catalog *Catalog) Resolve(priceID string, amountMinor int64) Resolution {
	if credits, ok := catalog.LookupCredits(priceID); ok {
		return Resolution{Credits: credits, Source: SourceCatalog}
	}
	credits := FallbackCredits(amountMinor)
	if credits == 0 {
		return Resolution{Source: SourceNone}
	}
	return Resolution{Credits: credits, Source: SourceAmountFallback}
}

// FallbackCredits maps a paid amount in minor units to credits for prices missing from the catalog.
func FallbackCredits(amountMinor int64) ledger.Credits {
	switch {
	case amountMinor >= 5000:
		return 150
	case amountMinor >= 2000:
		return 55
	case amountMinor >= 1000:
		return 25
	case amountMinor >= 500:
		return 10
	case amountMinor > 0:
		return 5
	default:
		return 0
	}
}

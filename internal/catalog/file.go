package catalog

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/logoledger/pkg/ledger"
)

type fileEntry struct {
	PriceID string `mapstructure:"price_id"`
	Credits int64  `mapstructure:"credits"`
	Mode    string `mapstructure:"mode"`
}

// LoadFile reads a catalog from a YAML, JSON or TOML file with a top-level "prices" list.
// An empty path yields Default.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	reader := viper.New()
	reader.SetConfigFile(path)
	if err := reader.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var fileEntries []fileEntry
	if err := reader.UnmarshalKey("prices", &fileEntries); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if len(fileEntries) == 0 {
		return nil, fmt.Errorf("%w: %s lists no prices", ErrInvalidEntry, path)
	}
	entries := make([]Entry, 0, len(fileEntries))
	for _, item := range fileEntries {
		entries = append(entries, Entry{
			PriceID: item.PriceID,
			Credits: ledger.Credits(item.Credits),
			Mode:    Mode(item.Mode),
		})
	}
	return New(entries)
}

package epoch

import "fmt"

// Config ties epochs to distribution window indices.
type Config struct {
	// Genesis is the epoch that carries window index GenesisWindow. When
	// empty, window indices are not derived from epochs and any value in the
	// claims input is accepted.
	Genesis Key

	// GenesisWindow is the window index assigned to Genesis.
	GenesisWindow uint64
}

// Validate ensures the configuration is self-consistent.
func (c Config) Validate() error {
	if c.Genesis != "" && !c.Genesis.Valid() {
		return fmt.Errorf("epoch genesis %q: expected YYYY-MM", c.Genesis)
	}
	return nil
}

// WindowIndex returns the expected window index for key. The boolean is false
// when no genesis is configured.
func (c Config) WindowIndex(key Key) (uint64, bool, error) {
	if c.Genesis == "" {
		return 0, false, nil
	}
	months := key.MonthsSince(c.Genesis)
	if months < 0 {
		return 0, true, fmt.Errorf("epoch %s precedes genesis %s", key, c.Genesis)
	}
	return c.GenesisWindow + uint64(months), true, nil
}

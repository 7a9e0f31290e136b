package types

import "fmt"

// Settings is the static per-deployment configuration: which PODs to track
// and which tariff structure applies to them.
type Settings struct {
	PODs       []string `json:"pods"`
	TariffType string   `json:"tariffType"`
}

// Multioraria reports whether the deployment uses the time-banded tariff.
func (s Settings) Multioraria() bool {
	// default to multioraria for backwards compatibility with deployments
	// configured before the tariff type existed
	return s.TariffType != TariffMonoraria
}

// Validate checks the settings for obvious misconfiguration.
func (s Settings) Validate() error {
	if len(s.PODs) == 0 {
		return fmt.Errorf("at least one POD is required")
	}
	for _, pod := range s.PODs {
		if pod == "" {
			return fmt.Errorf("empty POD in settings")
		}
	}
	switch s.TariffType {
	case "", TariffMultioraria, TariffMonoraria:
	default:
		return fmt.Errorf("unknown tariff type: %s", s.TariffType)
	}
	return nil
}

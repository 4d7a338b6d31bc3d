package config

// StoreSettings selects the optional fulfillment-outcome repository.
// Type "none" disables the store entirely; the worker then runs with the
// original unconditional-ack semantics and no reconciliation.
type StoreSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres mongo none"`
	DSN        string `mapstructure:"dsn"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

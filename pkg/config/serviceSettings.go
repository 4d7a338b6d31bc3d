package config

import "time"

// ServiceSettings holds the base URLs of the two downstream services the
// fulfillment saga calls synchronously.
type ServiceSettings struct {
	BooksURL       string        `mapstructure:"books_url" validate:"required,url"`
	OrdersURL      string        `mapstructure:"orders_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// BrokerSettings holds configuration for connecting to the message broker.
type BrokerSettings struct {
	// URL overrides the host/port/credential fields when set.
	URL              string        `mapstructure:"url"`
	Host             string        `mapstructure:"host" validate:"required"`
	Port             int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	VHost            string        `mapstructure:"vhost"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	Exchange         string        `mapstructure:"exchange" validate:"required"`
	Queue            string        `mapstructure:"queue" validate:"required"`
	RoutingKey       string        `mapstructure:"routing_key" validate:"required"`
	PrefetchCount    int           `mapstructure:"prefetch_count" validate:"min=1"`
}

// AMQPURL returns the connection URL, composing one from the host, port and
// credential fields unless an explicit URL was configured.
func (s BrokerSettings) AMQPURL() string {
	if s.URL != "" {
		return s.URL
	}
	u := url.URL{
		Scheme: "amqp",
		Host:   fmt.Sprintf("%s:%d", s.Host, s.Port),
		Path:   "/" + strings.TrimPrefix(s.VHost, "/"),
	}
	if s.Username != "" {
		u.User = url.UserPassword(s.Username, s.Password)
	}
	return u.String()
}

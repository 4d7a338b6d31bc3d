package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/bookhaven/fulfillment/pkg/config"
)

var sqlOpen = sql.Open
var mongoConnect = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// NewRepository builds the outcome repository selected by configuration.
// Type "none" returns a nil repository; the saga and reconciler treat that
// as "store disabled".
func NewRepository(ctx context.Context, cfg config.StoreSettings) (OutcomeRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &PostgresRepository{db: db}, nil
	case "mongo":
		client, err := mongoConnect(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewMongoRepository(client, cfg.Database, cfg.Collection), nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

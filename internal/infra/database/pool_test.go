package database

import (
	"context"
	"testing"

	"github.com/quantbridge/quantbridge/internal/infra/config"
)

func TestConnectRejectsMalformedDSN(t *testing.T) {
	cfg := config.DatabaseConfig{DSN: "://not-a-dsn"}
	if _, err := Connect(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}

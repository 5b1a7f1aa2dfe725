package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// decimalFromText parses a numeric column rendered as text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("numeric value required")
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// decimalFromNullText parses an optional numeric column, mapping NULL to zero.
func decimalFromNullText(value sql.NullString) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, nil
	}
	return decimalFromText(value.String)
}

// nullableDecimal renders a decimal for a nullable numeric column. Zero maps
// to NULL so unpriced market orders store no price rather than 0.
func nullableDecimal(value decimal.Decimal) any {
	if value.IsZero() {
		return nil
	}
	return value.String()
}

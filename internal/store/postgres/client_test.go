package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSNFromFields(t *testing.T) {
	got := DSN(ClientConfig{
		Host:     "db.internal",
		Database: "dcavault",
		User:     "vault",
		Password: "pw",
	})
	assert.Equal(t, "postgres://vault:pw@db.internal:5432/dcavault?sslmode=disable", got)
}

func TestDSNExplicitWins(t *testing.T) {
	got := DSN(ClientConfig{
		DSN:  "postgres://explicit",
		Host: "ignored",
	})
	assert.Equal(t, "postgres://explicit", got)
}

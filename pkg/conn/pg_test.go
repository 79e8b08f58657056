package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn, err := Option{}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost:5432?sslmode=disable", dsn)

	dsn, err = Option{
		Host:     "db",
		Port:     6543,
		User:     "automation",
		Password: "p@ss",
		Database: "strategies",
		SSLMode:  "require",
		Params:   map[string]string{"application_name": "strategyd", "": "ignored"},
	}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://automation:p%40ss@db:6543/strategies?application_name=strategyd&sslmode=require", dsn)

	dsn, err = Option{ConnString: "postgres://override"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://override", dsn)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.Nil(t, c.DB())
	assert.NoError(t, c.Close())
}

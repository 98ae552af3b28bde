// Package sqltest provides a CockroachDB-backed database for tests.
package sqltest

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/grantline/grantline/go/sql/schema"
)

// EmulatorHostEnvVar is the environment variable that points at a running
// CockroachDB instance used for tests.
const EmulatorHostEnvVar = "COCKROACHDB_EMULATOR_HOST"

// NewCockroachDBForTests creates a randomly named database on the test
// CockroachDB instance and applies the production schema. Tests are skipped
// if the emulator host environment variable is not set. The returned pool is
// closed automatically after the test finishes.
func NewCockroachDBForTests(ctx context.Context, t *testing.T) *pgxpool.Pool {
	host := os.Getenv(EmulatorHostEnvVar)
	if host == "" {
		t.Skipf("Skipping test, set %s to run against a local CockroachDB instance.", EmulatorHostEnvVar)
	}

	dbName := fmt.Sprintf("for_tests_%d", rand.Int63())
	connectionString := fmt.Sprintf("postgresql://root@%s/defaultdb?sslmode=disable", host)
	admin, err := pgxpool.Connect(ctx, connectionString)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+dbName)
	require.NoError(t, err)
	admin.Close()

	conf, err := pgxpool.ParseConfig(fmt.Sprintf("postgresql://root@%s/%s?sslmode=disable", host, dbName))
	require.NoError(t, err)
	conf.MaxConns = 4
	db, err := pgxpool.ConnectConfig(ctx, conf)
	require.NoError(t, err)

	_, err = db.Exec(ctx, schema.Schema)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

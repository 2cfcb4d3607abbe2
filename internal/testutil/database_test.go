package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestDSNs(t *testing.T) {
	tests := []struct {
		name   string
		envVar string
		get    func() string
		def    string
	}{
		{name: "postgres", envVar: "TEST_POSTGRES_DSN", get: GetPostgresTestDSN, def: defaultPostgresTestDSN},
		{name: "mysql", envVar: "TEST_MYSQL_DSN", get: GetMySQLTestDSN, def: defaultMySQLTestDSN},
	}

	for _, tt := range tests {
		t.Run(tt.name+" default", func(t *testing.T) {
			t.Setenv(tt.envVar, "")

			assert.Equal(t, tt.def, tt.get())
		})

		t.Run(tt.name+" from env", func(t *testing.T) {
			t.Setenv(tt.envVar, "custom-dsn")

			assert.Equal(t, "custom-dsn", tt.get())
		})
	}
}

func TestGetMigrationsPath(t *testing.T) {
	for _, dialect := range []string{"postgresql", "mysql"} {
		t.Run(dialect, func(t *testing.T) {
			got, err := getMigrationsPath(dialect)

			require.NoError(t, err)
			assert.Equal(t, dialect, filepath.Base(got))
			_, statErr := os.Stat(filepath.Join(got, "000001_create_transactions_table.up.sql"))
			assert.NoError(t, statErr)
		})
	}

	t.Run("unknown dialect", func(t *testing.T) {
		got, err := getMigrationsPath("sqlite")

		assert.Error(t, err)
		assert.Empty(t, got)
	})
}

func TestGetMigrationsPathFromSubdirectory(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	subDir := filepath.Join(wd, "testdata", "nested")
	//nolint:gosec // test directory
	require.NoError(t, os.MkdirAll(subDir, 0755))
	t.Cleanup(func() { _ = os.RemoveAll(filepath.Join(wd, "testdata")) })

	t.Chdir(subDir)

	path, err := getMigrationsPath("postgresql")
	assert.NoError(t, err)
	assert.Equal(t, "postgresql", filepath.Base(path))
}

func TestUUIDToDriverValue(t *testing.T) {
	id := uuid.Must(uuid.NewV7())

	value, err := uuidToDriverValue(id, "postgres")
	require.NoError(t, err)
	assert.Equal(t, id, value)

	value, err = uuidToDriverValue(id, "mysql")
	require.NoError(t, err)
	raw, ok := value.([]byte)
	require.True(t, ok)
	assert.Len(t, raw, 16)
}

func TestTeardownDBWithNilDB(t *testing.T) {
	assert.NotPanics(t, func() {
		TeardownDB(t, nil)
	})
}

func TestSetupCreateAndCleanup(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		setup   func(t *testing.T) *sql.DB
		cleanup func(t *testing.T, db *sql.DB)
	}{
		{name: "postgres", driver: "postgres", setup: SetupPostgresDB, cleanup: CleanupPostgresDB},
		{name: "mysql", driver: "mysql", setup: SetupMySQLDB, cleanup: CleanupMySQLDB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := tt.setup(t)

			count := func() int {
				var n int
				require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM transactions").Scan(&n))
				return n
			}
			assert.Equal(t, 0, count(), "database should be clean after setup")

			id := CreateTestTransaction(t, db, tt.driver, "ext-fixture")
			assert.NotEqual(t, uuid.Nil, id)
			assert.Equal(t, 1, count())

			tt.cleanup(t, db)
			assert.Equal(t, 0, count())

			TeardownDB(t, db)
			assert.Error(t, db.Ping(), "database should be closed after teardown")
		})
	}
}

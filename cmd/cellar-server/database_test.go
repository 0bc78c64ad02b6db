package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseConfigFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		flagType string
		flagDSN  string
		env      map[string]string
		wantType string
		wantDSN  string
	}{
		{name: "defaults to sqlite file", wantType: "sqlite", wantDSN: "cellar.db"},
		{
			name:     "env fallback",
			env:      map[string]string{"DATABASE_TYPE": "postgres", "DATABASE_DSN": "host=db user=cellar"},
			wantType: "postgres",
			wantDSN:  "host=db user=cellar",
		},
		{
			name:     "flags win over env",
			flagType: "mysql",
			flagDSN:  "cellar:pw@tcp(db:3306)/cellar",
			env:      map[string]string{"DATABASE_TYPE": "postgres", "DATABASE_DSN": "host=db"},
			wantType: "mysql",
			wantDSN:  "cellar:pw@tcp(db:3306)/cellar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_TYPE", "")
			t.Setenv("DATABASE_DSN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := databaseConfigFromEnv(tt.flagType, tt.flagDSN)
			assert.Equal(t, tt.wantType, cfg.Type)
			assert.Equal(t, tt.wantDSN, cfg.DSN)
		})
	}
}

func TestDialectorFor(t *testing.T) {
	_, err := dialectorFor(databaseConfig{Type: "postgres"})
	assert.Error(t, err, "missing DSN")

	_, err = dialectorFor(databaseConfig{Type: "oracle", DSN: "x"})
	assert.Error(t, err)

	for _, typ := range []string{"postgres", "mysql", "sqlite"} {
		d, err := dialectorFor(databaseConfig{Type: typ, DSN: "x"})
		require.NoError(t, err)
		assert.Equal(t, typ, d.Name())
	}
}

func TestOpenDatabaseSQLite(t *testing.T) {
	db, err := openDatabase(databaseConfig{Type: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

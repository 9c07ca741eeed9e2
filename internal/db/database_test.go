package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLDSNAddsParseTime(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"user:pw@tcp(db:3306)/teams", "user:pw@tcp(db:3306)/teams?parseTime=true"},
		{"user:pw@tcp(db:3306)/teams?charset=utf8mb4", "user:pw@tcp(db:3306)/teams?charset=utf8mb4&parseTime=true"},
		{"user:pw@tcp(db:3306)/teams?parseTime=false", "user:pw@tcp(db:3306)/teams?parseTime=false"},
		{"user:pw@tcp(db:3306)/teams?parsetime=true", "user:pw@tcp(db:3306)/teams?parsetime=true"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mysqlDSN(tt.in))
	}
}

func TestOpenSQLite(t *testing.T) {
	gdb, err := Open("sqlite://" + filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	assert.Equal(t, "sqlite", gdb.Dialector.Name())
	assert.Equal(t, "sqlite3", SQLXDriverName(gdb))
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
	_, err = Open("mysql://")
	assert.Error(t, err)
}

package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverUpMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_add_audit_up.sql":   {Data: []byte("ALTER TABLE payment_audit ADD COLUMN note TEXT;")},
		"0001_init_up.sql":        {Data: []byte("CREATE TABLE booths();")},
		"0001_init_down.sql":      {Data: []byte("DROP TABLE booths;")},
		"0010_indexes_up.sql":     {Data: []byte("CREATE INDEX idx ON booths(id);")},
		"README.md":               {Data: []byte("notes")},
		"broken_noversion_up.sql": {Data: []byte("SELECT 1;")},
	}

	files, err := Runner{}.discoverUpMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, files, 3, "只收 *_up.sql 且带数字版本前缀")
	assert.Equal(t, int64(1), files[0].Version)
	assert.Equal(t, int64(2), files[1].Version)
	assert.Equal(t, int64(10), files[2].Version)
}

func TestDiscoverUpMigrationsRejectsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0003_slots_up.sql":   {Data: []byte("SELECT 1;")},
		"0003_pricing_up.sql": {Data: []byte("SELECT 1;")},
		"0001_init_up.sql":    {Data: []byte("SELECT 1;")},
	}

	_, err := Runner{}.discoverUpMigrations(fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 3")
}

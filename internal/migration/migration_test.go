package migration

import (
	"strings"
	"testing"

	"github.com/smallbiznis/meterly/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, name := range files {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestEmbeddedMigrationsCoverModels(t *testing.T) {
	db := dbtest.Open(t)
	var sql strings.Builder
	files, err := Files()
	require.NoError(t, err)
	for _, name := range files {
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		body, err := embeddedMigrations.ReadFile(migrationsDir + "/" + name)
		require.NoError(t, err)
		sql.Write(body)
	}
	for _, model := range Models() {
		stmt := &gorm.Statement{DB: db}
		require.NoError(t, stmt.Parse(model))
		assert.Contains(t, sql.String(), "CREATE TABLE IF NOT EXISTS "+stmt.Schema.Table+" (", "model %T has no migration", model)
	}
}

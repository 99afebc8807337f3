package testutil

import (
	"fmt"
	"strings"
	"testing"

	"csgo-arbiter/internal/config"
	"csgo-arbiter/internal/database"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB opens a private in-memory SQLite database with the full schema.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", name)

	db, err := database.Initialize(config.DatabaseConfig{DSN: dsn}, nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

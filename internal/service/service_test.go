package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/database"
	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "wellybot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, config.DriverSQLite))
	return db
}

func seedUser(t *testing.T, users *repository.UserRepository, telegramID int64, balance int) {
	t.Helper()
	_, _, err := users.Ensure(context.Background(), models.User{TelegramID: telegramID, Generations: balance})
	require.NoError(t, err)
}

package db

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*GormDB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return &GormDB{DB: gdb}, mock
}

func TestFindByRelationshipIDOrdersByCreation(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewConversationRepo(gdb)

	relID := uuid.New()
	older := uuid.New()
	newer := uuid.New()
	base := time.Now()

	mock.ExpectQuery(`SELECT \* FROM "conversations" WHERE relationship_id = \$1 ORDER BY created_at ASC`).
		WithArgs(relID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "relationship_id", "last_message", "created_at", "updated_at"}).
			AddRow(older, relID, "", base.Add(-time.Hour), base.Add(-time.Hour)).
			AddRow(newer, relID, "", base, base))

	convs, err := repo.FindByRelationshipID(relID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, older, convs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReassignMessagesMovesOwnership(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewConversationRepo(gdb)

	from := uuid.New()
	to := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "messages" SET "conversation_id"=\$1 WHERE conversation_id = \$2`).
		WithArgs(to, from).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, repo.ReassignMessages(from, to))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteConversation(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewConversationRepo(gdb)

	id := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "conversations" WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteConversation(id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDuplicatedRelationshipIDs(t *testing.T) {
	gdb, mock := newMockDB(t)
	repo := NewConversationRepo(gdb)

	dup := uuid.New()
	mock.ExpectQuery(`SELECT .*relationship_id.* FROM "conversations" GROUP BY "relationship_id" HAVING COUNT\(\*\) > 1`).
		WillReturnRows(sqlmock.NewRows([]string{"relationship_id"}).AddRow(dup))

	ids, err := repo.ListDuplicatedRelationshipIDs()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{dup}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(errDuplicateKey()))
	require.False(t, IsUniqueViolation(nil))
	require.False(t, IsUniqueViolation(gorm.ErrRecordNotFound))
}

func errDuplicateKey() error {
	return &mockPgError{msg: `ERROR: duplicate key value violates unique constraint "idx_conversations_relationship" (SQLSTATE 23505)`}
}

type mockPgError struct{ msg string }

func (e *mockPgError) Error() string { return e.msg }

package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/dvmcore/internal/app/domain/job"
	"github.com/meshrelay/dvmcore/internal/app/storage"
)

func TestJobStoreGetReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(nil))

	s := NewJobStore(db)
	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Unix(1700000000, 0)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "role", "kind", "status", "input", "input_type", "output", "params",
		"bid_msats", "price_msats", "customer_pubkey", "provider_pubkey",
		"request_event_id", "result_event_id", "event_id", "bolt11", "payment_hash",
		"created_at", "updated_at",
	}).AddRow(
		"job-1", "user-1", "customer", 5100, "open", "do it", "text", "", []byte("{}"),
		1000, 0, "cust-pk", "", "req-1", "", "", "", "",
		now, now,
	)
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).WithArgs("job-1").WillReturnRows(rows)

	s := NewJobStore(db)
	j, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, job.StatusOpen, j.Status)
	require.Equal(t, job.RoleCustomer, j.Role)
	require.Equal(t, int64(1000), j.BidMsats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateExecutesInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(1, 1))

	s := NewJobStore(db)
	err = s.Create(context.Background(), job.Job{
		ID: "job-1", UserID: "user-1", Role: job.RoleCustomer, Kind: 5100,
		Status: job.StatusOpen, Input: "do it", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

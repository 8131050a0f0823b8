package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/store"
)

// Postgres has no LastInsertId, so the enqueue path branches on the
// dialect. sqlmock covers the branch the sqlite tests cannot reach.
func TestEnqueuePostgresUsesReturning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &Store{db: db, dialect: store.DialectPostgres}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO pending_responses .+ RETURNING id`).
		WithArgs("provider", "PAYMENT_COMMITTED", nil, "2", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`INSERT INTO payment_infos`).
		WithArgs(int64(42), uint64(750), "0xprovider", "settlement-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	payment := &contracts.PaymentInfo{
		AmountPaid:       750,
		RecipientAddress: "0xprovider",
		TransactionID:    "settlement-1",
		PaymentTimestamp: time.Now().UTC(),
	}
	require.NoError(t, s.Enqueue(ctx, tx, "provider", contracts.ResponsePaymentCommitted, "", "2.15.0", payment))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

// Concurrent polls must not serialize on the same head-of-queue row:
// the select skips rows another transaction holds so the loser takes
// the next undelivered message instead of returning empty.
func TestPollPostgresSkipsLockedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &Store{db: db, dialect: store.DialectPostgres}

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, client_key, response_type, subtask_id, protocol_major, created_at\s+FROM pending_responses.+LIMIT 1 FOR UPDATE SKIP LOCKED`).
		WithArgs("provider", "2").
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "client_key", "response_type", "subtask_id", "protocol_major", "created_at"}).
			AddRow(int64(7), "provider", "FORCE_REPORT", "sub-1", "2", time.Now().UTC()))
	mock.ExpectExec(`UPDATE pending_responses SET delivered = TRUE`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT amount_paid, recipient_address, transaction_id, payment_ts`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"amount_paid", "recipient_address", "transaction_id", "payment_ts"}))
	mock.ExpectCommit()

	pr, err := s.Poll(context.Background(), "provider", "2.15.0")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, contracts.ResponseForceReport, pr.ResponseType)
	assert.Nil(t, pr.Payment)

	assert.NoError(t, mock.ExpectationsWereMet())
}

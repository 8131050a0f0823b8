// Package mailbox is the durable per-client outbox: every message the
// mediator owes a client is queued here and handed out exactly once when
// the client polls. Delivered rows are retained for audit.
package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/store"
)

// Store persists pending responses. Enqueue runs inside the caller's
// transaction so a state transition and its notifications commit or roll
// back together.
type Store struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewStore builds the mailbox store and runs its migration.
func NewStore(db *sql.DB, dialect store.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == store.DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	queries := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS pending_responses (
			id %s,
			client_key TEXT NOT NULL,
			response_type TEXT NOT NULL,
			queue TEXT NOT NULL DEFAULT 'receive',
			subtask_id TEXT,
			protocol_major TEXT NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_pending_responses_poll
			ON pending_responses (client_key, protocol_major, delivered, id)`,
		`CREATE TABLE IF NOT EXISTS payment_infos (
			pending_response_id BIGINT PRIMARY KEY,
			amount_paid BIGINT NOT NULL,
			recipient_address TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			payment_ts TIMESTAMP NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("mailbox: migration failed: %w", err)
		}
	}
	return nil
}

// Enqueue appends one pending response for a client inside tx. Duplicate
// enqueues for the same logical event are a caller bug; the mailbox never
// deduplicates.
func (s *Store) Enqueue(ctx context.Context, tx *sql.Tx, clientKey string, responseType contracts.ResponseType, subtaskID, protocolVersion string, payment *contracts.PaymentInfo) error {
	if !responseType.Valid() {
		return fmt.Errorf("mailbox: unknown response type %q", responseType)
	}

	var sub any
	if subtaskID != "" {
		sub = subtaskID
	}
	now := time.Now().UTC()
	major := contracts.MajorVersion(protocolVersion)

	var id int64
	if s.dialect == store.DialectPostgres {
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(`
			INSERT INTO pending_responses (client_key, response_type, subtask_id, protocol_major, delivered, created_at)
			VALUES (?, ?, ?, ?, FALSE, ?) RETURNING id`),
			clientKey, string(responseType), sub, major, now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("mailbox: failed to enqueue: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pending_responses (client_key, response_type, subtask_id, protocol_major, delivered, created_at)
			VALUES (?, ?, ?, ?, FALSE, ?)`,
			clientKey, string(responseType), sub, major, now,
		)
		if err != nil {
			return fmt.Errorf("mailbox: failed to enqueue: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("mailbox: failed to read enqueue id: %w", err)
		}
	}

	if payment != nil {
		_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO payment_infos (pending_response_id, amount_paid, recipient_address, transaction_id, payment_ts)
			VALUES (?, ?, ?, ?, ?)`),
			id, payment.AmountPaid, payment.RecipientAddress, payment.TransactionID, payment.PaymentTimestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("mailbox: failed to attach payment info: %w", err)
		}
	}
	return nil
}

// Poll atomically selects the oldest undelivered response for the client
// on the given protocol version, marks it delivered and returns it.
// Returns (nil, nil) when nothing is queued: an empty mailbox is not an
// error. Messages for other protocol major versions stay queued so
// lagging clients never lose in-flight messages across an upgrade.
func (s *Store) Poll(ctx context.Context, clientKey, protocolVersion string) (*contracts.PendingResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mailbox: failed to begin poll tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	major := contracts.MajorVersion(protocolVersion)
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, client_key, response_type, subtask_id, protocol_major, created_at
		FROM pending_responses
		WHERE client_key = ? AND protocol_major = ? AND delivered = FALSE
		ORDER BY id ASC
		LIMIT 1`)+s.dialect.ForUpdateSkipLocked(),
		clientKey, major,
	)

	var pr contracts.PendingResponse
	var subtaskID sql.NullString
	var responseType string
	if err := row.Scan(&pr.ID, &pr.ClientKey, &responseType, &subtaskID, &pr.ProtocolVersion, &pr.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: poll select failed: %w", err)
	}
	pr.ResponseType = contracts.ResponseType(responseType)
	pr.SubtaskID = subtaskID.String

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE pending_responses SET delivered = TRUE WHERE id = ?`), pr.ID); err != nil {
		return nil, fmt.Errorf("mailbox: failed to mark delivered: %w", err)
	}

	payment, err := s.paymentFor(ctx, tx, pr.ID)
	if err != nil {
		return nil, err
	}
	pr.Payment = payment
	pr.Delivered = true

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mailbox: poll commit failed: %w", err)
	}
	return &pr, nil
}

func (s *Store) paymentFor(ctx context.Context, tx *sql.Tx, responseID int64) (*contracts.PaymentInfo, error) {
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT amount_paid, recipient_address, transaction_id, payment_ts
		FROM payment_infos WHERE pending_response_id = ?`), responseID)

	var p contracts.PaymentInfo
	if err := row.Scan(&p.AmountPaid, &p.RecipientAddress, &p.TransactionID, &p.PaymentTimestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: failed to load payment info: %w", err)
	}
	return &p, nil
}

// UndeliveredCount reports how many responses are waiting for a client,
// across all protocol versions. Used by the operator dashboard surface.
func (s *Store) UndeliveredCount(ctx context.Context, clientKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT COUNT(*) FROM pending_responses WHERE client_key = ? AND delivered = FALSE`),
		clientKey,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("mailbox: failed to count undelivered: %w", err)
	}
	return n, nil
}

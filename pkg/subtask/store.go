package subtask

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/concent-network/concent/pkg/contracts"
	"github.com/concent-network/concent/pkg/store"
)

// ErrNotFound is returned when a subtask or client does not exist.
var ErrNotFound = fmt.Errorf("subtask: not found")

// Store persists clients, subtasks and their evidentiary documents.
// Mutations run inside a caller-owned transaction so state, evidence and
// mailbox writes commit atomically.
type Store struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewStore builds the subtask store and runs its migration.
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
		`CREATE TABLE IF NOT EXISTS clients (
			public_key TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subtasks (
			subtask_id TEXT NOT NULL,
			protocol_major TEXT NOT NULL,
			task_id TEXT NOT NULL,
			protocol_version TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			requestor_key TEXT NOT NULL,
			state TEXT NOT NULL,
			computation_deadline TIMESTAMP NOT NULL,
			next_deadline TIMESTAMP,
			result_package_size BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (subtask_id, protocol_major)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_next_deadline
			ON subtasks (next_deadline) WHERE next_deadline IS NOT NULL`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS subtask_documents (
			id %s,
			subtask_id TEXT NOT NULL,
			protocol_major TEXT NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT NOT NULL,
			protocol_version TEXT NOT NULL,
			signer_key TEXT NOT NULL,
			payload BLOB,
			result_package_path TEXT NOT NULL DEFAULT '',
			source_package_path TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			price BIGINT NOT NULL DEFAULT 0,
			signed_at TIMESTAMP,
			appended_at TIMESTAMP NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_subtask_documents_subtask
			ON subtask_documents (subtask_id, protocol_major, id)`,
	}
	for _, q := range queries {
		if s.dialect == store.DialectPostgres {
			// Postgres has no BLOB type.
			q = replaceBlob(q)
		}
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("subtask: migration failed: %w", err)
		}
	}
	return nil
}

func replaceBlob(q string) string {
	out := make([]byte, 0, len(q))
	for i := 0; i < len(q); i++ {
		if i+4 <= len(q) && q[i:i+4] == "BLOB" {
			out = append(out, "BYTEA"...)
			i += 3
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

// GetOrCreateClient returns the client for publicKey, creating it on
// first reference. Race-safe: the insert is conflict-tolerant, and a
// racing caller falls back to re-selecting the winner's row. Exactly one
// retry; a second miss is fatal.
func (s *Store) GetOrCreateClient(ctx context.Context, publicKey string) (*contracts.Client, error) {
	if publicKey == "" {
		return nil, contracts.NewClientError("empty-key", "client public key must not be empty")
	}
	for attempt := 0; attempt < 2; attempt++ {
		_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO clients (public_key, created_at) VALUES (?, ?)
			ON CONFLICT (public_key) DO NOTHING`),
			publicKey, time.Now().UTC(),
		)
		if err != nil && !store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("subtask: failed to create client: %w", err)
		}

		var c contracts.Client
		err = s.db.QueryRowContext(ctx, s.dialect.Rebind(
			`SELECT public_key, created_at FROM clients WHERE public_key = ?`), publicKey,
		).Scan(&c.PublicKey, &c.CreatedAt)
		if err == nil {
			return &c, nil
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("subtask: failed to load client: %w", err)
		}
	}
	return nil, fmt.Errorf("subtask: client %s unreachable after insert and retry", publicKey)
}

// Create inserts a new subtask in its initial state. If a racing caller
// created the same subtask first, the existing row is returned and
// created is false; callers resolve their request against that row's
// state.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, sub *contracts.Subtask) (created bool, existing *contracts.Subtask, err error) {
	if sub.ProviderKey == sub.RequestorKey {
		return false, nil, contracts.NewClientError("same-party", "provider and requestor must differ")
	}
	if err := sub.CheckDeadlineInvariant(); err != nil {
		return false, nil, err
	}

	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	major := contracts.MajorVersion(sub.ProtocolVersion)

	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO subtasks (subtask_id, protocol_major, task_id, protocol_version, provider_key, requestor_key,
			state, computation_deadline, next_deadline, result_package_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subtask_id, protocol_major) DO NOTHING`),
		sub.SubtaskID, major, sub.TaskID, sub.ProtocolVersion, sub.ProviderKey, sub.RequestorKey,
		string(sub.State), sub.ComputationDeadline.UTC(), nullableTime(sub.NextDeadline),
		sub.ResultPackageSize, now, now,
	)
	if err != nil {
		return false, nil, fmt.Errorf("subtask: failed to create: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return true, sub, nil
	}

	row, err := s.GetForUpdate(ctx, tx, sub.SubtaskID, sub.ProtocolVersion)
	if err != nil {
		return false, nil, fmt.Errorf("subtask: lost creation race but winner's row missing: %w", err)
	}
	return false, row, nil
}

// GetForUpdate loads a subtask under an exclusive row lock. Transitions
// must read through this so only one racing caller observes the
// pre-transition state.
func (s *Store) GetForUpdate(ctx context.Context, tx *sql.Tx, subtaskID, protocolVersion string) (*contracts.Subtask, error) {
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT subtask_id, task_id, protocol_version, provider_key, requestor_key,
			state, computation_deadline, next_deadline, result_package_size, created_at, updated_at
		FROM subtasks WHERE subtask_id = ? AND protocol_major = ?`)+s.dialect.ForUpdate(),
		subtaskID, contracts.MajorVersion(protocolVersion),
	)
	return scanSubtask(row)
}

// GetForUpdateByID loads a subtask under an exclusive row lock by
// subtask id alone. Used by the verification-result consumer, whose
// callbacks carry no protocol version.
func (s *Store) GetForUpdateByID(ctx context.Context, tx *sql.Tx, subtaskID string) (*contracts.Subtask, error) {
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT subtask_id, task_id, protocol_version, provider_key, requestor_key,
			state, computation_deadline, next_deadline, result_package_size, created_at, updated_at
		FROM subtasks WHERE subtask_id = ?
		ORDER BY created_at DESC LIMIT 1`)+s.dialect.ForUpdate(),
		subtaskID,
	)
	return scanSubtask(row)
}

// UpdateState persists a transitioned subtask: state, deadline and
// package size, inside the caller's transaction. The deadline invariant
// is re-checked here; a violation aborts before anything is written.
func (s *Store) UpdateState(ctx context.Context, tx *sql.Tx, sub *contracts.Subtask) error {
	if err := sub.CheckDeadlineInvariant(); err != nil {
		return err
	}
	sub.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE subtasks SET state = ?, next_deadline = ?, result_package_size = ?, updated_at = ?
		WHERE subtask_id = ? AND protocol_major = ?`),
		string(sub.State), nullableTime(sub.NextDeadline), sub.ResultPackageSize, sub.UpdatedAt,
		sub.SubtaskID, contracts.MajorVersion(sub.ProtocolVersion),
	)
	if err != nil {
		return fmt.Errorf("subtask: failed to update state: %w", err)
	}
	return nil
}

// AppendDocument attaches one evidentiary document to a subtask. The
// document must be consistent with the subtask; stored documents are
// never mutated.
func (s *Store) AppendDocument(ctx context.Context, tx *sql.Tx, sub *contracts.Subtask, doc *contracts.Document) error {
	if err := doc.ConsistentWith(sub); err != nil {
		return contracts.NewClientError("inconsistent-evidence", "%s", err.Error())
	}
	doc.AppendedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO subtask_documents (subtask_id, protocol_major, kind, task_id, protocol_version, signer_key,
			payload, result_package_path, source_package_path, checksum, size, price, signed_at, appended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sub.SubtaskID, contracts.MajorVersion(sub.ProtocolVersion), string(doc.Kind), doc.TaskID,
		doc.ProtocolVersion, doc.SignerKey, doc.Payload, doc.ResultPackagePath,
		doc.SourcePackagePath, doc.Checksum, doc.Size, doc.Price, nullableTime(signedAt(doc)), doc.AppendedAt,
	)
	if err != nil {
		return fmt.Errorf("subtask: failed to append document: %w", err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx for reads. The pool is capped at
// one connection on SQLite, so a read made through s.db while a
// transaction is open would wait on itself; transactional callers must
// read through their own tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Documents returns a subtask's evidence in append order.
func (s *Store) Documents(ctx context.Context, subtaskID, protocolVersion string) ([]*contracts.Document, error) {
	return s.documents(ctx, s.db, subtaskID, protocolVersion)
}

// DocumentsTx is Documents through the caller's open transaction.
func (s *Store) DocumentsTx(ctx context.Context, tx *sql.Tx, subtaskID, protocolVersion string) ([]*contracts.Document, error) {
	return s.documents(ctx, tx, subtaskID, protocolVersion)
}

func (s *Store) documents(ctx context.Context, q querier, subtaskID, protocolVersion string) ([]*contracts.Document, error) {
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(`
		SELECT kind, task_id, protocol_version, signer_key, payload,
			result_package_path, source_package_path, checksum, size, price, signed_at, appended_at
		FROM subtask_documents WHERE subtask_id = ? AND protocol_major = ? ORDER BY id ASC`),
		subtaskID, contracts.MajorVersion(protocolVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("subtask: failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*contracts.Document
	for rows.Next() {
		d := &contracts.Document{SubtaskID: subtaskID}
		var kind string
		var signed sql.NullTime
		if err := rows.Scan(&kind, &d.TaskID, &d.ProtocolVersion, &d.SignerKey, &d.Payload,
			&d.ResultPackagePath, &d.SourcePackagePath, &d.Checksum, &d.Size, &d.Price, &signed, &d.AppendedAt); err != nil {
			return nil, fmt.Errorf("subtask: failed to scan document: %w", err)
		}
		d.Kind = contracts.DocumentKind(kind)
		if signed.Valid {
			d.SignedAt = signed.Time
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// LatestDocument returns the most recently appended document of the given
// kind, or ErrNotFound.
func (s *Store) LatestDocument(ctx context.Context, subtaskID, protocolVersion string, kind contracts.DocumentKind) (*contracts.Document, error) {
	return s.latestDocument(ctx, s.db, subtaskID, protocolVersion, kind)
}

// LatestDocumentTx is LatestDocument through the caller's open
// transaction.
func (s *Store) LatestDocumentTx(ctx context.Context, tx *sql.Tx, subtaskID, protocolVersion string, kind contracts.DocumentKind) (*contracts.Document, error) {
	return s.latestDocument(ctx, tx, subtaskID, protocolVersion, kind)
}

func (s *Store) latestDocument(ctx context.Context, q querier, subtaskID, protocolVersion string, kind contracts.DocumentKind) (*contracts.Document, error) {
	docs, err := s.documents(ctx, q, subtaskID, protocolVersion)
	if err != nil {
		return nil, err
	}
	for i := len(docs) - 1; i >= 0; i-- {
		if docs[i].Kind == kind {
			return docs[i], nil
		}
	}
	return nil, ErrNotFound
}

// Overdue returns every active subtask whose next deadline has passed,
// for the deadline sweep.
func (s *Store) Overdue(ctx context.Context, now time.Time) ([]*contracts.Subtask, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT subtask_id, task_id, protocol_version, provider_key, requestor_key,
			state, computation_deadline, next_deadline, result_package_size, created_at, updated_at
		FROM subtasks WHERE next_deadline IS NOT NULL AND next_deadline <= ?`),
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("subtask: failed to list overdue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*contracts.Subtask
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubtask(row rowScanner) (*contracts.Subtask, error) {
	var sub contracts.Subtask
	var state string
	var next sql.NullTime
	err := row.Scan(&sub.SubtaskID, &sub.TaskID, &sub.ProtocolVersion, &sub.ProviderKey, &sub.RequestorKey,
		&state, &sub.ComputationDeadline, &next, &sub.ResultPackageSize, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("subtask: failed to scan: %w", err)
	}
	sub.State = contracts.SubtaskState(state)
	if next.Valid {
		t := next.Time
		sub.NextDeadline = &t
	}
	return &sub, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func signedAt(doc *contracts.Document) *time.Time {
	if doc.SignedAt.IsZero() {
		return nil
	}
	t := doc.SignedAt
	return &t
}

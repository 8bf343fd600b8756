package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invoicehub/drive-ingest/internal/models"
)

func ConnectDB(connStr string) (*pgxpool.Pool, error) {
	dbpool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	return dbpool, nil
}

type PostgresStore struct {
	dbpool *pgxpool.Pool
	ctx    context.Context
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{dbpool: pool, ctx: ctx}
}

// CreateTables creates the invoices, ingest_events and sync_state tables if
// they do not exist. The content hash index is partial: records without a
// fingerprintable identity carry NULL and never collide.
func (s *PostgresStore) CreateTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGSERIAL PRIMARY KEY,
			remote_file_id TEXT NOT NULL UNIQUE,
			remote_file_name TEXT NOT NULL,
			folder_name TEXT,
			supplier_name TEXT,
			invoice_number TEXT,
			currency TEXT DEFAULT 'EUR',
			issue_date DATE,
			net_amount NUMERIC(18, 2),
			tax_amount NUMERIC(18, 2),
			total_amount NUMERIC(18, 2),
			extractor TEXT NOT NULL,
			confidence TEXT,
			content_hash TEXT,
			revision INTEGER NOT NULL DEFAULT 1,
			remote_modified_at TIMESTAMPTZ,
			state TEXT NOT NULL DEFAULT 'processed'
				CHECK (state IN ('processed', 'pending', 'error', 'review', 'duplicate', 'permanent_error')),
			error_msg TEXT,
			reprocess_attempts INTEGER NOT NULL DEFAULT 0 CHECK (reprocess_attempts >= 0),
			reprocessed_at TIMESTAMPTZ,
			reprocess_reason TEXT,
			deleted_from_remote BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_content_hash
			ON invoices (content_hash) WHERE content_hash IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_supplier_number
			ON invoices (supplier_name, invoice_number);`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_state ON invoices (state);`,
		`CREATE TABLE IF NOT EXISTS ingest_events (
			id BIGSERIAL PRIMARY KEY,
			remote_file_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			level TEXT NOT NULL,
			detail TEXT,
			content_hash TEXT,
			decision TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ingest_events_file
			ON ingest_events (remote_file_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, query := range queries {
		if _, err := s.dbpool.Exec(s.ctx, query); err != nil {
			return fmt.Errorf("error creating schema: %v", err)
		}
	}

	return nil
}

const invoiceColumns = `id, remote_file_id, remote_file_name, COALESCE(folder_name, ''),
	COALESCE(supplier_name, ''), COALESCE(invoice_number, ''), COALESCE(currency, ''),
	issue_date, net_amount, tax_amount, total_amount,
	extractor, COALESCE(confidence, ''), COALESCE(content_hash, ''), revision,
	remote_modified_at, state, COALESCE(error_msg, ''),
	reprocess_attempts, reprocessed_at, COALESCE(reprocess_reason, ''),
	deleted_from_remote, created_at, updated_at`

func scanInvoice(row pgx.Row) (*models.InvoiceRecord, error) {
	var rec models.InvoiceRecord
	err := row.Scan(
		&rec.ID, &rec.RemoteFileID, &rec.RemoteFileName, &rec.FolderName,
		&rec.SupplierName, &rec.InvoiceNumber, &rec.Currency,
		&rec.IssueDate, &rec.NetAmount, &rec.TaxAmount, &rec.TotalAmount,
		&rec.Extractor, &rec.Confidence, &rec.ContentHash, &rec.Revision,
		&rec.RemoteModifiedAt, &rec.State, &rec.ErrorMsg,
		&rec.ReprocessAttempts, &rec.ReprocessedAt, &rec.ReprocessReason,
		&rec.DeletedFromRemote, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error scanning invoice row: %w", err)
	}

	return &rec, nil
}

// FindByRemoteFileID returns the record for a remote file, or nil when the
// file has never been ingested.
func (s *PostgresStore) FindByRemoteFileID(remoteFileID string) (*models.InvoiceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE remote_file_id = $1;`, invoiceColumns)
	return scanInvoice(s.dbpool.QueryRow(s.ctx, query, remoteFileID))
}

func (s *PostgresStore) FindByContentHash(contentHash string) (*models.InvoiceRecord, error) {
	if contentHash == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM invoices WHERE content_hash = $1;`, invoiceColumns)
	return scanInvoice(s.dbpool.QueryRow(s.ctx, query, contentHash))
}

// FindByBusinessKey matches on the supplier/number pair. Comparison uses the
// normalized form of both sides so casing and spacing differences do not hide
// a match. Returns the most recently updated record when several exist.
func (s *PostgresStore) FindByBusinessKey(supplierName, invoiceNumber string) (*models.InvoiceRecord, error) {
	if supplierName == "" || invoiceNumber == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
	SELECT %s FROM invoices
	WHERE lower(btrim(supplier_name)) = lower(btrim($1))
		AND lower(btrim(invoice_number)) = lower(btrim($2))
	ORDER BY updated_at DESC
	LIMIT 1;`, invoiceColumns)
	return scanInvoice(s.dbpool.QueryRow(s.ctx, query, supplierName, invoiceNumber))
}

// Upsert inserts the record or, when a row for the same remote_file_id
// already exists, overwrites its extracted fields in place. With
// incrementRevision set the stored revision counter is bumped; otherwise it
// is left untouched.
func (s *PostgresStore) Upsert(rec *models.InvoiceRecord, incrementRevision bool) (int64, error) {
	query := `
	INSERT INTO invoices (
		remote_file_id, remote_file_name, folder_name, supplier_name, invoice_number,
		currency, issue_date, net_amount, tax_amount, total_amount,
		extractor, confidence, content_hash, remote_modified_at, state, error_msg
	)
	VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
		$7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), $14, $15, NULLIF($16, ''))
	ON CONFLICT (remote_file_id) DO UPDATE SET
		remote_file_name = EXCLUDED.remote_file_name,
		folder_name = EXCLUDED.folder_name,
		supplier_name = EXCLUDED.supplier_name,
		invoice_number = EXCLUDED.invoice_number,
		currency = EXCLUDED.currency,
		issue_date = EXCLUDED.issue_date,
		net_amount = EXCLUDED.net_amount,
		tax_amount = EXCLUDED.tax_amount,
		total_amount = EXCLUDED.total_amount,
		extractor = EXCLUDED.extractor,
		confidence = EXCLUDED.confidence,
		content_hash = EXCLUDED.content_hash,
		remote_modified_at = EXCLUDED.remote_modified_at,
		state = EXCLUDED.state,
		error_msg = EXCLUDED.error_msg,
		revision = CASE WHEN $17 THEN invoices.revision + 1 ELSE invoices.revision END,
		updated_at = now()
	RETURNING id;`

	var id int64
	err := s.dbpool.QueryRow(s.ctx, query,
		rec.RemoteFileID, rec.RemoteFileName, rec.FolderName, rec.SupplierName,
		rec.InvoiceNumber, rec.Currency, rec.IssueDate, rec.NetAmount, rec.TaxAmount,
		rec.TotalAmount, rec.Extractor, rec.Confidence, rec.ContentHash,
		rec.RemoteModifiedAt, rec.State, rec.ErrorMsg, incrementRevision,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error upserting invoice %s: %w", rec.RemoteFileID, err)
	}

	return id, nil
}

// MarkError flips a record into the error state without touching its
// extracted columns, so a failure on a re-modified file never erases the
// fields or the content hash a previous successful run stored. For a file
// that has no row yet a minimal error row is inserted so the reprocessing
// scheduler can find it.
func (s *PostgresStore) MarkError(rec *models.InvoiceRecord) error {
	query := `
	INSERT INTO invoices (
		remote_file_id, remote_file_name, folder_name, extractor,
		remote_modified_at, state, error_msg
	)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''))
	ON CONFLICT (remote_file_id) DO UPDATE SET
		remote_file_name = EXCLUDED.remote_file_name,
		remote_modified_at = EXCLUDED.remote_modified_at,
		state = EXCLUDED.state,
		error_msg = EXCLUDED.error_msg,
		updated_at = now();`

	_, err := s.dbpool.Exec(s.ctx, query,
		rec.RemoteFileID, rec.RemoteFileName, rec.FolderName, rec.Extractor,
		rec.RemoteModifiedAt, models.StateError, rec.ErrorMsg)
	if err != nil {
		return fmt.Errorf("error marking invoice %s as failed: %w", rec.RemoteFileID, err)
	}

	return nil
}

func (s *PostgresStore) InsertEvent(ev models.IngestEvent) error {
	query := `
	INSERT INTO ingest_events (remote_file_id, stage, level, detail, content_hash, decision)
	VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''));`

	_, err := s.dbpool.Exec(s.ctx, query,
		ev.RemoteFileID, ev.Stage, ev.Level, ev.Detail, ev.ContentHash, ev.Decision)
	if err != nil {
		return fmt.Errorf("error inserting ingest event: %v", err)
	}

	return nil
}

// SelectReprocessCandidates returns records in the given states, updated
// after the cutoff, that still have attempts left and are still present on
// the remote. SQL applies the hard filters; transient-error prioritization
// happens in the scheduler, which holds the pattern list.
func (s *PostgresStore) SelectReprocessCandidates(q models.ReprocessQuery) ([]models.InvoiceRecord, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM invoices
	WHERE state = ANY($1)
		AND updated_at >= $2
		AND reprocess_attempts < $3
		AND NOT deleted_from_remote
	ORDER BY updated_at DESC
	LIMIT $4;`, invoiceColumns)

	rows, err := s.dbpool.Query(s.ctx, query, q.States, q.UpdatedAfter, q.MaxAttempts, q.MaxCount)
	if err != nil {
		return nil, fmt.Errorf("error selecting reprocess candidates: %w", err)
	}
	defer rows.Close()

	var records []models.InvoiceRecord
	for rows.Next() {
		rec, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reprocess candidates: %w", err)
	}

	return records, nil
}

// RecordReprocessAttempt increments the attempt counter for the record and,
// when the counter reaches maxAttempts, escalates it to the terminal
// permanent_error state. Escalation is one-way. Returns true when it
// happened on this call.
func (s *PostgresStore) RecordReprocessAttempt(remoteFileID, reason string, maxAttempts int) (bool, error) {
	query := `
	UPDATE invoices SET
		reprocess_attempts = reprocess_attempts + 1,
		reprocessed_at = now(),
		reprocess_reason = NULLIF($2, ''),
		state = CASE WHEN reprocess_attempts + 1 >= $3 THEN 'permanent_error' ELSE state END,
		updated_at = now()
	WHERE remote_file_id = $1 AND state <> 'permanent_error'
	RETURNING state;`

	var state string
	err := s.dbpool.QueryRow(s.ctx, query, remoteFileID, reason, maxAttempts).Scan(&state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("error recording reprocess attempt for %s: %w", remoteFileID, err)
	}

	return state == models.StatePermanentError, nil
}

// ResetReprocessState zeroes the attempt bookkeeping and, when the record sits
// in a terminal failure state, moves it back to error so the scheduler can
// pick it up again. Used by the manual requeue tool.
func (s *PostgresStore) ResetReprocessState(remoteFileID string) error {
	query := `
	UPDATE invoices SET
		reprocess_attempts = 0,
		reprocessed_at = NULL,
		reprocess_reason = NULL,
		state = CASE WHEN state = 'permanent_error' THEN 'error' ELSE state END,
		updated_at = now()
	WHERE remote_file_id = $1;`

	_, err := s.dbpool.Exec(s.ctx, query, remoteFileID)
	if err != nil {
		return fmt.Errorf("error resetting reprocess state for %s: %v", remoteFileID, err)
	}

	return nil
}

// ExpireStuckPending moves records stuck in pending since before the cutoff
// to the error state so the reprocessing scheduler can pick them up.
func (s *PostgresStore) ExpireStuckPending(olderThan time.Time) (int64, error) {
	query := `
	UPDATE invoices SET
		state = 'error',
		error_msg = 'expired after being stuck in pending',
		updated_at = now()
	WHERE state = 'pending' AND updated_at < $1;`

	tag, err := s.dbpool.Exec(s.ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("error expiring stuck pending invoices: %w", err)
	}

	return tag.RowsAffected(), nil
}

// MarkDeletedFromRemote flags a record whose source file no longer exists in
// the remote store, excluding it from future reprocessing.
func (s *PostgresStore) MarkDeletedFromRemote(remoteFileID string) error {
	query := `
	UPDATE invoices SET deleted_from_remote = TRUE, updated_at = now()
	WHERE remote_file_id = $1;`

	_, err := s.dbpool.Exec(s.ctx, query, remoteFileID)
	if err != nil {
		return fmt.Errorf("error marking %s as deleted from remote: %v", remoteFileID, err)
	}

	return nil
}

// GetState reads one sync_state value. Returns "" when the key is absent.
func (s *PostgresStore) GetState(key string) (string, error) {
	query := `SELECT value FROM sync_state WHERE key = $1;`

	var value string
	err := s.dbpool.QueryRow(s.ctx, query, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("error reading sync state %s: %w", key, err)
	}

	return value, nil
}

func (s *PostgresStore) SetState(key, value string) error {
	query := `
	INSERT INTO sync_state (key, value) VALUES ($1, $2)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now();`

	_, err := s.dbpool.Exec(s.ctx, query, key, value)
	if err != nil {
		return fmt.Errorf("error writing sync state %s: %w", key, err)
	}

	return nil
}

func (s *PostgresStore) DeleteState(key string) error {
	query := `DELETE FROM sync_state WHERE key = $1;`

	_, err := s.dbpool.Exec(s.ctx, query, key)
	if err != nil {
		return fmt.Errorf("error deleting sync state %s: %w", key, err)
	}

	return nil
}

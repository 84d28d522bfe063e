package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uninett/sipade/internal/errs"
)

// AlertStore is the narrow capability the Detection Controller (C4) uses
// to archive the rows that triggered an alert.
type AlertStore interface {
	// NextAlertID returns max(alert_id)+1, so alert ids are monotone and
	// gap-free even across restarts.
	NextAlertID(ctx context.Context) (uint64, error)
	// InsertRows archives rows under alertID.
	InsertRows(ctx context.Context, alertID uint64, rows []CDRRow) error
}

// PGAlertStore is a pgx-backed AlertStore.
type PGAlertStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPGAlertStore(ctx context.Context, connString, table string) (*PGAlertStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errs.New(errs.SourceUnavailable, "alert-database connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(errs.SourceUnavailable, "alert-database ping", err)
	}
	if table == "" {
		table = "alert"
	}
	return &PGAlertStore{pool: pool, table: table}, nil
}

func (s *PGAlertStore) Close() { s.pool.Close() }

func (s *PGAlertStore) NextAlertID(ctx context.Context) (uint64, error) {
	var maxID *uint64
	query := fmt.Sprintf("SELECT max(alert_id) FROM %s", s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&maxID); err != nil {
		return 0, errs.New(errs.SourceQueryFailed, "alert next id", err)
	}
	if maxID == nil {
		return 1, nil
	}
	return *maxID + 1, nil
}

// InsertRows archives rows under alertID. Every inserted row's accountcode
// column is taken from rows[0], not from the row being inserted. This
// reproduces a quirk in the original alert writer, which re-reads field 6
// of the first result row for every row it archives, rather than silently
// correcting it.
func (s *PGAlertStore) InsertRows(ctx context.Context, alertID uint64, rows []CDRRow) error {
	if len(rows) == 0 {
		return nil
	}
	accountCode := rows[0].AccountCode

	batch := &pgx.Batch{}
	query := fmt.Sprintf(
		`INSERT INTO %s (alert_id, cdr_id, calldate, src, dst, billsec, calltype, accountcode)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table)
	for _, r := range rows {
		batch.Queue(query, alertID, r.ID, r.CallDate, r.Src, r.Dst, r.BillSec, r.CallType, accountCode)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return errs.New(errs.SourceQueryFailed, "alert row insert", err)
		}
	}
	return nil
}

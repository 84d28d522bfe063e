// Package store implements the PostgreSQL-backed CDR, checkpoint, and
// alert-archive relations the detection engine consumes. Every query is
// parameterized: nothing here interpolates institution, calltype, or
// timestamp values into SQL text.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uninett/sipade/internal/calltype"
	"github.com/uninett/sipade/internal/errs"
	"github.com/uninett/sipade/internal/hellinger"
)

// CDRRow is one call-detail record.
type CDRRow struct {
	ID          int64
	CallDate    time.Time
	Src         string
	Dst         string
	BillSec     int64
	CallType    string
	AccountCode string
}

// CDRStore is the narrow capability the CDR Aggregator (C2) consumes.
type CDRStore interface {
	// Window fetches every row in [cursor, cursor+delta] (inclusive upper
	// bound, matching the source's "between ... and ... + interval") for
	// institution and any of active's category names.
	Window(ctx context.Context, cursor time.Time, delta time.Duration, institution string, active calltype.ActiveSet) ([]CDRRow, error)
	// FirstTwoCallDates returns the calldate of the first two rows ordered
	// by id, used to seed the initial cursor when none is configured.
	FirstTwoCallDates(ctx context.Context) ([]time.Time, error)
}

// PGCDRStore is a pgx-backed CDRStore.
type PGCDRStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGCDRStore connects to the cdr-database and returns a ready store.
func NewPGCDRStore(ctx context.Context, connString, table string) (*PGCDRStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errs.New(errs.SourceUnavailable, "cdr-database connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(errs.SourceUnavailable, "cdr-database ping", err)
	}
	if table == "" {
		table = "cdr"
	}
	return &PGCDRStore{pool: pool, table: table}, nil
}

func (s *PGCDRStore) Close() { s.pool.Close() }

func (s *PGCDRStore) Window(ctx context.Context, cursor time.Time, delta time.Duration, institution string, active calltype.ActiveSet) ([]CDRRow, error) {
	query := fmt.Sprintf(
		`SELECT id, calldate, src, dst, billsec, calltype, accountcode
		 FROM %s
		 WHERE calldate BETWEEN $1 AND ($1::timestamp + ($2 || ' minutes')::interval)
		   AND calltype = ANY($3)
		   AND accountcode = $4
		 ORDER BY id`, s.table)

	rows, err := s.pool.Query(ctx, query, cursor, int(delta.Minutes()), active.Names(), institution)
	if err != nil {
		return nil, errs.New(errs.SourceQueryFailed, "cdr window query", err)
	}
	defer rows.Close()

	var out []CDRRow
	for rows.Next() {
		var r CDRRow
		if err := rows.Scan(&r.ID, &r.CallDate, &r.Src, &r.Dst, &r.BillSec, &r.CallType, &r.AccountCode); err != nil {
			return nil, errs.New(errs.SourceQueryFailed, "cdr window scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.SourceQueryFailed, "cdr window rows", err)
	}
	return out, nil
}

func (s *PGCDRStore) FirstTwoCallDates(ctx context.Context) ([]time.Time, error) {
	query := fmt.Sprintf(`SELECT calldate FROM %s ORDER BY id LIMIT 2`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, errs.New(errs.SourceQueryFailed, "cdr first-two query", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, errs.New(errs.SourceQueryFailed, "cdr first-two scan", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.SourceQueryFailed, "cdr first-two rows", err)
	}
	return out, nil
}

// Aggregate reduces rows into an Observation: per-category counts and
// durations, then probabilities gated by freqFloor/durFloor.
func Aggregate(rows []CDRRow, active calltype.ActiveSet, freqFloor, durFloor uint64) hellinger.Observation {
	var call [calltype.Count]hellinger.Category
	for _, r := range rows {
		ct, ok := calltype.Parse(r.CallType)
		if !ok || !active.Contains(ct) {
			continue
		}
		call[ct].N++
		call[ct].D += uint64(r.BillSec)
	}
	return hellinger.Reduce(call, freqFloor, durFloor)
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uninett/sipade/internal/calltype"
	"github.com/uninett/sipade/internal/errs"
	"github.com/uninett/sipade/internal/hellinger"
)

// Checkpoint is a durable snapshot of the baseline plus the most recent
// completed cursor.
type Checkpoint struct {
	ID     int64
	Cursor time.Time
}

// CheckpointStore is the narrow capability the Detection Controller (C4)
// uses to persist and restore the baseline.
type CheckpointStore interface {
	// Save inserts a new append-only checkpoint row.
	Save(ctx context.Context, b *hellinger.Baseline, cursor time.Time) (int64, error)
	// Restore returns the checkpoint with the maximum id, or ok=false if
	// none exists.
	Restore(ctx context.Context) (b *hellinger.Baseline, cursor time.Time, ok bool, err error)
}

// PGCheckpointStore is a pgx-backed CheckpointStore.
type PGCheckpointStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPGCheckpointStore(ctx context.Context, connString, table string) (*PGCheckpointStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, errs.New(errs.SourceUnavailable, "threshold-database connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(errs.SourceUnavailable, "threshold-database ping", err)
	}
	if table == "" {
		table = "threshold"
	}
	return &PGCheckpointStore{pool: pool, table: table}, nil
}

func (s *PGCheckpointStore) Close() { s.pool.Close() }

// checkpointColumns lists one (num, dur, pf, pd) quadruple per category in
// canonical order, followed by the scalar fields.
var checkpointColumns = []string{
	"num_int", "dur_int", "p_fint", "p_dint",
	"num_mob", "dur_mob", "p_fmob", "p_dmob",
	"num_prem", "dur_prem", "p_fprem", "p_dprem",
	"num_ser", "dur_ser", "p_fser", "p_dser",
	"num_dom", "dur_dom", "p_fdom", "p_ddom",
	"num_emr", "dur_emr", "p_femr", "p_demr",
	"num_total", "dur_total", "dist_value", "mean_dev", "threshold", "last_ts",
}

func (s *PGCheckpointStore) Save(ctx context.Context, b *hellinger.Baseline, cursor time.Time) (int64, error) {
	args := make([]any, 0, len(checkpointColumns))
	var numTotal, durTotal uint64
	for _, c := range b.Call {
		args = append(args, c.N, c.D, c.PF, c.PD)
		numTotal += c.N
		durTotal += c.D
	}
	args = append(args, numTotal, durTotal, b.DistEWMA, b.MDevEWMA, b.Threshold, cursor)

	placeholders := ""
	for i := range args {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING threshold_id`,
		s.table, columnList(), placeholders)

	var id int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, errs.New(errs.SourceQueryFailed, "checkpoint insert", err)
	}
	return id, nil
}

func columnList() string {
	out := ""
	for i, c := range checkpointColumns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func (s *PGCheckpointStore) Restore(ctx context.Context) (*hellinger.Baseline, time.Time, bool, error) {
	var maxID *int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT max(threshold_id) FROM %s", s.table)).Scan(&maxID); err != nil {
		return nil, time.Time{}, false, errs.New(errs.SourceQueryFailed, "checkpoint max id", err)
	}
	if maxID == nil || *maxID <= 0 {
		return nil, time.Time{}, false, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE threshold_id = $1`, columnList(), s.table)
	row := s.pool.QueryRow(ctx, query, *maxID)

	var b hellinger.Baseline
	dests := make([]any, 0, calltype.Count*4+6)
	for i := range b.Call {
		dests = append(dests, &b.Call[i].N, &b.Call[i].D, &b.Call[i].PF, &b.Call[i].PD)
	}
	var numTotal, durTotal uint64
	var cursor time.Time
	dests = append(dests, &numTotal, &durTotal, &b.DistEWMA, &b.MDevEWMA, &b.Threshold, &cursor)

	if err := row.Scan(dests...); err != nil {
		if err == pgx.ErrNoRows {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, errs.New(errs.SourceQueryFailed, "checkpoint restore scan", err)
	}
	return &b, cursor, true, nil
}

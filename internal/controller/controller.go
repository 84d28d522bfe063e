// Package controller implements the Detection Controller: the state
// machine that orchestrates training, restore, and the steady-state
// detection loop over the Window Clock, CDR Aggregator, and Hellinger
// Engine.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/uninett/sipade/internal/alertsink"
	"github.com/uninett/sipade/internal/calltype"
	"github.com/uninett/sipade/internal/errs"
	"github.com/uninett/sipade/internal/hellinger"
	"github.com/uninett/sipade/internal/store"
	"github.com/uninett/sipade/internal/window"
	"github.com/uninett/sipade/pkg/metrics"
)

// CallDurationThresholds carries the per-category duration floors the
// alert predicate compares against, in seconds.
type CallDurationThresholds struct {
	MobileSeconds        int64
	InternationalSeconds int64
	PremiumSeconds       int64
}

// Config is the controller's tunable policy, already resolved from the
// loaded configuration file (units normalized, defaults applied).
type Config struct {
	Institution string
	Active      calltype.ActiveSet

	Delta             time.Duration
	TrainingPeriod    time.Duration
	Sensitivity       float64
	Adaptability      float64
	FreqFloor         uint64
	DurFloor          uint64
	ThresholdRestore  bool
	DetectStartTS     time.Time // zero means "not configured"
	InitialTimestamp  time.Time // zero means "derive from source"

	Duration     CallDurationThresholds
	OfficeStart  int // pre-decremented by one, per the source's convention
	OfficeEnd    int
}

var errNotEnoughRows = errors.New("cdr source has fewer than two rows; cannot derive an initial cursor")

// Controller owns the baseline, the clock, and the external collaborators
// and drives the LOAD -> {RESTORE | TRAIN_SEED -> TRAIN} -> RUN -> DONE
// lifecycle.
type Controller struct {
	cfg    Config
	clock  *window.Clock
	base   *hellinger.Baseline
	cdr    store.CDRStore
	ckpt   store.CheckpointStore
	alerts store.AlertStore
	sink   alertsink.Sink
	log    zerolog.Logger

	restored bool
}

// New constructs a Controller with a freshly zeroed baseline; Run performs
// restore or training before entering the detection loop.
func New(cfg Config, clock *window.Clock, cdr store.CDRStore, ckpt store.CheckpointStore, alerts store.AlertStore, sink alertsink.Sink, log zerolog.Logger) *Controller {
	base := &hellinger.Baseline{Active: [6]bool(cfg.Active)}
	return &Controller{
		cfg: cfg, clock: clock, base: base,
		cdr: cdr, ckpt: ckpt, alerts: alerts, sink: sink, log: log,
	}
}

// Run executes the full lifecycle until the clock reports DONE (offline)
// or ctx is cancelled (online). It returns the first unrecoverable error;
// offline exhaustion and context cancellation both return nil.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		result, err := c.tick(ctx)
		if err != nil {
			return err
		}
		if result == window.Done {
			c.log.Info().Msg("offline stream exhausted")
			return nil
		}

		if c.clock.Mode() == window.Online {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.Delta):
			}
		}
	}
}

// load performs RESTORE or TRAIN_SEED+TRAIN, leaving the controller ready
// to enter the steady-state detection loop.
func (c *Controller) load(ctx context.Context) error {
	if c.cfg.ThresholdRestore {
		b, cursor, ok, err := c.ckpt.Restore(ctx)
		if err != nil {
			return err
		}
		if ok {
			b.Active = c.base.Active
			c.base = b
			c.clock.Initialize(cursor)
			c.restored = true

			if !c.cfg.DetectStartTS.IsZero() && c.cfg.DetectStartTS.After(cursor) {
				c.clock.Snap(c.cfg.DetectStartTS)
			}
			c.log.Info().Time("cursor", cursor).Msg("restored baseline from checkpoint")
			return nil
		}
	}

	return c.trainSeed(ctx)
}

// trainSeed implements the cold-start TRAIN_SEED and TRAIN states: the
// first two windows seed B, then training continues one window at a time
// until the configured training period has elapsed.
func (c *Controller) trainSeed(ctx context.Context) error {
	start := c.cfg.InitialTimestamp
	if start.IsZero() {
		dates, err := c.cdr.FirstTwoCallDates(ctx)
		if err != nil {
			return err
		}
		if len(dates) < 2 {
			return errs.New(errs.SourceUnavailable, "train-seed", errNotEnoughRows)
		}
		start = dates[1]
	}
	c.clock.Initialize(start)

	o0, err := c.aggregate(ctx)
	if err != nil {
		return err
	}
	c.advanceTraining()

	o1, err := c.aggregate(ctx)
	if err != nil {
		return err
	}

	// Window 1 populates B directly, then distance is computed with O0 as
	// the reference (baseline-role) and B as the observed (testing-role
	// side); the roles are swapped from their usual assignment for this
	// one call only. The result is stamped onto o0's Dist field so the
	// unconditional seed step below reads it the same way update_baseline
	// normally would.
	c.base.Call = o1.Call
	ref := hellinger.Baseline{Active: c.base.Active, Call: o0.Call}
	testing := hellinger.Observation{Call: c.base.Call}
	o0.Dist = hellinger.Distance(&ref, &testing)

	// Seed folds O0 into B unconditionally: B ends up holding O0's
	// per-category snapshot, not O1's. O1 only ever served as the
	// "observed" side of the one distance calculation above.
	hellinger.Seed(c.base, &o0, c.hellingerConfig())
	c.log.Info().Float64("dist_ewma", c.base.DistEWMA).Msg("baseline seeded")

	trained := c.cfg.Delta * 2
	for trained < c.cfg.TrainingPeriod {
		c.advanceTraining()
		o, err := c.aggregate(ctx)
		if err != nil {
			return err
		}
		hellinger.Distance(c.base, &o)
		if o.Dist > 0 {
			hellinger.UpdateBaseline(c.base, &o, c.hellingerConfig())
		}
		trained += c.cfg.Delta
		metrics.TrainingWindowsTotal.Inc()
	}

	if err := c.checkpoint(ctx); err != nil {
		return err
	}
	c.log.Info().Dur("trained", trained).Msg("training complete")
	return nil
}

func (c *Controller) advanceTraining() {
	c.clock.Advance()
}

// tick executes one detection-loop iteration: aggregate, distance,
// predicate, then either alert or fold-and-checkpoint, then advance.
func (c *Controller) tick(ctx context.Context) (window.Result, error) {
	if !c.restored && !c.cfg.DetectStartTS.IsZero() {
		c.clock.Snap(c.cfg.DetectStartTS)
		c.cfg.DetectStartTS = time.Time{} // one-shot: later ticks advance normally
	}

	rows, o, err := c.aggregateRows(ctx)
	if err != nil {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return window.Continue, err
	}

	dist := hellinger.Distance(c.base, &o)
	metrics.BaselineDistance.Set(c.base.DistEWMA)
	metrics.BaselineThreshold.Set(c.base.Threshold)

	cursor := c.clock.Peek()
	if c.predicate(dist, &o, cursor) {
		if err := c.emitAlert(ctx, cursor, rows); err != nil {
			metrics.TicksTotal.WithLabelValues("error").Inc()
			return window.Continue, err
		}
		metrics.TicksTotal.WithLabelValues("alert").Inc()
		metrics.AlertsTotal.Inc()
	} else {
		if o.Dist > 0 {
			hellinger.UpdateBaseline(c.base, &o, c.hellingerConfig())
			if err := c.checkpoint(ctx); err != nil {
				metrics.TicksTotal.WithLabelValues("error").Inc()
				return window.Continue, err
			}
		}
		if err := c.emitOK(ctx, cursor); err != nil {
			metrics.TicksTotal.WithLabelValues("error").Inc()
			return window.Continue, err
		}
		metrics.TicksTotal.WithLabelValues("normal").Inc()
	}

	return c.clock.Advance(), nil
}

func (c *Controller) aggregate(ctx context.Context) (hellinger.Observation, error) {
	_, o, err := c.aggregateRows(ctx)
	return o, err
}

func (c *Controller) aggregateRows(ctx context.Context) ([]store.CDRRow, hellinger.Observation, error) {
	rows, err := c.cdr.Window(ctx, c.clock.Peek(), c.cfg.Delta, c.cfg.Institution, c.cfg.Active)
	if err != nil {
		return nil, hellinger.Observation{}, err
	}
	return rows, store.Aggregate(rows, c.cfg.Active, c.cfg.FreqFloor, c.cfg.DurFloor), nil
}

func (c *Controller) hellingerConfig() hellinger.Config {
	return hellinger.Config{Sensitivity: c.cfg.Sensitivity, Adaptability: c.cfg.Adaptability}
}

func (c *Controller) checkpoint(ctx context.Context) error {
	if _, err := c.ckpt.Save(ctx, c.base, c.clock.Peek()); err != nil {
		return err
	}
	metrics.CheckpointWritesTotal.Inc()
	return nil
}

// predicate implements the composite alert rule: below threshold is
// always quiet; above threshold branches on office hours, with the
// DOMESTIC/SERVICE/EMERGENCY categories forcing an alert whenever any of
// them are in the active set (the conservative policy).
func (c *Controller) predicate(dist float64, o *hellinger.Observation, cursor time.Time) bool {
	if dist <= c.base.Threshold {
		return false
	}

	if c.cfg.Active.Any(calltype.Domestic, calltype.Service, calltype.Emergency) {
		return true
	}

	office := cursor.Hour() > c.cfg.OfficeStart && cursor.Hour() < c.cfg.OfficeEnd

	mobileDur := o.Call[calltype.Mobile].D
	intlDur := o.Call[calltype.International].D
	premDur := o.Call[calltype.Premium].D

	if office {
		if int64(mobileDur) > c.cfg.Duration.MobileSeconds {
			return true
		}
		if int64(intlDur) > c.cfg.Duration.InternationalSeconds {
			return true
		}
		if int64(premDur) > c.cfg.Duration.PremiumSeconds {
			return true
		}
		if c.base.Call[calltype.International].N > 0 &&
			float64(o.Call[calltype.International].N) > c.cfg.Sensitivity*float64(c.base.Call[calltype.International].N) {
			return true
		}
		if c.base.Call[calltype.Premium].N > 0 &&
			float64(o.Call[calltype.Premium].N) > c.cfg.Sensitivity*float64(c.base.Call[calltype.Premium].N) {
			return true
		}
		return false
	}

	if int64(mobileDur) > c.cfg.Duration.MobileSeconds {
		return true
	}
	if c.cfg.Sensitivity != 0 && float64(o.Call[calltype.International].N) > float64(o.N)/c.cfg.Sensitivity {
		return true
	}
	if c.cfg.Sensitivity != 0 && float64(o.Call[calltype.Premium].N) > float64(o.N)/c.cfg.Sensitivity {
		return true
	}
	return false
}

func (c *Controller) emitAlert(ctx context.Context, cursor time.Time, rows []store.CDRRow) error {
	alertID, err := c.alerts.NextAlertID(ctx)
	if err != nil {
		return err
	}
	if err := c.alerts.InsertRows(ctx, alertID, rows); err != nil {
		return err
	}

	c.log.Warn().Time("cursor", cursor).Uint64("alert_id", alertID).Msg("anomalous window")
	return c.sink.Notify(ctx, alertsink.Notification{
		Status:      alertsink.StatusAlert,
		Institution: c.cfg.Institution,
		Cursor:      cursor,
		AlertID:     alertID,
		RowCount:    len(rows),
	})
}

func (c *Controller) emitOK(ctx context.Context, cursor time.Time) error {
	return c.sink.Notify(ctx, alertsink.Notification{
		Status:      alertsink.StatusOK,
		Institution: c.cfg.Institution,
		Cursor:      cursor,
	})
}

// Status is a read-only snapshot of the baseline and cursor, for the
// admin HTTP surface. Best-effort only: it may race with an in-flight
// tick and observe a torn read, which is acceptable for a status display.
type Status struct {
	Institution string
	Cursor      time.Time
	DistEWMA    float64
	MDevEWMA    float64
	Threshold   float64
	Restored    bool
}

func (c *Controller) Status() Status {
	return Status{
		Institution: c.cfg.Institution,
		Cursor:      c.clock.Peek(),
		DistEWMA:    c.base.DistEWMA,
		MDevEWMA:    c.base.MDevEWMA,
		Threshold:   c.base.Threshold,
		Restored:    c.restored,
	}
}

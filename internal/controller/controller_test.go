package controller

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uninett/sipade/internal/alertsink"
	"github.com/uninett/sipade/internal/calltype"
	"github.com/uninett/sipade/internal/hellinger"
	"github.com/uninett/sipade/internal/store"
	"github.com/uninett/sipade/internal/window"
)

// --- fakes -----------------------------------------------------------

type fakeCDR struct {
	windows  [][]store.CDRRow
	calls    int
	firstTwo []time.Time
}

func (f *fakeCDR) Window(_ context.Context, _ time.Time, _ time.Duration, _ string, _ calltype.ActiveSet) ([]store.CDRRow, error) {
	if f.calls >= len(f.windows) {
		f.calls++
		return nil, nil
	}
	rows := f.windows[f.calls]
	f.calls++
	return rows, nil
}

func (f *fakeCDR) FirstTwoCallDates(context.Context) ([]time.Time, error) {
	return f.firstTwo, nil
}

type fakeCheckpoint struct {
	saved     []*hellinger.Baseline
	cursors   []time.Time
	restoreOK bool
	restoreB  *hellinger.Baseline
	restoreTS time.Time
	restoreErr error
}

func (f *fakeCheckpoint) Save(_ context.Context, b *hellinger.Baseline, cursor time.Time) (int64, error) {
	cp := *b
	f.saved = append(f.saved, &cp)
	f.cursors = append(f.cursors, cursor)
	return int64(len(f.saved)), nil
}

func (f *fakeCheckpoint) Restore(context.Context) (*hellinger.Baseline, time.Time, bool, error) {
	if f.restoreErr != nil {
		return nil, time.Time{}, false, f.restoreErr
	}
	if !f.restoreOK {
		return nil, time.Time{}, false, nil
	}
	cp := *f.restoreB
	return &cp, f.restoreTS, true, nil
}

type fakeAlerts struct {
	nextID    uint64
	inserted  map[uint64][]store.CDRRow
}

func (f *fakeAlerts) NextAlertID(context.Context) (uint64, error) {
	f.nextID++
	return f.nextID, nil
}

func (f *fakeAlerts) InsertRows(_ context.Context, alertID uint64, rows []store.CDRRow) error {
	if f.inserted == nil {
		f.inserted = make(map[uint64][]store.CDRRow)
	}
	f.inserted[alertID] = rows
	return nil
}

type fakeSink struct {
	notifications []alertsink.Notification
	closed        bool
}

func (f *fakeSink) Notify(_ context.Context, n alertsink.Notification) error {
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func mobileOnly() calltype.ActiveSet {
	var s calltype.ActiveSet
	s[calltype.Mobile] = true
	return s
}

func newTestController(cfg Config, cdr store.CDRStore, ckpt *fakeCheckpoint, alerts *fakeAlerts, sink *fakeSink, clock *window.Clock) *Controller {
	return New(cfg, clock, cdr, ckpt, alerts, sink, zerolog.Nop())
}

// --- tests -------------------------------------------------------------

func TestTrainSeedPopulatesBaselineFromWindowZero(t *testing.T) {
	active := mobileOnly()
	start := mustParse(t, "2024-01-15 10:00:00")
	clock := window.New(window.Online, 10*time.Minute, time.Time{})

	cdr := &fakeCDR{windows: [][]store.CDRRow{
		{{CallType: "MOBILE", BillSec: 100}},
		{{CallType: "MOBILE", BillSec: 50}, {CallType: "MOBILE", BillSec: 50}},
	}}
	ckpt := &fakeCheckpoint{}
	alerts := &fakeAlerts{}
	sink := &fakeSink{}

	cfg := Config{
		Institution:    "ntnu",
		Active:         active,
		Delta:          10 * time.Minute,
		TrainingPeriod: 20 * time.Minute, // == Delta*2: training loop body never runs
		Sensitivity:    2,
		Adaptability:   0.1,
		InitialTimestamp: start,
	}
	c := newTestController(cfg, cdr, ckpt, alerts, sink, clock)

	if err := c.trainSeed(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Reproduce the expected math from the same two windows.
	o0PF, o0PD := 1.0/101.0, 100.0/101.0
	o1PF, o1PD := 2.0/102.0, 100.0/102.0
	dist := math.Pow(math.Sqrt(o0PF)-math.Sqrt(o1PF), 2) + math.Pow(math.Sqrt(o0PD)-math.Sqrt(o1PD), 2)
	wantDistEWMA := (1.0 / 8.0) * dist

	if math.Abs(c.base.DistEWMA-wantDistEWMA) > 1e-9 {
		t.Fatalf("DistEWMA = %v; want %v", c.base.DistEWMA, wantDistEWMA)
	}
	if len(ckpt.saved) != 1 {
		t.Fatalf("expected exactly one checkpoint write, got %d", len(ckpt.saved))
	}
}

func TestTrainSeedDerivesCursorFromFirstTwoRows(t *testing.T) {
	active := mobileOnly()
	clock := window.New(window.Online, 10*time.Minute, time.Time{})
	second := mustParse(t, "2024-01-15 10:10:00")

	cdr := &fakeCDR{
		firstTwo: []time.Time{mustParse(t, "2024-01-15 10:00:00"), second},
		windows: [][]store.CDRRow{
			{{CallType: "MOBILE", BillSec: 10}},
			{{CallType: "MOBILE", BillSec: 10}},
		},
	}
	ckpt := &fakeCheckpoint{}
	cfg := Config{
		Active: active, Delta: 10 * time.Minute, TrainingPeriod: 20 * time.Minute,
		Sensitivity: 2, Adaptability: 0.1,
	}
	c := newTestController(cfg, cdr, ckpt, &fakeAlerts{}, &fakeSink{}, clock)

	if err := c.trainSeed(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !clock.Previous().Equal(second) {
		t.Fatalf("clock did not anchor on the second row's calldate: got %v want %v", clock.Previous(), second)
	}
}

func TestTrainSeedErrorsWhenFewerThanTwoRows(t *testing.T) {
	clock := window.New(window.Online, 10*time.Minute, time.Time{})
	cdr := &fakeCDR{firstTwo: []time.Time{mustParse(t, "2024-01-15 10:00:00")}}
	cfg := Config{Active: mobileOnly(), Delta: 10 * time.Minute, TrainingPeriod: 20 * time.Minute}
	c := newTestController(cfg, cdr, &fakeCheckpoint{}, &fakeAlerts{}, &fakeSink{}, clock)

	if err := c.trainSeed(context.Background()); err == nil {
		t.Fatal("expected an error for a source with fewer than two rows")
	}
}

func TestLoadRestoresFromCheckpointAndHonorsLateDetectStart(t *testing.T) {
	clock := window.New(window.Offline, 10*time.Minute, mustParse(t, "2024-01-15 12:00:00"))
	restoredCursor := mustParse(t, "2024-01-15 10:00:00")
	snapTo := mustParse(t, "2024-01-15 11:00:00")

	ckpt := &fakeCheckpoint{
		restoreOK: true,
		restoreB:  &hellinger.Baseline{DistEWMA: 0.05, MDevEWMA: 0.01, Threshold: 0.11},
		restoreTS: restoredCursor,
	}
	cfg := Config{
		Active: mobileOnly(), Delta: 10 * time.Minute,
		ThresholdRestore: true,
		DetectStartTS:    snapTo,
	}
	c := newTestController(cfg, &fakeCDR{}, ckpt, &fakeAlerts{}, &fakeSink{}, clock)

	if err := c.load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.restored {
		t.Fatal("expected restored flag to be set")
	}
	if !clock.Peek().Equal(snapTo) {
		t.Fatalf("expected cursor snapped to detect-start-ts %v, got %v", snapTo, clock.Peek())
	}
	if c.base.DistEWMA != 0.05 {
		t.Fatalf("restored baseline not applied: DistEWMA = %v", c.base.DistEWMA)
	}
}

func TestLoadIgnoresEarlierDetectStartTS(t *testing.T) {
	clock := window.New(window.Offline, 10*time.Minute, mustParse(t, "2024-01-15 12:00:00"))
	restoredCursor := mustParse(t, "2024-01-15 10:00:00")
	earlier := mustParse(t, "2024-01-15 09:00:00")

	ckpt := &fakeCheckpoint{restoreOK: true, restoreB: &hellinger.Baseline{}, restoreTS: restoredCursor}
	cfg := Config{Active: mobileOnly(), Delta: 10 * time.Minute, ThresholdRestore: true, DetectStartTS: earlier}
	c := newTestController(cfg, &fakeCDR{}, ckpt, &fakeAlerts{}, &fakeSink{}, clock)

	if err := c.load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !clock.Peek().Equal(restoredCursor) {
		t.Fatalf("an earlier detect-start-ts must not move the restored cursor: got %v want %v", clock.Peek(), restoredCursor)
	}
}

func TestPredicateForcesAlertForEmergencyActiveSet(t *testing.T) {
	var active calltype.ActiveSet
	active[calltype.Emergency] = true
	cfg := Config{Active: active, Sensitivity: 2, Adaptability: 0.1}
	c := newTestController(cfg, &fakeCDR{}, &fakeCheckpoint{}, &fakeAlerts{}, &fakeSink{}, window.New(window.Online, time.Minute, time.Time{}))
	c.base.Threshold = 0.01

	o := &hellinger.Observation{}
	cursor := mustParse(t, "2024-01-15 03:00:00") // off-hours
	if !c.predicate(0.5, o, cursor) {
		t.Fatal("expected an active EMERGENCY category to force an alert above threshold regardless of hour")
	}
}

func TestPredicateBelowThresholdNeverAlerts(t *testing.T) {
	var active calltype.ActiveSet
	active[calltype.Emergency] = true
	cfg := Config{Active: active, Sensitivity: 2, Adaptability: 0.1}
	c := newTestController(cfg, &fakeCDR{}, &fakeCheckpoint{}, &fakeAlerts{}, &fakeSink{}, window.New(window.Online, time.Minute, time.Time{}))
	c.base.Threshold = 0.5

	o := &hellinger.Observation{}
	if c.predicate(0.1, o, mustParse(t, "2024-01-15 10:00:00")) {
		t.Fatal("distance below threshold must never alert")
	}
}

func TestPredicateOffHoursInternationalSpike(t *testing.T) {
	active := mobileOnly()
	active[calltype.International] = true
	cfg := Config{
		Active: active, Sensitivity: 2, Adaptability: 0.1,
		Duration:    CallDurationThresholds{MobileSeconds: 3600, InternationalSeconds: 2400, PremiumSeconds: 3600},
		OfficeStart: 7, OfficeEnd: 16,
	}
	c := newTestController(cfg, &fakeCDR{}, &fakeCheckpoint{}, &fakeAlerts{}, &fakeSink{}, window.New(window.Online, time.Minute, time.Time{}))
	c.base.Threshold = 0.01

	o := &hellinger.Observation{N: 10}
	o.Call[calltype.International] = hellinger.Category{N: 6} // 6 > 10/2
	cursor := mustParse(t, "2024-01-15 02:00:00") // off-hours (between EndHour and next day's StartHour)

	if !c.predicate(0.5, o, cursor) {
		t.Fatal("expected an off-hours international-frequency spike to alert")
	}
}

func TestPredicateOfficeHoursQuietWithoutSpike(t *testing.T) {
	active := mobileOnly()
	active[calltype.International] = true
	cfg := Config{
		Active: active, Sensitivity: 2, Adaptability: 0.1,
		Duration:    CallDurationThresholds{MobileSeconds: 3600, InternationalSeconds: 2400, PremiumSeconds: 3600},
		OfficeStart: 7, OfficeEnd: 16,
	}
	c := newTestController(cfg, &fakeCDR{}, &fakeCheckpoint{}, &fakeAlerts{}, &fakeSink{}, window.New(window.Online, time.Minute, time.Time{}))
	c.base.Threshold = 0.01
	c.base.Call[calltype.International] = hellinger.Category{N: 100}

	o := &hellinger.Observation{N: 10}
	o.Call[calltype.Mobile] = hellinger.Category{D: 10} // well under the 3600s floor
	o.Call[calltype.International] = hellinger.Category{N: 5, D: 10}
	cursor := mustParse(t, "2024-01-15 10:00:00") // office hours

	if c.predicate(0.5, o, cursor) {
		t.Fatal("expected office-hours window without a qualifying spike to stay quiet")
	}
}

func TestTickEmitsAlertAndArchivesRows(t *testing.T) {
	active := mobileOnly()
	active[calltype.Emergency] = true
	clock := window.New(window.Online, 10*time.Minute, time.Time{})
	clock.Initialize(mustParse(t, "2024-01-15 10:00:00"))

	rows := []store.CDRRow{{ID: 1, CallType: "MOBILE", BillSec: 10, AccountCode: "acc-1"}}
	cdr := &fakeCDR{windows: [][]store.CDRRow{rows}}
	ckpt := &fakeCheckpoint{}
	alerts := &fakeAlerts{}
	sink := &fakeSink{}

	cfg := Config{Active: active, Delta: 10 * time.Minute, Sensitivity: 2, Adaptability: 0.1}
	c := newTestController(cfg, cdr, ckpt, alerts, sink, clock)
	c.base.Threshold = 0 // guarantee dist > threshold

	if _, err := c.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.notifications) != 1 || sink.notifications[0].Status != alertsink.StatusAlert {
		t.Fatalf("expected a single ALERT notification, got %+v", sink.notifications)
	}
	if len(alerts.inserted) != 1 {
		t.Fatalf("expected rows archived under one alert id, got %d", len(alerts.inserted))
	}
	if len(ckpt.saved) != 0 {
		t.Fatal("an alert tick must not also write a checkpoint")
	}
}

func TestTickQuietWindowCheckspointsAndEmitsOK(t *testing.T) {
	active := mobileOnly()
	clock := window.New(window.Online, 10*time.Minute, time.Time{})
	clock.Initialize(mustParse(t, "2024-01-15 10:00:00"))

	rows := []store.CDRRow{{ID: 1, CallType: "MOBILE", BillSec: 5}}
	cdr := &fakeCDR{windows: [][]store.CDRRow{rows}}
	ckpt := &fakeCheckpoint{}
	sink := &fakeSink{}

	cfg := Config{Active: active, Delta: 10 * time.Minute, Sensitivity: 2, Adaptability: 0.1}
	c := newTestController(cfg, cdr, ckpt, &fakeAlerts{}, sink, clock)
	c.base.Threshold = 999 // guarantee dist <= threshold

	if _, err := c.tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.notifications) != 1 || sink.notifications[0].Status != alertsink.StatusOK {
		t.Fatalf("expected a single OK notification, got %+v", sink.notifications)
	}
	if len(ckpt.saved) != 1 {
		t.Fatalf("expected a checkpoint write for a non-zero-distance quiet window, got %d", len(ckpt.saved))
	}
}

func TestRunStopsAtOfflineEnd(t *testing.T) {
	active := mobileOnly()
	start := mustParse(t, "2024-01-15 10:00:00")
	end := mustParse(t, "2024-01-15 10:30:00")
	clock := window.New(window.Offline, 10*time.Minute, end)
	clock.Initialize(start)

	cdr := &fakeCDR{} // every window empty -> distance stays 0, never alerts
	ckpt := &fakeCheckpoint{}
	sink := &fakeSink{}
	cfg := Config{
		Active: active, Delta: 10 * time.Minute, Sensitivity: 2, Adaptability: 0.1,
		InitialTimestamp: start, // skip FirstTwoCallDates; training loop is a no-op since TrainingPeriod == 0
	}
	c := newTestController(cfg, cdr, ckpt, &fakeAlerts{}, sink, clock)

	if err := c.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// the seed consumes windows 10:00 and 10:10, leaving the cursor at
	// 10:10. Detection ticks then run with cursor 10:10, 10:20, 10:30, the
	// cursor advances to 10:40 and Run reports DONE. 3 notifications.
	if len(sink.notifications) != 3 {
		t.Fatalf("expected 3 ticks before offline exhaustion, got %d", len(sink.notifications))
	}
}

func TestRunPropagatesStoreErrors(t *testing.T) {
	clock := window.New(window.Offline, 10*time.Minute, mustParse(t, "2024-01-15 11:00:00"))
	clock.Initialize(mustParse(t, "2024-01-15 10:00:00"))

	boom := errors.New("connection reset")
	cfg := Config{Active: mobileOnly(), Delta: 10 * time.Minute, Sensitivity: 2, Adaptability: 0.1}
	c := newTestController(cfg, &erroringCDR{err: boom}, &fakeCheckpoint{}, &fakeAlerts{}, &fakeSink{}, clock)

	if err := c.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected Run to propagate the store error, got %v", err)
	}
}

type erroringCDR struct{ err error }

func (e *erroringCDR) Window(context.Context, time.Time, time.Duration, string, calltype.ActiveSet) ([]store.CDRRow, error) {
	return nil, e.err
}
func (e *erroringCDR) FirstTwoCallDates(context.Context) ([]time.Time, error) { return nil, e.err }

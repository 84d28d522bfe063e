// Package hellinger implements the streaming Hellinger-distance anomaly
// statistic: the adaptive baseline B, the distance of a fresh observation
// against it, and the EWMA recurrences that let B track slow behavioral
// drift without manual retuning.
//
// Reference: Sengar, Wang, Wijesekera, Jajodia, "Detecting VoIP Floods
// Using the Hellinger Distance", IEEE TPDS, 2008.
package hellinger

import "math"

// gain constants for the two EWMA recurrences. These are the stable part
// of the system and must be preserved exactly: g drives dist_ewma, h
// drives mdev_ewma.
const (
	g = 1.0 / 8.0
	h = 1.0 / 4.0
)

// categories mirrors calltype.Count without importing the package, so this
// package stays free of any config/enum dependency; callers index by the
// same canonical order as calltype.CallType.
const categories = 6

// Category holds the per-category counts and probabilities shared by both
// an Observation and the Baseline.
type Category struct {
	N    uint64  // call count
	D    uint64  // total billed seconds
	PF   float64 // frequency probability
	PD   float64 // duration probability
}

// Observation is the reduced feature vector for one window.
type Observation struct {
	Call [categories]Category
	N    uint64 // sum of Call[*].N
	D    uint64 // sum of Call[*].D
	Dist float64
}

// Baseline is the adaptive "normal" model B. Active tracks which
// categories participate in the feature vector and the alert predicate;
// it is set once at startup and never mutated by this package.
type Baseline struct {
	Call      [categories]Category
	Active    [categories]bool
	DistEWMA  float64
	MDevEWMA  float64
	Threshold float64
}

// Reduce folds raw per-category counts into probabilities, matching the
// source's SipCalcHDProbabilities: probabilities are left at zero unless
// the window clears at least one of the two floors, so sparse windows
// can't drive training or detection.
func Reduce(call [categories]Category, freqFloor, durFloor uint64) Observation {
	var o Observation
	o.Call = call
	for _, c := range call {
		o.N += c.N
		o.D += c.D
	}

	if o.N <= freqFloor && o.D <= durFloor {
		return o
	}

	denom := float64(o.N + o.D)
	if denom == 0 {
		return o
	}
	for i := range o.Call {
		o.Call[i].PF = float64(o.Call[i].N) / denom
		o.Call[i].PD = float64(o.Call[i].D) / denom
	}
	return o
}

// sqrt0 returns sqrt(x) but guarantees exactly 0 for x == 0, never NaN.
func sqrt0(x float64) float64 {
	if x == 0 {
		return 0
	}
	return math.Sqrt(x)
}

// Distance computes the (unnormalized) Hellinger distance between the
// baseline B and observation O over the active categories only, and
// writes the result into O.Dist. It skips a coordinate whenever the
// *testing* side's probability is zero, the source's "skip if testing
// side is zero" rule, which means a coordinate where B has mass but O has
// none of that category contributes nothing to the sum.
func Distance(b *Baseline, o *Observation) float64 {
	var sum float64
	for i := 0; i < categories; i++ {
		if !b.Active[i] {
			continue
		}
		if o.Call[i].PF != 0 {
			df := sqrt0(b.Call[i].PF) - sqrt0(o.Call[i].PF)
			sum += df * df
		}
		if o.Call[i].PD != 0 {
			dd := sqrt0(b.Call[i].PD) - sqrt0(o.Call[i].PD)
			sum += dd * dd
		}
	}
	o.Dist = sum
	return sum
}

// Config carries the two operator-tunable scalars that shape both the
// threshold formula and the outlier-rejection gate width.
type Config struct {
	Sensitivity  float64 // σ
	Adaptability float64 // α
}

// UpdateBaseline folds o into b, but only when the gate passes: the raw
// signed error between the new distance and the current dist_ewma must be
// strictly inside (-α, α), OR the baseline has never been seeded
// (DistEWMA == 0). This is what makes B resistant to outliers.
//
// The two-sided test on the signed error admits exactly the observations
// with |error| < α. The dist_ewma recurrence uses the signed error; its
// absolute value is taken only afterwards, for the mean-deviation
// recurrence.
func UpdateBaseline(b *Baseline, o *Observation, cfg Config) {
	err := o.Dist - b.DistEWMA
	if !(err < cfg.Adaptability && err > -cfg.Adaptability) && b.DistEWMA != 0 {
		return
	}
	apply(b, o, cfg, err)
}

// Seed applies the EWMA recurrence unconditionally, bypassing the outlier
// gate. Used exactly once, at cold start, to turn the very first distance
// sample into dist_ewma/mdev_ewma/threshold.
func Seed(b *Baseline, o *Observation, cfg Config) {
	apply(b, o, cfg, o.Dist-b.DistEWMA)
}

func apply(b *Baseline, o *Observation, cfg Config, err float64) {
	b.DistEWMA += g * err
	err = math.Abs(err)
	b.MDevEWMA += h * (err - b.MDevEWMA)
	b.Threshold = cfg.Sensitivity*b.DistEWMA + cfg.Adaptability*b.MDevEWMA

	for i := 0; i < categories; i++ {
		if !b.Active[i] {
			continue
		}
		b.Call[i].PF = o.Call[i].PF
		b.Call[i].PD = o.Call[i].PD
		b.Call[i].N = o.Call[i].N
		b.Call[i].D = o.Call[i].D
	}
}

// Package patterns derives advisory usage patterns from the admission event
// log. Detected patterns carry recommendations but never change limits on
// their own.
package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quotaplane/quotaplane/observability"
	"github.com/quotaplane/quotaplane/store"
)

const (
	// Lookback bounds how far back analysis reads the event log.
	Lookback = 7 * 24 * time.Hour
	// MinEvents is the floor below which no analysis runs.
	MinEvents = 10
	// ConfidenceThreshold gates persistence: weaker findings are discarded.
	ConfidenceThreshold = 0.6
)

// Detector analyses one tenant's events at a time. Analysis is read-mostly
// and safe to run from a background loop.
type Detector struct {
	store store.Store
	now   func() time.Time
}

// New returns a Detector over the given store.
func New(st store.Store) *Detector {
	return &Detector{store: st, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// patternID is deterministic per (wallet, kind) so repeated analysis updates
// in place instead of accumulating rows.
func patternID(wallet string, kind store.PatternKind) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(wallet+"|"+string(kind))).String()
}

// Analysis is one run's outcome: the patterns that cleared the threshold and
// the overall confidence, the mean of their confidences with a +0.1 bonus
// when more than one pattern corroborates, capped at 1.
type Analysis struct {
	Patterns   []*store.Pattern
	Confidence float64
}

// Analyze reads the tenant's recent events and persists every pattern whose
// confidence clears the threshold. A nil result means insufficient data.
func (d *Detector) Analyze(ctx context.Context, wallet string) (*Analysis, error) {
	now := d.now()
	events, err := d.store.ListEvents(ctx, wallet, "", now.Add(-Lookback), 100000)
	if err != nil {
		return nil, fmt.Errorf("patterns: list events: %w", err)
	}
	if len(events) < MinEvents {
		return nil, nil
	}

	var found []*store.Pattern
	if p := d.detectTimeOfDay(wallet, events, now); p != nil {
		found = append(found, p)
	}
	if p := d.detectDayOfWeek(wallet, events, now); p != nil {
		found = append(found, p)
	}
	if p := d.detectBurst(wallet, events, now); p != nil {
		found = append(found, p)
	}

	res := &Analysis{Patterns: found}
	var sum float64
	for _, p := range found {
		if err := d.store.UpsertPattern(ctx, p); err != nil {
			return nil, fmt.Errorf("patterns: persist: %w", err)
		}
		observability.PatternsDetected.WithLabelValues(string(p.Kind)).Inc()
		sum += p.Confidence
	}
	if len(found) > 0 {
		res.Confidence = sum / float64(len(found))
		if len(found) > 1 {
			res.Confidence = math.Min(1, res.Confidence+0.1)
		}
	}
	observability.PatternRuns.Inc()
	return res, nil
}

func meanVariance(xs []float64) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, variance
}

// hourWindow names the coarse slice of day an hour falls in.
func hourWindow(h int) string {
	switch {
	case h < 6:
		return "night"
	case h < 12:
		return "morning"
	case h < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

// detectTimeOfDay finds hours of the day whose traffic stands well above the
// tenant's mean and suggests a per-minute ceiling sized for the peaks. The
// window label is the coarse slice(s) of day the peaks fall in.
func (d *Detector) detectTimeOfDay(wallet string, events []*store.Event, now time.Time) *store.Pattern {
	var counts [24]float64
	for _, e := range events {
		counts[e.Timestamp.UTC().Hour()]++
	}
	mean, variance := meanVariance(counts[:])
	if mean == 0 {
		return nil
	}

	var peaks []int
	var maxCount float64
	for h, v := range counts {
		if v > 1.5*mean {
			peaks = append(peaks, h)
		}
		if v > maxCount {
			maxCount = v
		}
	}
	if len(peaks) == 0 {
		return nil
	}

	confidence := math.Min(1, variance/mean*0.5+0.3)
	if confidence < ConfidenceThreshold {
		return nil
	}

	peakRPM := math.Ceil(maxCount / 60)
	suggested := int64(math.Ceil(peakRPM * 1.2))
	var slices []string
	seen := map[string]bool{}
	hours := make([]string, len(peaks))
	for i, h := range peaks {
		hours[i] = fmt.Sprintf("%02d", h)
		if w := hourWindow(h); !seen[w] {
			seen[w] = true
			slices = append(slices, w)
		}
	}
	label := strings.Join(slices, ",")
	return &store.Pattern{
		ID:             patternID(wallet, store.PatternTimeOfDay),
		Wallet:         wallet,
		Kind:           store.PatternTimeOfDay,
		WindowLabel:    label,
		AvgRPM:         mean / 60,
		PeakRPM:        peakRPM,
		Confidence:     confidence,
		SuggestedLimit: &suggested,
		Observations:   len(events),
		FirstDetected:  now,
		LastObserved:   now,
		Description: fmt.Sprintf("traffic concentrates in the %s (peak hours %s UTC)",
			label, strings.Join(hours, ",")),
	}
}

// detectDayOfWeek classifies traffic as weekday- or weekend-heavy when one
// side clearly dominates the other.
func (d *Detector) detectDayOfWeek(wallet string, events []*store.Event, now time.Time) *store.Pattern {
	var perDay [7]float64
	for _, e := range events {
		perDay[int(e.Timestamp.UTC().Weekday())]++
	}
	weekday := perDay[1] + perDay[2] + perDay[3] + perDay[4] + perDay[5]
	weekend := perDay[0] + perDay[6]

	var label, desc string
	switch {
	case weekday > 1.5*weekend && weekday > 0:
		label = "weekday"
		desc = "traffic is concentrated on weekdays"
	case weekend > 1.5*weekday && weekend > 0:
		label = "weekend"
		desc = "traffic is concentrated on weekends"
	default:
		return nil
	}

	mean, variance := meanVariance(perDay[:])
	if mean == 0 {
		return nil
	}
	confidence := math.Min(1, variance/mean*0.4+0.4)
	if confidence < ConfidenceThreshold {
		return nil
	}

	var maxPerDay float64
	for _, v := range perDay {
		if v > maxPerDay {
			maxPerDay = v
		}
	}
	return &store.Pattern{
		ID:            patternID(wallet, store.PatternDayOfWeek),
		Wallet:        wallet,
		Kind:          store.PatternDayOfWeek,
		WindowLabel:   label,
		AvgRPM:        mean / (24 * 60),
		PeakRPM:       maxPerDay / (24 * 60),
		Confidence:    confidence,
		Observations:  len(events),
		FirstDetected: now,
		LastObserved:  now,
		Description:   desc,
	}
}

// detectBurst classifies arrival behaviour by the coefficient of variation
// of inter-arrival gaps: bursty above 1, steady below 0.5, mixed in between.
// The suggested queue size steps up with the cv; mixed findings near cv=1
// fall below the confidence threshold and are discarded.
func (d *Detector) detectBurst(wallet string, events []*store.Event, now time.Time) *store.Pattern {
	times := make([]time.Time, len(events))
	for i, e := range events {
		times[i] = e.Timestamp
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]).Seconds())
	}
	mean, variance := meanVariance(gaps)
	if mean == 0 {
		return nil
	}
	cv := math.Sqrt(variance) / mean

	var label, desc string
	switch {
	case cv > 1.0:
		label = "bursty"
		desc = fmt.Sprintf("arrivals are bursty (cv=%.2f)", cv)
	case cv < 0.5:
		label = "steady"
		desc = fmt.Sprintf("arrivals are steady (cv=%.2f)", cv)
	default:
		label = "mixed"
		desc = fmt.Sprintf("arrivals are mixed (cv=%.2f)", cv)
	}

	confidence := math.Min(1, math.Abs(cv-1)*0.5+0.4)
	if confidence < ConfidenceThreshold {
		return nil
	}

	perMinute := map[int64]int{}
	var maxPerMinute int
	for _, t := range times {
		m := t.Unix() / 60
		perMinute[m]++
		if perMinute[m] > maxPerMinute {
			maxPerMinute = perMinute[m]
		}
	}

	size := 10
	switch {
	case cv > 2.0:
		size = 100
	case cv > 1.5:
		size = 50
	case cv > 1.0:
		size = 25
	}
	return &store.Pattern{
		ID:                 patternID(wallet, store.PatternBurst),
		Wallet:             wallet,
		Kind:               store.PatternBurst,
		WindowLabel:        label,
		AvgRPM:             float64(len(times)) / math.Max(times[len(times)-1].Sub(times[0]).Minutes(), 1),
		PeakRPM:            float64(maxPerMinute),
		Confidence:         confidence,
		SuggestedQueueSize: &size,
		Observations:       len(events),
		FirstDetected:      now,
		LastObserved:       now,
		Description:        desc,
	}
}

// Prediction is a best-effort forecast of a tenant's request rate at a given
// moment, assembled from persisted patterns.
type Prediction struct {
	ExpectedRPM float64  `json:"expected_rpm"`
	Confidence  float64  `json:"confidence"`
	Basis       []string `json:"basis"`
}

// Predict forecasts the tenant's request rate at the given time from stored
// patterns. With no patterns on file it returns a zero-confidence prediction.
func (d *Detector) Predict(ctx context.Context, wallet string, at time.Time) (*Prediction, error) {
	persisted, err := d.store.ListPatterns(ctx, wallet, 50)
	if err != nil {
		return nil, fmt.Errorf("patterns: predict: %w", err)
	}
	pred := &Prediction{}
	var confSum float64
	var used int
	for _, p := range persisted {
		switch p.Kind {
		case store.PatternTimeOfDay:
			rpm := p.AvgRPM
			current := hourWindow(at.UTC().Hour())
			for _, part := range strings.Split(p.WindowLabel, ",") {
				if part == current {
					rpm = p.PeakRPM
					break
				}
			}
			if rpm > pred.ExpectedRPM {
				pred.ExpectedRPM = rpm
			}
		case store.PatternDayOfWeek:
			wd := at.UTC().Weekday()
			isWeekend := wd == time.Saturday || wd == time.Sunday
			if (p.WindowLabel == "weekend") == isWeekend {
				if p.PeakRPM > pred.ExpectedRPM {
					pred.ExpectedRPM = p.PeakRPM
				}
			}
		case store.PatternBurst:
			if p.WindowLabel == "bursty" && p.PeakRPM > pred.ExpectedRPM {
				pred.ExpectedRPM = p.PeakRPM
			}
		}
		confSum += p.Confidence
		used++
		pred.Basis = append(pred.Basis, string(p.Kind)+":"+p.WindowLabel)
	}
	if used > 0 {
		pred.Confidence = confSum / float64(used)
		if used > 1 {
			pred.Confidence = math.Min(1, pred.Confidence+0.1)
		}
	}
	return pred, nil
}

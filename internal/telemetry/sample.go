package telemetry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Sample is one synthetic movement increment: distance in the service's
// unit (0.01 = 10 m) and the matching step count.
type Sample struct {
	Distance float64
	Steps    int
}

// SampleTable is the fixed set of increments a tick draws from.
var SampleTable = []Sample{
	{Distance: 0.01, Steps: 11},
	{Distance: 0.02, Steps: 27},
	{Distance: 0.03, Steps: 36},
}

const (
	caloriesPerStep = 0.05
	chunkSeconds    = 30.0
	checkpointScale = 6

	// chunkEpsilon absorbs rounding in the sum of elapsed fractions.
	chunkEpsilon = 1e-9
)

// RandomSample draws uniformly from SampleTable.
func RandomSample() Sample {
	return SampleTable[rand.IntN(len(SampleTable))]
}

// Calories returns the calories credited for steps.
func Calories(steps int) int {
	return int(math.Floor(float64(steps) * caloriesPerStep))
}

// Pace returns steps per distance scaled down by 1000, or 0 when no
// distance has been covered.
func Pace(distance float64, steps int) float64 {
	if distance <= 0 {
		return 0
	}
	return float64(steps) / distance / 1000
}

// Totals are the running values pushed with UpdateLocation.
type Totals struct {
	Distance float64
	Steps    int
	Calories int
	Pace     float64
}

// Checkpoint is the periodic consistency figure computed every 30 seconds
// of streaming. It is only reported, never sent.
type Checkpoint struct {
	Distance float64
	Steps    int
	At       time.Time
}

// Accumulator holds the running totals of one (agent, room) stream.
type Accumulator struct {
	Totals
	LastTick time.Time
	// Chunks counts elapsed 30 second periods since the last checkpoint.
	Chunks float64
}

// NewAccumulator starts an empty accumulator at now.
func NewAccumulator(now time.Time) Accumulator {
	return Accumulator{LastTick: now}
}

// Add folds s into the totals at now. When a full 30 second chunk has
// accumulated it resets the counter and returns a checkpoint.
func (a Accumulator) Add(s Sample, now time.Time) (Accumulator, Checkpoint, bool) {
	elapsed := now.Sub(a.LastTick).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	a.LastTick = now

	a.Distance += s.Distance
	a.Steps += s.Steps
	a.Calories += Calories(s.Steps)
	a.Pace = Pace(a.Distance, a.Steps)

	a.Chunks += elapsed / chunkSeconds
	if a.Chunks < 1-chunkEpsilon {
		return a, Checkpoint{}, false
	}
	a.Chunks = 0
	return a, Checkpoint{
		Distance: averageDistance() * checkpointScale,
		Steps:    s.Steps * checkpointScale,
		At:       now,
	}, true
}

func averageDistance() float64 {
	var sum float64
	for _, s := range SampleTable {
		sum += s.Distance
	}
	return sum / float64(len(SampleTable))
}

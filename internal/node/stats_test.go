package node

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func genStats() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 500),
		gen.IntRange(0, 500),
		gen.Float64Range(0, 1),
		gen.Int64Range(-1, 3000),
		gen.Int64Range(-1, 3000),
	).Map(func(vals []interface{}) *Stats {
		players := vals[0].(int)
		playing := vals[1].(int)
		if playing > players {
			playing = players
		}
		return &Stats{
			Players:        players,
			PlayingPlayers: playing,
			CPU:            CPUStats{Cores: 4, SystemLoad: vals[2].(float64)},
			Frames: FrameStats{
				Sent:    3000,
				Nulled:  vals[3].(int64),
				Deficit: vals[4].(int64),
			},
		}
	})
}

func TestPenaltyNonNegativeAndFinite(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("total penalty is finite and at least the playing player count", prop.ForAll(
		func(s *Stats) bool {
			total := ComputePenalty(s).Total()
			if math.IsInf(total, 0) || math.IsNaN(total) {
				return false
			}
			return total >= float64(s.PlayingPlayers)
		},
		genStats(),
	))

	properties.TestingRun(t)
}

func TestPenaltyMonotonicInLoad(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("more playing players never lowers the penalty", prop.ForAll(
		func(s *Stats, extra int) bool {
			base := ComputePenalty(s).Total()
			s2 := *s
			s2.PlayingPlayers += extra
			return ComputePenalty(&s2).Total() >= base
		},
		genStats(),
		gen.IntRange(0, 100),
	))

	properties.Property("higher system load never lowers the penalty", prop.ForAll(
		func(s *Stats, bump float64) bool {
			base := ComputePenalty(s).Total()
			s2 := *s
			s2.CPU.SystemLoad = math.Min(s.CPU.SystemLoad+bump, 1)
			return ComputePenalty(&s2).Total() >= base-1e-9
		},
		genStats(),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestPenaltyFrameSentinels(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("untracked frame counters contribute nothing", prop.ForAll(
		func(s *Stats) bool {
			s2 := *s
			s2.Frames.Nulled = FramesUntracked
			s2.Frames.Deficit = FramesUntracked
			p := ComputePenalty(&s2)
			return p.NullFrame == 0 && p.DeficitFrame == 0
		},
		genStats(),
	))

	properties.TestingRun(t)
}

func TestPenaltyTotalIsSum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("total equals the sum of components", prop.ForAll(
		func(s *Stats) bool {
			p := ComputePenalty(s)
			sum := p.Player + p.CPU + p.NullFrame + p.DeficitFrame
			return math.Abs(p.Total()-sum) < 1e-9
		},
		genStats(),
	))

	properties.TestingRun(t)
}

func TestPenaltyKnownValues(t *testing.T) {
	idle := &Stats{
		CPU: CPUStats{Cores: 4, SystemLoad: 0},
	}
	p := ComputePenalty(idle)
	assert.Zero(t, p.Player)
	assert.InDelta(t, 0, p.CPU, 1e-9)
	assert.Zero(t, p.NullFrame)
	assert.Zero(t, p.DeficitFrame)
	assert.InDelta(t, 0, p.Total(), 1e-9)

	loaded := &Stats{
		Players:        10,
		PlayingPlayers: 10,
		CPU:            CPUStats{Cores: 4, SystemLoad: 0.5},
	}
	p = ComputePenalty(loaded)
	assert.InDelta(t, 10, p.Player, 1e-9)
	assert.InDelta(t, math.Pow(1.05, 50)*10-10, p.CPU, 1e-9)

	framey := &Stats{
		PlayingPlayers: 1,
		CPU:            CPUStats{Cores: 1, SystemLoad: 0},
		Frames:         FrameStats{Sent: 3000, Nulled: 300, Deficit: 600},
	}
	p = ComputePenalty(framey)
	wantNull := 2 * (math.Pow(1.03, 500*float64(300)/3000)*300 - 300)
	wantDeficit := math.Pow(1.03, 500*float64(600)/3000)*600 - 600
	assert.InDelta(t, wantNull, p.NullFrame, 1e-6)
	assert.InDelta(t, wantDeficit, p.DeficitFrame, 1e-6)
}

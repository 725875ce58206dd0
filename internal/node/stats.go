package node

import "math"

// FramesUntracked is the sentinel the node reports when frame counters are
// not being collected; untracked counters contribute nothing to the penalty.
const FramesUntracked = -1

// MemoryStats is the node's reported memory usage.
type MemoryStats struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

// CPUStats is the node's reported CPU usage.
type CPUStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats is the node's reported audio frame counters. Counters are
// FramesUntracked when the node does not collect them.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}

// Stats is one statistics snapshot pushed by a node. Each push replaces the
// previous snapshot wholesale; there is no partial merge.
type Stats struct {
	Uptime         int64       `json:"uptime"`
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Memory         MemoryStats `json:"memory"`
	CPU            CPUStats    `json:"cpu"`
	Frames         FrameStats  `json:"frameStats"`
}

// Penalty is the load score derived from a stats snapshot. Lower is better.
// The formulas match the reference client so mixed fleets balance the same
// way regardless of which client picked the node.
type Penalty struct {
	Player       float64
	CPU          float64
	NullFrame    float64
	DeficitFrame float64
}

// ComputePenalty derives the penalty breakdown from a stats snapshot.
func ComputePenalty(s *Stats) Penalty {
	p := Penalty{
		Player: float64(s.PlayingPlayers),
		CPU:    math.Pow(1.05, 100*s.CPU.SystemLoad)*10 - 10,
	}
	if s.Frames.Nulled != FramesUntracked {
		p.NullFrame = 2 * (math.Pow(1.03, 500*float64(s.Frames.Nulled)/3000)*300 - 300)
	}
	if s.Frames.Deficit != FramesUntracked {
		p.DeficitFrame = math.Pow(1.03, 500*float64(s.Frames.Deficit)/3000)*600 - 600
	}
	return p
}

// Total is the sum of all penalty components.
func (p Penalty) Total() float64 {
	return p.Player + p.CPU + p.NullFrame + p.DeficitFrame
}

// Package telemetry exposes allocator statistics through a snapshot
// API and a lightweight diagnostic HTTP server. All counters live on
// slow paths; collecting a snapshot never perturbs the allocation fast
// path.
package telemetry

import (
	"github.com/slitter-project/slitter/internal/classinfo"
)

// ClassStats is the point-in-time view of one allocation class.
type ClassStats struct {
	ID         uint32 `json:"id"`
	Name       string `json:"name,omitempty"`
	ObjectSize uint64 `json:"object_size"`
	ZeroInit   bool   `json:"zero_init"`

	SpansInstalled uint64 `json:"spans_installed"`
	ObjectsPressed uint64 `json:"objects_pressed"`
	Refills        uint64 `json:"refills"`
	Clears         uint64 `json:"clears"`
	SlowAllocs     uint64 `json:"slow_allocs"`
	SlowReleases   uint64 `json:"slow_releases"`
	MagazinesFreed uint64 `json:"magazines_freed"`

	FullMagazines    int `json:"full_magazines"`
	PartialMagazines int `json:"partial_magazines"`
}

// Snapshot is the whole-process view.
type Snapshot struct {
	Classes []ClassStats `json:"classes"`
}

// Collect builds a snapshot of every registered class.
func Collect() Snapshot {
	infos := classinfo.All()

	snap := Snapshot{Classes: make([]ClassStats, 0, len(infos))}
	for _, info := range infos {
		full, partial := info.DepotSizes()

		snap.Classes = append(snap.Classes, ClassStats{
			ID:               info.ID,
			Name:             info.Name,
			ObjectSize:       uint64(info.Size),
			ZeroInit:         info.ZeroInit,
			SpansInstalled:   info.Press.SpansInstalled(),
			ObjectsPressed:   info.Press.ObjectsPressed(),
			Refills:          info.Stats.Refills.Load(),
			Clears:           info.Stats.Clears.Load(),
			SlowAllocs:       info.Stats.SlowAllocs.Load(),
			SlowReleases:     info.Stats.SlowReleases.Load(),
			MagazinesFreed:   info.Stats.MagazinesFreed.Load(),
			FullMagazines:    full,
			PartialMagazines: partial,
		})
	}

	return snap
}

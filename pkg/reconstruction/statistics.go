package reconstruction

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// VolumeStatistics summarises the compounded intensities of a reconstruction.
// Only voxels hit by at least one contribution are included.
type VolumeStatistics struct {
	// HitVoxels is the number of voxels that received a contribution
	HitVoxels int

	// Coverage is HitVoxels divided by the grid size, in [0, 1]
	Coverage float64

	// Mean, StdDev and Median describe the compounded intensity of hit
	// voxels, in input pixel units
	Mean   float64
	StdDev float64
	Median float64

	Min float64
	Max float64

	// MeanHits is the average number of contributions per hit voxel
	MeanHits float64
}

// VolumeStatistics computes intensity statistics over the hit voxels of the
// current grid.
func (r *Reconstructor) VolumeStatistics() (VolumeStatistics, error) {
	acc, err := r.RawAccumulation()
	if err != nil {
		return VolumeStatistics{}, err
	}

	values := make([]float64, 0, len(acc.Hits))
	hits := make([]float64, 0, len(acc.Hits))
	for i, h := range acc.Hits {
		if h == 0 || acc.Weight[i] <= 0 {
			continue
		}
		values = append(values, acc.Accumulator[i]/acc.Weight[i])
		hits = append(hits, float64(h))
	}

	s := VolumeStatistics{HitVoxels: len(values)}
	if total := acc.Geometry.NumVoxels(); total > 0 {
		s.Coverage = float64(len(values)) / float64(total)
	}
	if len(values) == 0 {
		return s, nil
	}

	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	if math.IsNaN(s.StdDev) {
		s.StdDev = 0
	}
	s.MeanHits = stat.Mean(hits, nil)

	sort.Float64s(values)
	s.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	s.Min = values[0]
	s.Max = values[len(values)-1]
	return s, nil
}

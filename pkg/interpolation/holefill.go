// Package interpolation fills voxels that no frame reached, using the
// compounded values of nearby hit voxels.
package interpolation

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/kdtree"

	"freehand3d/internal/models"
)

// Point3D is a hit voxel in voxel index coordinates together with its
// compounded value.
type Point3D struct {
	X, Y, Z float64
	Value   float64
}

// Compare implements the kdtree.Comparable interface
func (p Point3D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point3D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point3D) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point3D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point3D)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points3D is a collection of Point3D that satisfies kdtree.Interface
type Points3D []Point3D

func (p Points3D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points3D) Len() int                              { return len(p) }
func (p Points3D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points3D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points3D: p, Dim: d}, kdtree.MedianOfRandoms(pointPlane{Points3D: p, Dim: d}, 100))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points3D
type pointPlane struct {
	Points3D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points3D[i].X < p.Points3D[j].X
	case 1:
		return p.Points3D[i].Y < p.Points3D[j].Y
	case 2:
		return p.Points3D[i].Z < p.Points3D[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points3D: p.Points3D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points3D[i], p.Points3D[j] = p.Points3D[j], p.Points3D[i]
}

// HoleFiller replaces unhit voxels by the inverse distance weighted mean of
// the hit voxels within Radius (in voxels). Voxels with no hit neighbour in
// range keep their value.
type HoleFiller struct {
	Radius  float64
	Workers int
}

// NewHoleFiller creates a hole filler. workers below 1 means one worker.
func NewHoleFiller(radius float64, workers int) *HoleFiller {
	if workers < 1 {
		workers = 1
	}
	return &HoleFiller{Radius: radius, Workers: workers}
}

// Fill fills vol in place. hit marks the voxels that carry a compounded
// value and must have one entry per voxel. It returns the number of voxels
// filled.
func (h *HoleFiller) Fill(ctx context.Context, vol *models.Volume, hit []bool) (int, error) {
	if len(hit) != len(vol.Data) {
		return 0, fmt.Errorf("hit mask has %d entries, volume has %d voxels", len(hit), len(vol.Data))
	}
	if h.Radius <= 0 {
		return 0, nil
	}

	nx, ny, nz := vol.Dims[0], vol.Dims[1], vol.Dims[2]
	var points Points3D
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := vol.Index(x, y, z)
				if hit[i] {
					points = append(points, Point3D{X: float64(x), Y: float64(y), Z: float64(z), Value: float64(vol.Data[i])})
				}
			}
		}
	}
	if len(points) == 0 || len(points) == len(vol.Data) {
		return 0, nil
	}
	tree := kdtree.New(points, false)
	maxDist := h.Radius * h.Radius

	var filled atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(h.Workers)
	for z := 0; z < nz; z++ {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			count := 0
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					i := vol.Index(x, y, z)
					if hit[i] {
						continue
					}
					keeper := kdtree.NewDistKeeper(maxDist)
					tree.NearestSet(keeper, Point3D{X: float64(x), Y: float64(y), Z: float64(z)})

					var sum, weights float64
					for _, item := range keeper.Heap {
						// Skip the sentinel value
						if item.Comparable == nil {
							continue
						}
						w := 1 / math.Sqrt(item.Dist)
						sum += w * item.Comparable.(Point3D).Value
						weights += w
					}
					if weights == 0 {
						continue
					}
					vol.Data[i] = uint8(math.Min(255, sum/weights+0.5))
					count++
				}
			}
			filled.Add(int64(count))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return int(filled.Load()), err
	}
	return int(filled.Load()), nil
}

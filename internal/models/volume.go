package models

// Geometry places a voxel grid in the reference coordinate frame. Origin is
// the centre of voxel (0,0,0); Spacing is the voxel size in mm.
type Geometry struct {
	Origin  [3]float64
	Spacing [3]float64
	Dims    [3]int
}

// NumVoxels returns the number of voxels in the grid.
func (g Geometry) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index returns the linear index of voxel (x, y, z), x varying fastest.
func (g Geometry) Index(x, y, z int) int {
	return (z*g.Dims[1]+y)*g.Dims[0] + x
}

// Contains reports whether (x, y, z) is inside the grid.
func (g Geometry) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Dims[0] && y < g.Dims[1] && z < g.Dims[2]
}

// VoxelCenter returns the position of a voxel centre in reference coordinates.
func (g Geometry) VoxelCenter(x, y, z int) Point3 {
	return Point3{
		X: g.Origin[0] + float64(x)*g.Spacing[0],
		Y: g.Origin[1] + float64(y)*g.Spacing[1],
		Z: g.Origin[2] + float64(z)*g.Spacing[2],
	}
}

// ToVoxel converts a reference position into continuous voxel coordinates.
func (g Geometry) ToVoxel(p Point3) Point3 {
	return Point3{
		X: (p.X - g.Origin[0]) / g.Spacing[0],
		Y: (p.Y - g.Origin[1]) / g.Spacing[1],
		Z: (p.Z - g.Origin[2]) / g.Spacing[2],
	}
}

// Volume is an 8-bit 3D image in row-major order (x fastest, then y, then z).
type Volume struct {
	Geometry
	Data []uint8
}

// NewVolume allocates a volume filled with value.
func NewVolume(g Geometry, value uint8) *Volume {
	v := &Volume{Geometry: g, Data: make([]uint8, g.NumVoxels())}
	if value != 0 {
		for i := range v.Data {
			v.Data[i] = value
		}
	}
	return v
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) uint8 {
	return v.Data[v.Index(x, y, z)]
}

package reconstruction

import (
	"errors"
	"fmt"
	"math"

	"freehand3d/internal/models"
	"freehand3d/pkg/config"
)

// splat maps every used pixel into voxel space and distributes its value
// to the nearest voxel or to the eight surrounding voxels with trilinear
// weights. Must be called with the write lock held.
func (r *Reconstructor) splat(img models.Image, imageToReference models.Matrix) {
	geom := r.grid.geom
	linear := r.cfg.Interpolation == config.InterpolationLinear
	x0, y0, x1, y1 := r.clipRect(img)

	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			value := img.At(px, py)
			v := geom.ToVoxel(imageToReference.Apply(models.Point3{X: float64(px), Y: float64(py)}))

			if !linear {
				ix, iy, iz := roundIndex(v.X), roundIndex(v.Y), roundIndex(v.Z)
				if !geom.Contains(ix, iy, iz) {
					r.stats.PixelsOutside++
					continue
				}
				r.update(geom.Index(ix, iy, iz), value, 1)
				continue
			}

			fx, fy, fz := math.Floor(v.X), math.Floor(v.Y), math.Floor(v.Z)
			dx, dy, dz := v.X-fx, v.Y-fy, v.Z-fz
			bx, by, bz := int(fx), int(fy), int(fz)
			inside := false
			for corner := 0; corner < 8; corner++ {
				cx, cy, cz := corner&1, (corner>>1)&1, (corner>>2)&1
				w := axisWeight(dx, cx) * axisWeight(dy, cy) * axisWeight(dz, cz)
				if w <= 0 {
					continue
				}
				ix, iy, iz := bx+cx, by+cy, bz+cz
				if !geom.Contains(ix, iy, iz) {
					continue
				}
				r.update(geom.Index(ix, iy, iz), value, w)
				inside = true
			}
			if !inside {
				r.stats.PixelsOutside++
			}
		}
	}
}

// backProject visits every voxel whose centre lies within half a voxel of
// the image plane and samples the image at the voxel's projection. Must be
// called with the write lock held.
func (r *Reconstructor) backProject(img models.Image, imageToReference models.Matrix) error {
	referenceToImage, err := imageToReference.Inverse()
	if err != nil {
		return fmt.Errorf("image to reference transform is not invertible: %w", err)
	}
	geom := r.grid.geom
	linear := r.cfg.Interpolation == config.InterpolationLinear
	x0, y0, x1, y1 := r.clipRect(img)
	if x1 <= x0 || y1 <= y0 {
		return nil
	}

	origin := imageToReference.Apply(models.Point3{})
	normal := imageToReference.ApplyVector(models.Point3{X: 1}).Cross(imageToReference.ApplyVector(models.Point3{Y: 1}))
	n := normal.Norm()
	if n == 0 {
		return errors.New("image plane is degenerate")
	}
	normal = normal.Scale(1 / n)
	halfThickness := 0.5 * math.Max(geom.Spacing[0], math.Max(geom.Spacing[1], geom.Spacing[2]))

	// Voxel bounding box of the clipped image, padded by the slab.
	lo := [3]int{math.MaxInt, math.MaxInt, math.MaxInt}
	hi := [3]int{math.MinInt, math.MinInt, math.MinInt}
	for _, c := range [4]models.Point3{
		{X: float64(x0), Y: float64(y0)},
		{X: float64(x1 - 1), Y: float64(y0)},
		{X: float64(x0), Y: float64(y1 - 1)},
		{X: float64(x1 - 1), Y: float64(y1 - 1)},
	} {
		v := geom.ToVoxel(imageToReference.Apply(c))
		for i, f := range [3]float64{v.X, v.Y, v.Z} {
			lo[i] = min(lo[i], int(math.Floor(f)))
			hi[i] = max(hi[i], int(math.Ceil(f)))
		}
	}
	for i := range lo {
		pad := int(math.Ceil(halfThickness/geom.Spacing[i])) + 1
		lo[i] = max(lo[i]-pad, 0)
		hi[i] = min(hi[i]+pad, geom.Dims[i]-1)
	}

	for z := lo[2]; z <= hi[2]; z++ {
		for y := lo[1]; y <= hi[1]; y++ {
			for x := lo[0]; x <= hi[0]; x++ {
				c := geom.VoxelCenter(x, y, z)
				d := c.Sub(origin).Dot(normal)
				if math.Abs(d) > halfThickness {
					continue
				}
				q := referenceToImage.Apply(c.Sub(normal.Scale(d)))
				value, ok := sample(img, q.X, q.Y, x0, y0, x1, y1, linear)
				if !ok {
					continue
				}
				r.update(geom.Index(x, y, z), value, 1)
			}
		}
	}
	return nil
}

// sample reads img at continuous pixel coordinates (u, v) inside the clip
// rectangle, by nearest neighbour or bilinear interpolation. Bilinear
// sampling falls back to the nearest pixel at the rectangle border.
func sample(img models.Image, u, v float64, x0, y0, x1, y1 int, linear bool) (float64, bool) {
	nx, ny := roundIndex(u), roundIndex(v)
	if nx < x0 || ny < y0 || nx >= x1 || ny >= y1 {
		return 0, false
	}
	if !linear {
		return img.At(nx, ny), true
	}
	fx, fy := math.Floor(u), math.Floor(v)
	ix, iy := int(fx), int(fy)
	if ix < x0 || iy < y0 || ix+1 >= x1 || iy+1 >= y1 {
		return img.At(nx, ny), true
	}
	dx, dy := u-fx, v-fy
	top := img.At(ix, iy)*(1-dx) + img.At(ix+1, iy)*dx
	bottom := img.At(ix, iy+1)*(1-dx) + img.At(ix+1, iy+1)*dx
	return top*(1-dy) + bottom*dy, true
}

func axisWeight(frac float64, upper int) float64 {
	if upper == 1 {
		return frac
	}
	return 1 - frac
}

func roundIndex(v float64) int {
	return int(math.Floor(v + 0.5))
}

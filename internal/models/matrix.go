package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Point3 is a point (or vector) in a 3D coordinate frame, in mm unless
// stated otherwise.
type Point3 struct {
	X, Y, Z float64
}

// Matrix is a 4x4 homogeneous transform stored in row-major order.
type Matrix [16]float64

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a pure translation.
func Translation(x, y, z float64) Matrix {
	m := Identity()
	m[3], m[7], m[11] = x, y, z
	return m
}

// Scaling returns an axis-aligned scale, typically used for the
// pixel-to-mm part of an image-to-probe calibration.
func Scaling(sx, sy, sz float64) Matrix {
	m := Identity()
	m[0], m[5], m[10] = sx, sy, sz
	return m
}

// RotationZ returns a rotation of angle radians about the z axis.
func RotationZ(angle float64) Matrix {
	c, s := math.Cos(angle), math.Sin(angle)
	m := Identity()
	m[0], m[1] = c, -s
	m[4], m[5] = s, c
	return m
}

// At returns the element at row r, column c.
func (m Matrix) At(r, c int) float64 {
	return m[r*4+c]
}

// Mul returns m*n. Applying the result to a point is the same as applying n
// first and then m.
func (m Matrix) Mul(n Matrix) Matrix {
	var out Matrix
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[r*4+k] * n[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Inverse returns the inverse of m. Singular matrices (for example a
// zero scale) return an error.
func (m Matrix) Inverse() (Matrix, error) {
	src := mat.NewDense(4, 4, m[:])
	var inv mat.Dense
	if err := inv.Inverse(src); err != nil {
		return Matrix{}, fmt.Errorf("matrix is not invertible: %w", err)
	}
	var out Matrix
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = inv.At(r, c)
		}
	}
	return out, nil
}

// Apply transforms a point, including translation.
func (m Matrix) Apply(p Point3) Point3 {
	return Point3{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// ApplyVector transforms a direction, ignoring translation.
func (m Matrix) ApplyVector(v Point3) Point3 {
	return Point3{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[4]*v.X + m[5]*v.Y + m[6]*v.Z,
		Z: m[8]*v.X + m[9]*v.Y + m[10]*v.Z,
	}
}

// ApproxEqual reports whether every element of m and n differs by at most tol.
func (m Matrix) ApproxEqual(n Matrix, tol float64) bool {
	for i := range m {
		if math.Abs(m[i]-n[i]) > tol {
			return false
		}
	}
	return true
}

// String formats the matrix as 16 space separated values, row by row.
func (m Matrix) String() string {
	parts := make([]string, len(m))
	for i, v := range m {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

// ParseMatrix parses 16 whitespace separated values in row-major order.
func ParseMatrix(s string) (Matrix, error) {
	fields := strings.Fields(s)
	if len(fields) != 16 {
		return Matrix{}, fmt.Errorf("expected 16 matrix elements, got %d", len(fields))
	}
	var m Matrix
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Matrix{}, fmt.Errorf("invalid matrix element %d: %w", i, err)
		}
		m[i] = v
	}
	return m, nil
}

// MatrixFromSlice converts a 16 element row-major slice, as found in
// configuration files.
func MatrixFromSlice(values []float64) (Matrix, error) {
	if len(values) != 16 {
		return Matrix{}, fmt.Errorf("expected 16 matrix elements, got %d", len(values))
	}
	var m Matrix
	copy(m[:], values)
	return m, nil
}

// Add returns p+q.
func (p Point3) Add(q Point3) Point3 { return Point3{p.X + q.X, p.Y + q.Y, p.Z + q.Z} }

// Sub returns p-q.
func (p Point3) Sub(q Point3) Point3 { return Point3{p.X - q.X, p.Y - q.Y, p.Z - q.Z} }

// Scale returns p*s.
func (p Point3) Scale(s float64) Point3 { return Point3{p.X * s, p.Y * s, p.Z * s} }

// Dot returns the dot product of p and q.
func (p Point3) Dot(q Point3) float64 { return p.X*q.X + p.Y*q.Y + p.Z*q.Z }

// Cross returns the cross product p x q.
func (p Point3) Cross(q Point3) Point3 {
	return Point3{
		X: p.Y*q.Z - p.Z*q.Y,
		Y: p.Z*q.X - p.X*q.Z,
		Z: p.X*q.Y - p.Y*q.X,
	}
}

// Norm returns the Euclidean length of p.
func (p Point3) Norm() float64 { return math.Sqrt(p.Dot(p)) }

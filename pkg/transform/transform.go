// Package transform composes and applies spatial transforms. A dense
// non-linear deformation and an affine matrix are combined into a single
// displacement field on a reference grid, so that every later resampling
// and the Jacobian determinant are evaluated under one consistent mapping
// instead of two chained operations that would each resample once.
//
// Deformation fields store world-space (millimeter) displacements, one
// 3-vector per voxel of the grid they are defined on. A field c applied
// to an image maps the reference voxel at world position x to the source
// position x + c(x).
package transform

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"ravens/pkg/nifti"
	"ravens/pkg/volume"
)

// LoadAffine reads a plain-text 4x4 row-major affine matrix.
func LoadAffine(path string) (*mat.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read affine %s: %w", path, err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 16 {
		return nil, fmt.Errorf("affine %s: expected 16 values, got %d", path, len(fields))
	}
	values := make([]float64, 16)
	for i, fld := range fields {
		v, err := strconv.ParseFloat(fld, 64)
		if err != nil {
			return nil, fmt.Errorf("affine %s: bad value %q", path, fld)
		}
		values[i] = v
	}
	return mat.NewDense(4, 4, values), nil
}

// SaveAffine writes a 4x4 matrix as four rows of four values.
func SaveAffine(a *mat.Dense, path string) error {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.17g", a.At(i, j))
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write affine %s: %w", path, err)
	}
	return nil
}

// Identity returns the 4x4 identity transform.
func Identity() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		a.Set(i, i, 1)
	}
	return a
}

// apply4 maps a 3D point through a homogeneous 4x4 matrix.
func apply4(a *mat.Dense, x, y, z float64) (float64, float64, float64) {
	return a.At(0, 0)*x + a.At(0, 1)*y + a.At(0, 2)*z + a.At(0, 3),
		a.At(1, 0)*x + a.At(1, 1)*y + a.At(1, 2)*z + a.At(1, 3),
		a.At(2, 0)*x + a.At(2, 1)*y + a.At(2, 2)*z + a.At(2, 3)
}

func inverse(a *mat.Dense) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return nil, fmt.Errorf("transform matrix is singular: %w", err)
	}
	return &inv, nil
}

// fieldAt samples the displacement vector of def at a world position,
// interpolating linearly on def's own grid.
func fieldAt(def *nifti.Image, worldToVoxel *mat.Dense, x, y, z float64) (float64, float64, float64) {
	vx, vy, vz := apply4(worldToVoxel, x, y, z)
	return volume.Sample(def, vx, vy, vz, 0, volume.Linear),
		volume.Sample(def, vx, vy, vz, 1, volume.Linear),
		volume.Sample(def, vx, vy, vz, 2, volume.Linear)
}

// Compose combines a non-linear deformation with an affine matrix into a
// single displacement field on ref's grid. The composed field maps a
// reference point x to affine(x + warp(x)): the affine transform composed
// with the non-linear warp, sampled once.
func Compose(warp *nifti.Image, affine *mat.Dense, ref *nifti.Image) (*nifti.Image, error) {
	if warp.Nv != 3 {
		return nil, fmt.Errorf("deformation field must have 3 components, got %d", warp.Nv)
	}
	warpInv, err := inverse(warp.Affine())
	if err != nil {
		return nil, err
	}

	out := nifti.NewImageLike(ref, 3)
	refAffine := ref.Affine()
	for z := 0; z < ref.Nz; z++ {
		for y := 0; y < ref.Ny; y++ {
			for x := 0; x < ref.Nx; x++ {
				wx, wy, wz := apply4(refAffine, float64(x), float64(y), float64(z))
				ux, uy, uz := fieldAt(warp, warpInv, wx, wy, wz)
				tx, ty, tz := apply4(affine, wx+ux, wy+uy, wz+uz)
				out.Set(x, y, z, 0, tx-wx)
				out.Set(x, y, z, 1, ty-wy)
				out.Set(x, y, z, 2, tz-wz)
			}
		}
	}
	return out, nil
}

// Apply resamples img onto ref's grid through a displacement field.
// NearestNeighbor must be used for label and mask images; Linear for
// intensity images.
func Apply(img, def, ref *nifti.Image, interp volume.Interpolation) (*nifti.Image, error) {
	if def.Nv != 3 {
		return nil, fmt.Errorf("deformation field must have 3 components, got %d", def.Nv)
	}
	defInv, err := inverse(def.Affine())
	if err != nil {
		return nil, err
	}
	imgInv, err := inverse(img.Affine())
	if err != nil {
		return nil, err
	}

	out := nifti.NewImageLike(ref, 1)
	refAffine := ref.Affine()
	for z := 0; z < ref.Nz; z++ {
		for y := 0; y < ref.Ny; y++ {
			for x := 0; x < ref.Nx; x++ {
				wx, wy, wz := apply4(refAffine, float64(x), float64(y), float64(z))
				cx, cy, cz := fieldAt(def, defInv, wx, wy, wz)
				vx, vy, vz := apply4(imgInv, wx+cx, wy+cy, wz+cz)
				out.Set(x, y, z, 0, volume.Sample(img, vx, vy, vz, 0, interp))
			}
		}
	}
	return out, nil
}

// ApplyAffine resamples img onto ref's grid through the affine component
// alone. Used for the affine-only warped image kept for quality
// inspection.
func ApplyAffine(img *nifti.Image, affine *mat.Dense, ref *nifti.Image, interp volume.Interpolation) (*nifti.Image, error) {
	imgInv, err := inverse(img.Affine())
	if err != nil {
		return nil, err
	}

	out := nifti.NewImageLike(ref, 1)
	refAffine := ref.Affine()
	for z := 0; z < ref.Nz; z++ {
		for y := 0; y < ref.Ny; y++ {
			for x := 0; x < ref.Nx; x++ {
				wx, wy, wz := apply4(refAffine, float64(x), float64(y), float64(z))
				tx, ty, tz := apply4(affine, wx, wy, wz)
				vx, vy, vz := apply4(imgInv, tx, ty, tz)
				out.Set(x, y, z, 0, volume.Sample(img, vx, vy, vz, 0, interp))
			}
		}
	}
	return out, nil
}

// JacobianDeterminant computes, at every voxel of the field's grid, the
// determinant of the local spatial derivative of the mapping
// phi(x) = x + c(x). The value is the local volume expansion or
// contraction induced by the deformation and is the numeric basis of the
// density signal: multiplying a warped tissue indicator by this field
// redistributes the subject's original tissue volume over template space.
func JacobianDeterminant(def *nifti.Image) (*nifti.Image, error) {
	if def.Nv != 3 {
		return nil, fmt.Errorf("deformation field must have 3 components, got %d", def.Nv)
	}
	size := def.VoxelSize()
	out := nifti.NewImageLike(def, 1)
	j := mat.NewDense(3, 3, nil)

	for z := 0; z < def.Nz; z++ {
		for y := 0; y < def.Ny; y++ {
			for x := 0; x < def.Nx; x++ {
				for comp := 0; comp < 3; comp++ {
					dx, sx := centralDiff(def, x, y, z, comp, 0)
					dy, sy := centralDiff(def, x, y, z, comp, 1)
					dz, sz := centralDiff(def, x, y, z, comp, 2)
					j.Set(comp, 0, dx/(sx*size[0]))
					j.Set(comp, 1, dy/(sy*size[1]))
					j.Set(comp, 2, dz/(sz*size[2]))
					// phi = x + c: add the identity on the diagonal.
					j.Set(comp, comp, j.At(comp, comp)+1)
				}
				out.Set(x, y, z, 0, mat.Det(j))
			}
		}
	}
	return out, nil
}

// centralDiff returns the difference of component comp of the field along
// axis and the voxel distance it spans (2 in the interior, 1 at the grid
// boundary where a one-sided difference is used).
func centralDiff(def *nifti.Image, x, y, z, comp, axis int) (float64, float64) {
	lo := [3]int{x, y, z}
	hi := [3]int{x, y, z}
	dims := [3]int{def.Nx, def.Ny, def.Nz}

	hi[axis]++
	lo[axis]--
	span := 2.0
	if hi[axis] >= dims[axis] {
		hi[axis] = dims[axis] - 1
		span--
	}
	if lo[axis] < 0 {
		lo[axis] = 0
		span--
	}
	if span <= 0 {
		// Single-voxel axis: no spatial variation measurable.
		return 0, 1
	}
	return def.At(hi[0], hi[1], hi[2], comp) - def.At(lo[0], lo[1], lo[2], comp), span
}

// MeanDisplacement returns the average displacement magnitude of a field
// in millimeters. Useful as a cheap sanity signal on registration output.
func MeanDisplacement(def *nifti.Image) float64 {
	n := def.Nx * def.Ny * def.Nz
	if n == 0 {
		return 0
	}
	var acc float64
	for z := 0; z < def.Nz; z++ {
		for y := 0; y < def.Ny; y++ {
			for x := 0; x < def.Nx; x++ {
				cx := def.At(x, y, z, 0)
				cy := def.At(x, y, z, 1)
				cz := def.At(x, y, z, 2)
				acc += math.Sqrt(cx*cx + cy*cy + cz*cz)
			}
		}
	}
	return acc / float64(n)
}

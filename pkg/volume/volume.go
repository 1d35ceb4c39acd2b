// Package volume provides the voxelwise operations the pipeline applies
// to scalar volumes: masking, multiplication, binary label extraction,
// intensity inversion, intracranial-volume measurement and isotropic
// resampling. All operations allocate a fresh output image; inputs are
// never mutated.
package volume

import (
	"fmt"
	"math"

	"ravens/pkg/nifti"
)

// Interpolation selects the resampling rule. NearestNeighbor is required
// for label and mask images so that discrete label identity survives
// resampling; Linear is used for intensity images and anything multiplied
// against a continuous field.
type Interpolation int

const (
	Linear Interpolation = iota
	NearestNeighbor
)

// Mask zeroes every voxel of img where mask is not positive and returns
// the result. Shapes must match.
func Mask(img, mask *nifti.Image) (*nifti.Image, error) {
	if !nifti.SameShape(img, mask) {
		return nil, fmt.Errorf("image and mask must have the same shape")
	}
	out := nifti.NewImageLike(img, 1)
	for i, v := range img.Data {
		if mask.Data[i] > 0 {
			out.Data[i] = v
		}
	}
	return out, nil
}

// Multiply computes the voxelwise product of two volumes.
func Multiply(a, b *nifti.Image) (*nifti.Image, error) {
	if !nifti.SameShape(a, b) {
		return nil, fmt.Errorf("images must have the same shape")
	}
	out := nifti.NewImageLike(a, 1)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out, nil
}

// BinaryMask returns the 0/1 indicator of seg voxels whose value matches
// any of the given intensities.
func BinaryMask(seg *nifti.Image, values []int) *nifti.Image {
	member := make(map[int]bool, len(values))
	for _, v := range values {
		member[v] = true
	}
	out := nifti.NewImageLike(seg, 1)
	for i, v := range seg.Data {
		if member[int(math.Round(v))] {
			out.Data[i] = 1
		}
	}
	return out
}

// Scale multiplies every voxel by a scalar factor.
func Scale(img *nifti.Image, s float64) *nifti.Image {
	out := nifti.NewImageLike(img, 1)
	for i, v := range img.Data {
		out.Data[i] = v * s
	}
	return out
}

// Invert flips image contrast over the nonzero voxels: after scaling the
// nonzero intensities into [0, scaleMax], the brightest voxel maps to 0
// and the dimmest to scaleMax. Background voxels stay 0.
func Invert(img *nifti.Image, scaleMax float64) (*nifti.Image, error) {
	lo := math.Inf(1)
	hi := math.Inf(-1)
	for _, v := range img.Data {
		if v > 0 {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		return nil, fmt.Errorf("image has no nonzero voxels to invert")
	}
	out := nifti.NewImageLike(img, 1)
	if hi == lo {
		// Flat foreground inverts to a flat scaleMax.
		for i, v := range img.Data {
			if v > 0 {
				out.Data[i] = scaleMax
			}
		}
		return out, nil
	}
	for i, v := range img.Data {
		if v > 0 {
			scaled := math.Round((v - lo) / (hi - lo) * scaleMax)
			out.Data[i] = scaleMax - scaled
		}
	}
	return out, nil
}

// ICV returns the intracranial volume in cubic millimeters measured from
// a mask: the count of nonzero voxels times the voxel volume.
func ICV(mask *nifti.Image) float64 {
	n := 0
	for _, v := range mask.Data {
		if v != 0 {
			n++
		}
	}
	return float64(n) * mask.VoxelVolume()
}

// ResampleIso resamples img onto an isotropic grid with the given spacing
// in millimeters, preserving the field of view. The output sform is the
// input sform rescaled to the new spacing.
func ResampleIso(img *nifti.Image, spacing float64, interp Interpolation) (*nifti.Image, error) {
	if spacing <= 0 {
		return nil, fmt.Errorf("resampling spacing must be positive, got %g", spacing)
	}
	size := img.VoxelSize()
	nx := int(math.Max(1, math.Round(float64(img.Nx)*size[0]/spacing)))
	ny := int(math.Max(1, math.Round(float64(img.Ny)*size[1]/spacing)))
	nz := int(math.Max(1, math.Round(float64(img.Nz)*size[2]/spacing)))

	out := nifti.NewImage(nx, ny, nz, 1, [3]float64{spacing, spacing, spacing})
	// Keep the input orientation, rescaled column-wise to the new spacing.
	sx := spacing / size[0]
	sy := spacing / size[1]
	sz := spacing / size[2]
	out.Header.SformCode = img.Header.SformCode
	if out.Header.SformCode > 0 {
		out.Header.SrowX = scaleRow(img.Header.SrowX, sx, sy, sz)
		out.Header.SrowY = scaleRow(img.Header.SrowY, sx, sy, sz)
		out.Header.SrowZ = scaleRow(img.Header.SrowZ, sx, sy, sz)
	}

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				// Source position in input voxel coordinates.
				px := float64(x) * spacing / size[0]
				py := float64(y) * spacing / size[1]
				pz := float64(z) * spacing / size[2]
				out.Set(x, y, z, 0, Sample(img, px, py, pz, 0, interp))
			}
		}
	}
	return out, nil
}

func scaleRow(row [4]float32, sx, sy, sz float64) [4]float32 {
	return [4]float32{
		row[0] * float32(sx),
		row[1] * float32(sy),
		row[2] * float32(sz),
		row[3],
	}
}

// Sample evaluates component v of img at a continuous voxel coordinate
// using the requested interpolation. Positions outside the grid return 0.
func Sample(img *nifti.Image, x, y, z float64, v int, interp Interpolation) float64 {
	if interp == NearestNeighbor {
		xi := int(math.Round(x))
		yi := int(math.Round(y))
		zi := int(math.Round(z))
		if xi < 0 || yi < 0 || zi < 0 || xi >= img.Nx || yi >= img.Ny || zi >= img.Nz {
			return 0
		}
		return img.At(xi, yi, zi, v)
	}

	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	z0 := int(math.Floor(z))
	fx := x - float64(x0)
	fy := y - float64(y0)
	fz := z - float64(z0)

	var acc float64
	for dz := 0; dz <= 1; dz++ {
		for dy := 0; dy <= 1; dy++ {
			for dx := 0; dx <= 1; dx++ {
				xi, yi, zi := x0+dx, y0+dy, z0+dz
				if xi < 0 || yi < 0 || zi < 0 || xi >= img.Nx || yi >= img.Ny || zi >= img.Nz {
					continue
				}
				w := lerpWeight(fx, dx) * lerpWeight(fy, dy) * lerpWeight(fz, dz)
				acc += w * img.At(xi, yi, zi, v)
			}
		}
	}
	return acc
}

func lerpWeight(f float64, d int) float64 {
	if d == 1 {
		return f
	}
	return 1 - f
}

// Package visualization exports quality-inspection snapshots of pipeline
// volumes. Registration quality is judged by eye from the warped and
// affine-only warped images, so the exporter renders orthogonal
// mid-slices of a volume as grayscale images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"ravens/pkg/nifti"
)

// Viewer renders 2D views of one volume.
type Viewer struct {
	img *nifti.Image

	// lo and hi are the intensity window used for display scaling
	lo float64
	hi float64
}

// NewViewer creates a viewer with a display window spanning the volume's
// intensity range.
func NewViewer(img *nifti.Image) *Viewer {
	v := &Viewer{img: img}
	if len(img.Data) > 0 {
		v.lo, v.hi = img.Data[0], img.Data[0]
		for _, val := range img.Data {
			if val < v.lo {
				v.lo = val
			}
			if val > v.hi {
				v.hi = val
			}
		}
	}
	return v
}

func (v *Viewer) gray(val float64) color.Gray16 {
	if v.hi <= v.lo {
		return color.Gray16{}
	}
	scaled := (val - v.lo) / (v.hi - v.lo) * 65535
	if scaled < 0 {
		scaled = 0
	}
	if scaled > 65535 {
		scaled = 65535
	}
	return color.Gray16{Y: uint16(scaled)}
}

// ExtractSlice renders one 2D slice perpendicular to the given axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	nx, ny, nz, _ := v.img.Dims()
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	switch axis {
	case "x", "X":
		if position >= nx {
			return nil, fmt.Errorf("position %d exceeds width %d", position, nx)
		}
		out := image.NewGray16(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				out.SetGray16(z, y, v.gray(v.img.At(position, y, z, 0)))
			}
		}
		return out, nil

	case "y", "Y":
		if position >= ny {
			return nil, fmt.Errorf("position %d exceeds height %d", position, ny)
		}
		out := image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				out.SetGray16(x, z, v.gray(v.img.At(x, position, z, 0)))
			}
		}
		return out, nil

	case "z", "Z":
		if position >= nz {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, nz)
		}
		out := image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				out.SetGray16(x, y, v.gray(v.img.At(x, y, position, 0)))
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// SaveSnapshots writes the three orthogonal mid-slices of the volume to
// outputDir, named <name>_<axis>.jpg.
func (v *Viewer) SaveSnapshots(outputDir, name string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	nx, ny, nz, _ := v.img.Dims()
	mids := map[string]int{"x": nx / 2, "y": ny / 2, "z": nz / 2}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, mids[axis])
		if err != nil {
			return err
		}
		path := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", name, axis))
		if err := saveJPEG(img, path); err != nil {
			return err
		}
	}
	return nil
}

func saveJPEG(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot %s: %w", path, err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", path, err)
	}
	return nil
}

// Package projection applies the precomputed factorization atlas to a
// density map, reducing it to per-component coefficients. The
// factorization itself is an external method; this package only evaluates
// its spatial components against a subject map and persists the
// coefficient row as tabular output.
package projection

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"ravens/pkg/nifti"
)

// Component holds the coefficients extracted for one atlas component.
type Component struct {
	Mean float64
	Sum  float64
}

// AtlasPath returns the conventional atlas filename for a component
// count, e.g. MuSIC_C64.nii.gz.
func AtlasPath(dir string, components int) string {
	return filepath.Join(dir, fmt.Sprintf("MuSIC_C%d.nii.gz", components))
}

// Project evaluates every atlas component against the map: the masked sum
// of the map over the component's voxels and that sum divided by the
// component's voxel count. Components absent from the atlas volume yield
// NaN coefficients.
func Project(img *nifti.Image, atlas *nifti.Image, components int) ([]Component, error) {
	if !nifti.SameShape(img, atlas) {
		return nil, fmt.Errorf("density map and atlas must share a grid: %dx%dx%d vs %dx%dx%d",
			img.Nx, img.Ny, img.Nz, atlas.Nx, atlas.Ny, atlas.Nz)
	}

	out := make([]Component, components)
	for i := 1; i <= components; i++ {
		var masked []float64
		for idx, a := range atlas.Data {
			if int(math.Round(a)) == i {
				v := img.Data[idx]
				if math.IsNaN(v) {
					v = 0
				}
				masked = append(masked, v)
			}
		}
		if len(masked) == 0 {
			out[i-1] = Component{Mean: math.NaN(), Sum: math.NaN()}
			continue
		}
		sum := floats.Sum(masked)
		out[i-1] = Component{Mean: sum / float64(len(masked)), Sum: sum}
	}
	return out, nil
}

// WriteCSV persists one subject's coefficient row: a header of
// component_{i}_mean and component_{i}_sum columns followed by a single
// value row.
func WriteCSV(components []Component, path string) error {
	var header, row strings.Builder
	for i, c := range components {
		if i > 0 {
			header.WriteByte(',')
			row.WriteByte(',')
		}
		fmt.Fprintf(&header, "component_%d_mean,component_%d_sum", i+1, i+1)
		fmt.Fprintf(&row, "%g,%g", c.Mean, c.Sum)
	}
	content := header.String() + "\n" + row.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write coefficient table %s: %w", path, err)
	}
	return nil
}

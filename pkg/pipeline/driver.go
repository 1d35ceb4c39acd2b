package pipeline

import (
	"fmt"
	"os"

	"ravens/pkg/nifti"
	"ravens/pkg/projection"
	"ravens/pkg/visualization"
	"ravens/pkg/volume"
)

// DriverParams extends the stage-runner configuration with the
// driver-level sequence: downsampling, factorization projection, QC
// snapshots and cleanup.
type DriverParams struct {
	// ProjectLabel names the label whose density map is projected;
	// empty selects the first resolved label (the gray-matter map in
	// the conventional label ordering)
	ProjectLabel string

	// ResampleSpacing is the isotropic spacing, in millimeters, the
	// density map is resampled to before projection
	ResampleSpacing float64

	// AtlasDir holds the factorization atlas volumes; empty disables
	// the projection step
	AtlasDir string

	// Components is the number of atlas components to evaluate
	Components int

	// QCSnapshots exports mid-slice images of the warped volumes
	QCSnapshots bool

	// Cleanup deletes intermediate directories after a verified run
	Cleanup bool
}

// Driver runs the top-level sequence: the staged runner, spatial
// downsampling of the density map, the factorization projection, and the
// optional destructive cleanup of intermediate artifacts.
type Driver struct {
	runner *Runner
	params *DriverParams
}

// NewDriver creates a driver around a configured stage runner.
func NewDriver(runner *Runner, params *DriverParams) *Driver {
	return &Driver{runner: runner, params: params}
}

// Run executes the full pipeline for one subject.
func (d *Driver) Run() error {
	if err := d.runner.Process(); err != nil {
		return err
	}

	label := d.params.ProjectLabel
	if label == "" {
		label = d.runner.LabelNames()[0]
	}
	if !contains(d.runner.LabelNames(), label) {
		return fmt.Errorf("projection label %q is not among the resolved labels", label)
	}

	layout := d.runner.Layout()

	d.runner.logf("Step 10: Downsampling density map (label %s, %.1f mm isotropic)...",
		label, d.params.ResampleSpacing)
	downsampled := []string{layout.DownsampledDensity(label)}
	err := d.runner.runStage("DOWNSAMPLE", downsampled, func() error {
		density, err := nifti.Load(layout.NormalizedDensity(label))
		if err != nil {
			return err
		}
		resampled, err := volume.ResampleIso(density, d.params.ResampleSpacing, volume.Linear)
		if err != nil {
			return err
		}
		return nifti.Save(resampled, layout.DownsampledDensity(label))
	})
	if err != nil {
		return err
	}

	if d.params.AtlasDir != "" {
		d.runner.logf("Step 11: Projecting onto factorization atlas (%d components)...",
			d.params.Components)
		out := []string{layout.ProjectionCSV(d.params.Components)}
		err := d.runner.runStage("PROJECT", out, func() error {
			img, err := nifti.Load(layout.DownsampledDensity(label))
			if err != nil {
				return err
			}
			atlas, err := nifti.Load(projection.AtlasPath(d.params.AtlasDir, d.params.Components))
			if err != nil {
				return err
			}
			coeffs, err := projection.Project(img, atlas, d.params.Components)
			if err != nil {
				return err
			}
			return projection.WriteCSV(coeffs, layout.ProjectionCSV(d.params.Components))
		})
		if err != nil {
			return err
		}
	}

	if d.params.QCSnapshots {
		d.runner.logf("Exporting registration QC snapshots...")
		if err := d.exportQC(); err != nil {
			return err
		}
	}

	if d.params.Cleanup {
		d.runner.logf("Cleaning up intermediate artifacts...")
		if err := d.cleanup(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) exportQC() error {
	layout := d.runner.Layout()
	for _, snap := range []struct {
		name string
		path string
	}{
		{"warped", layout.Warped()},
		{"affine_warped", layout.AffineWarped()},
	} {
		img, err := nifti.Load(snap.path)
		if err != nil {
			return fmt.Errorf("failed to load QC volume: %w", err)
		}
		if err := visualization.NewViewer(img).SaveSnapshots(layout.QCDir(), snap.name); err != nil {
			return err
		}
	}
	return nil
}

// cleanup removes the init, labels and warps directories. This is
// destructive: it refuses to run unless every final per-label output is
// confirmed present on disk.
func (d *Driver) cleanup() error {
	for _, path := range d.runner.FinalArtifacts() {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return fmt.Errorf("refusing cleanup: final output %s is missing or empty", path)
		}
	}
	for _, dir := range d.runner.Layout().IntermediateDirs() {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

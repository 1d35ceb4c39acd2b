// Package pipeline orchestrates the per-subject density-map computation:
// masking, label extraction, registration to the template, deformation
// composition, Jacobian evaluation, per-label warping, density
// computation and ICV normalization. Every stage is gated by the stage
// cache on its declared artifact set, so an interrupted run resumes by
// skipping whatever already completed. Execution is strictly sequential;
// filesystem artifacts are the only state shared between stages.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ravens/internal/models"
	"ravens/pkg/labels"
	"ravens/pkg/nifti"
	"ravens/pkg/registration"
	"ravens/pkg/stagecache"
	"ravens/pkg/transform"
	"ravens/pkg/volume"
)

// ErrMissingInput reports a required input file that does not exist. It
// fires before any stage runs.
var ErrMissingInput = errors.New("missing input")

// Params holds the per-subject pipeline configuration. One immutable
// value carries everything a run needs; nothing is read from process
// state.
type Params struct {
	// Subject identifies the input volumes
	Subject models.Subject

	// Template is the fixed reference volume defining target space
	Template models.Template

	// LabelSpec is the comma-separated label specification
	LabelSpec string

	// DictionaryPath optionally maps label names to intensities
	DictionaryPath string

	// OutDir is the output directory for this subject
	OutDir string

	// Prefix is prepended to every artifact filename
	Prefix string

	// VolumeExt is the written volume extension, ".nii" or ".nii.gz"
	VolumeExt string

	// Backend performs the spatial normalization
	Backend registration.Backend

	// Profile is the resolved registration parameter set
	Profile registration.Profile

	// Invert requests intensity inversion of the subject image
	Invert bool

	// InvertScaleMax is the inversion intensity ceiling
	InvertScaleMax float64

	// MeanICV is the population mean intracranial volume in cubic
	// millimeters
	MeanICV float64

	// Verbose enables per-stage progress output
	Verbose bool
}

// Runner executes the staged per-subject sequence.
type Runner struct {
	params *Params
	layout models.Layout
	cache  *stagecache.Cache

	// labelNames is the authoritative per-label enumeration, fixed by
	// the label-extraction stage
	labelNames []string
}

// NewRunner creates a stage runner for one subject.
func NewRunner(params *Params) *Runner {
	return &Runner{
		params: params,
		layout: models.NewLayout(params.OutDir, params.Prefix, params.VolumeExt),
	}
}

// Layout exposes the artifact naming so the driver can locate outputs.
func (r *Runner) Layout() models.Layout { return r.layout }

// LabelNames returns the resolved label enumeration. Valid after Process.
func (r *Runner) LabelNames() []string { return r.labelNames }

// Cache exposes the stage cache for driver-level stages.
func (r *Runner) Cache() *stagecache.Cache { return r.cache }

func (r *Runner) logf(format string, args ...interface{}) {
	if r.params.Verbose {
		fmt.Printf(format+"\n", args...)
	}
}

// runStage executes one cache-gated stage. A stage whose full artifact
// set already exists is skipped; a partial set re-runs the whole stage.
// Failures are wrapped with the stage name and never retried.
func (r *Runner) runStage(name string, artifacts []string, fn func() error) error {
	if r.cache.IsComplete(artifacts) {
		r.logf("  %s: complete, skipping", name)
		return nil
	}
	if err := fn(); err != nil {
		return fmt.Errorf("stage %s failed: %w", name, err)
	}
	if err := r.cache.Record(artifacts); err != nil {
		return fmt.Errorf("stage %s failed: %w", name, err)
	}
	return nil
}

// Process runs the complete per-subject sequence.
func (r *Runner) Process() error {
	if err := r.validateInputs(); err != nil {
		return err
	}

	for _, dir := range []string{r.layout.InitDir(), r.layout.LabelsDir(), r.layout.WarpsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	cache, err := stagecache.Open(r.layout.Manifest())
	if err != nil {
		return err
	}
	r.cache = cache

	if err := r.reconcileBackend(); err != nil {
		return err
	}

	r.logf("Step 1: Preparing subject image...")
	if err := r.runStage("INIT", []string{r.layout.InitImage()}, r.stageInit); err != nil {
		return err
	}

	r.logf("Step 2: Masking with intracranial volume...")
	if err := r.runStage("MASK_ICV", []string{r.layout.MaskedImage()}, r.stageMaskICV); err != nil {
		return err
	}

	r.logf("Step 3: Extracting label masks...")
	if err := r.stageExtractLabels(); err != nil {
		return err
	}

	r.logf("Step 4: Registering to template (backend=%s, profile=%s)...",
		r.params.Backend.Name(), r.params.Profile.Name)
	expected := registration.ExpectedTransform(r.layout.WarpPrefix(), r.layout.Ext)
	if err := r.runStage("REGISTER", expected.Paths(), func() error {
		_, err := r.params.Backend.Register(
			r.params.Template.Path, r.layout.MaskedImage(), r.layout.WarpPrefix(), r.params.Profile)
		return err
	}); err != nil {
		return err
	}

	r.logf("Step 5: Composing deformation field...")
	composeOut := []string{r.layout.ComposedDef(), r.layout.AffineWarped()}
	if err := r.runStage("COMPOSE_DEFORMATION", composeOut, r.stageCompose); err != nil {
		return err
	}

	r.logf("Step 6: Computing Jacobian determinant...")
	if err := r.runStage("JACOBIAN", []string{r.layout.Jacobian()}, r.stageJacobian); err != nil {
		return err
	}

	r.logf("Step 7: Warping label masks...")
	for _, label := range r.labelNames {
		label := label
		artifacts := []string{r.layout.WarpedLabel(label)}
		if err := r.runStage("WARP_LABELS["+label+"]", artifacts, func() error {
			return r.warpLabel(label)
		}); err != nil {
			return err
		}
	}

	r.logf("Step 8: Computing density maps...")
	for _, label := range r.labelNames {
		label := label
		artifacts := []string{r.layout.Density(label)}
		if err := r.runStage("COMPUTE_DENSITY["+label+"]", artifacts, func() error {
			return r.computeDensity(label)
		}); err != nil {
			return err
		}
	}

	r.logf("Step 9: Normalizing by intracranial volume...")
	for _, label := range r.labelNames {
		label := label
		artifacts := []string{r.layout.NormalizedDensity(label)}
		if err := r.runStage("NORMALIZE_ICV["+label+"]", artifacts, func() error {
			return r.normalizeICV(label)
		}); err != nil {
			return err
		}
	}

	return nil
}

// validateInputs fails fast on missing files, before any stage runs.
func (r *Runner) validateInputs() error {
	required := []models.StageArtifact{
		{Name: "subject image", Path: r.params.Subject.Image},
		{Name: "segmentation", Path: r.params.Subject.Segmentation},
		{Name: "template", Path: r.params.Template.Path},
	}
	if r.params.Subject.ICVMask != "" {
		required = append(required, models.StageArtifact{Name: "ICV mask", Path: r.params.Subject.ICVMask})
	}
	if r.params.DictionaryPath != "" {
		required = append(required, models.StageArtifact{Name: "label dictionary", Path: r.params.DictionaryPath})
	}
	for _, in := range required {
		if _, err := os.Stat(in.Path); err != nil {
			return fmt.Errorf("%w: %s %s", ErrMissingInput, in.Name, in.Path)
		}
	}
	return nil
}

// reconcileBackend treats backend identity as part of the cache key for
// registration artifacts. Artifacts recorded under a different backend
// are cleared rather than silently mixed with the new backend's output.
// The invalidation covers everything downstream of the registration: the
// warps directory and the root-level density products derived from it.
func (r *Runner) reconcileBackend() error {
	recorded := r.cache.Backend()
	current := r.params.Backend.Name()
	if recorded == current {
		return nil
	}
	if recorded != "" {
		r.logf("  backend changed (%s -> %s): clearing registration artifacts", recorded, current)
		if err := os.RemoveAll(r.layout.WarpsDir()); err != nil {
			return fmt.Errorf("failed to clear stale registration artifacts: %w", err)
		}
		if err := os.MkdirAll(r.layout.WarpsDir(), 0755); err != nil {
			return err
		}
		for _, pattern := range r.layout.DerivedOutputPatterns() {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return fmt.Errorf("failed to clear stale density outputs: %w", err)
			}
			for _, path := range matches {
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("failed to clear stale density output %s: %w", path, err)
				}
			}
		}
	}
	return r.cache.SetBackend(current)
}

func (r *Runner) stageInit() error {
	img, err := nifti.Load(r.params.Subject.Image)
	if err != nil {
		return err
	}
	if r.params.Invert {
		img, err = volume.Invert(img, r.params.InvertScaleMax)
		if err != nil {
			return err
		}
	}
	return nifti.Save(img, r.layout.InitImage())
}

// icvMask loads the ICV mask, falling back to the nonzero segmentation
// when no explicit mask was provided.
func (r *Runner) icvMask() (*nifti.Image, error) {
	if r.params.Subject.ICVMask != "" {
		return nifti.Load(r.params.Subject.ICVMask)
	}
	seg, err := nifti.Load(r.params.Subject.Segmentation)
	if err != nil {
		return nil, err
	}
	mask := nifti.NewImageLike(seg, 1)
	for i, v := range seg.Data {
		if v > 0 {
			mask.Data[i] = 1
		}
	}
	return mask, nil
}

func (r *Runner) stageMaskICV() error {
	img, err := nifti.Load(r.layout.InitImage())
	if err != nil {
		return err
	}
	mask, err := r.icvMask()
	if err != nil {
		return err
	}
	masked, err := volume.Mask(img, mask)
	if err != nil {
		return err
	}
	return nifti.Save(masked, r.layout.MaskedImage())
}

// stageExtractLabels resolves the label specification and writes one
// binary mask per label plus the label-list manifest. A persisted list is
// authoritative: it is loaded instead of re-resolved, and a resolution
// that disagrees with it aborts rather than silently shifting label
// meaning under existing downstream artifacts.
func (r *Runner) stageExtractLabels() error {
	var dict *labels.Dictionary
	var err error
	if r.params.DictionaryPath != "" {
		dict, err = labels.ReadDictionary(r.params.DictionaryPath)
		if err != nil {
			return err
		}
	}
	set, err := labels.Resolve(r.params.LabelSpec, dict)
	if err != nil {
		return fmt.Errorf("stage EXTRACT_LABELS failed: %w", err)
	}

	// The persisted list is authoritative for the whole tree: a
	// specification that now resolves differently aborts instead of
	// silently shifting label meaning under existing downstream
	// artifacts.
	if _, err := os.Stat(r.layout.LabelList()); err == nil {
		persisted, err := labels.LoadList(r.layout.LabelList())
		if err != nil {
			return err
		}
		if !sameNames(persisted, set.Names()) {
			return fmt.Errorf("stage EXTRACT_LABELS failed: persisted label list %s disagrees with specification %q; remove the labels directory to re-extract",
				r.layout.LabelList(), r.params.LabelSpec)
		}
	}
	r.labelNames = set.Names()

	artifacts := []string{r.layout.LabelList()}
	for _, name := range r.labelNames {
		artifacts = append(artifacts, r.layout.LabelMask(name))
	}
	return r.runStage("EXTRACT_LABELS", artifacts, func() error {
		seg, err := nifti.Load(r.params.Subject.Segmentation)
		if err != nil {
			return err
		}
		for _, label := range set.Labels {
			mask := volume.BinaryMask(seg, label.Values)
			if err := nifti.Save(mask, r.layout.LabelMask(label.Name)); err != nil {
				return err
			}
		}
		return set.Save(r.layout.LabelList())
	})
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// stageCompose combines the forward deformation and the affine into one
// field on the template grid, and separately writes the affine-only
// warped image kept for quality inspection.
func (r *Runner) stageCompose() error {
	ref, err := nifti.Load(r.params.Template.Path)
	if err != nil {
		return err
	}
	warp, err := nifti.Load(r.layout.ForwardWarp())
	if err != nil {
		return err
	}
	affine, err := transform.LoadAffine(r.layout.AffineMatrix())
	if err != nil {
		return err
	}

	composed, err := transform.Compose(warp, affine, ref)
	if err != nil {
		return err
	}
	if err := nifti.Save(composed, r.layout.ComposedDef()); err != nil {
		return err
	}

	moving, err := nifti.Load(r.layout.MaskedImage())
	if err != nil {
		return err
	}
	affineOnly, err := transform.ApplyAffine(moving, affine, ref, volume.Linear)
	if err != nil {
		return err
	}
	return nifti.Save(affineOnly, r.layout.AffineWarped())
}

func (r *Runner) stageJacobian() error {
	def, err := nifti.Load(r.layout.ComposedDef())
	if err != nil {
		return err
	}
	jac, err := transform.JacobianDeterminant(def)
	if err != nil {
		return err
	}
	return nifti.Save(jac, r.layout.Jacobian())
}

// warpLabel resamples one binary label mask through the composed
// deformation. Nearest-neighbor interpolation is required here: linear
// resampling would blend label identities at boundaries.
func (r *Runner) warpLabel(label string) error {
	ref, err := nifti.Load(r.params.Template.Path)
	if err != nil {
		return err
	}
	def, err := nifti.Load(r.layout.ComposedDef())
	if err != nil {
		return err
	}
	mask, err := nifti.Load(r.layout.LabelMask(label))
	if err != nil {
		return err
	}
	warped, err := transform.Apply(mask, def, ref, volume.NearestNeighbor)
	if err != nil {
		return err
	}
	return nifti.Save(warped, r.layout.WarpedLabel(label))
}

// computeDensity multiplies the warped label indicator by the Jacobian
// field, redistributing the subject's original label volume over template
// space.
func (r *Runner) computeDensity(label string) error {
	warped, err := nifti.Load(r.layout.WarpedLabel(label))
	if err != nil {
		return err
	}
	jac, err := nifti.Load(r.layout.Jacobian())
	if err != nil {
		return err
	}
	density, err := volume.Multiply(warped, jac)
	if err != nil {
		return err
	}
	return nifti.Save(density, r.layout.Density(label))
}

// normalizeICV scales the density map by meanICV/icv to remove global
// head-size variation, and records the measured intracranial volume.
func (r *Runner) normalizeICV(label string) error {
	mask, err := r.icvMask()
	if err != nil {
		return err
	}
	icv := volume.ICV(mask)
	if icv <= 0 {
		return fmt.Errorf("intracranial volume is zero; cannot normalize")
	}

	density, err := nifti.Load(r.layout.Density(label))
	if err != nil {
		return err
	}
	normalized := volume.Scale(density, r.params.MeanICV/icv)
	if err := nifti.Save(normalized, r.layout.NormalizedDensity(label)); err != nil {
		return err
	}

	record := fmt.Sprintf("%g\n", icv)
	if err := os.WriteFile(r.layout.ICVRecord(), []byte(record), 0644); err != nil {
		return fmt.Errorf("failed to write ICV record: %w", err)
	}
	return nil
}

// FinalArtifacts lists every per-label final output. Cleanup of
// intermediate directories must not run unless all of these exist.
func (r *Runner) FinalArtifacts() []string {
	var paths []string
	for _, label := range r.labelNames {
		paths = append(paths, r.layout.Density(label), r.layout.NormalizedDensity(label))
	}
	return paths
}

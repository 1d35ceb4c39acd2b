package models

import (
	"fmt"
	"path/filepath"
)

// Subject identifies the per-subject input volumes. All paths are inputs
// and are never mutated by the pipeline.
type Subject struct {
	// Image is the path to the T1-weighted intensity volume
	Image string

	// Segmentation is the path to the tissue segmentation volume
	Segmentation string

	// ICVMask is the path to the intracranial-volume mask.
	// Optional; when empty the nonzero segmentation is used instead.
	ICVMask string
}

// Template is the fixed reference volume defining target space.
// It is shared read-only across subjects.
type Template struct {
	// Path is the path to the template volume
	Path string
}

// StageArtifact is a named output file whose existence marks completion
// of the stage that produces it.
type StageArtifact struct {
	// Name describes the artifact's role (e.g. "composed deformation")
	Name string

	// Path is the artifact's location on disk
	Path string
}

// Layout owns the output directory tree and the deterministic
// {prefix}{label}{stage-suffix} naming convention. Downstream stages
// detect completion purely through these names, so the mapping here is
// part of the pipeline's external contract.
type Layout struct {
	// OutDir is the root output directory for one subject
	OutDir string

	// Prefix is prepended to every artifact filename
	Prefix string

	// Ext is the volume file extension, ".nii" or ".nii.gz"
	Ext string
}

// NewLayout returns a layout rooted at outDir. An empty ext defaults
// to ".nii.gz".
func NewLayout(outDir, prefix, ext string) Layout {
	if ext == "" {
		ext = ".nii.gz"
	}
	return Layout{OutDir: outDir, Prefix: prefix, Ext: ext}
}

// InitDir holds linked/derived copies of the raw inputs.
func (l Layout) InitDir() string { return filepath.Join(l.OutDir, "init") }

// LabelsDir holds the per-label binary masks and the label-list manifest.
func (l Layout) LabelsDir() string { return filepath.Join(l.OutDir, "labels") }

// WarpsDir holds registration and deformation artifacts.
func (l Layout) WarpsDir() string { return filepath.Join(l.OutDir, "warps") }

// IntermediateDirs lists the directories that the cleanup step may remove
// once all final outputs exist.
func (l Layout) IntermediateDirs() []string {
	return []string{l.InitDir(), l.LabelsDir(), l.WarpsDir()}
}

// InitImage is the (possibly inverted) copy of the subject intensity volume.
func (l Layout) InitImage() string {
	return filepath.Join(l.InitDir(), l.Prefix+"T1"+l.Ext)
}

// MaskedImage is the intensity volume after ICV masking; this is the
// moving image actually registered to the template.
func (l Layout) MaskedImage() string {
	return filepath.Join(l.InitDir(), l.Prefix+"T1_ICV"+l.Ext)
}

// LabelMask is the binary mask for one label.
func (l Layout) LabelMask(label string) string {
	return filepath.Join(l.LabelsDir(), l.Prefix+"Label_"+label+l.Ext)
}

// LabelList is the persisted, authoritative label enumeration.
func (l Layout) LabelList() string {
	return filepath.Join(l.LabelsDir(), l.Prefix+"LabelList.csv")
}

// WarpPrefix is the filename prefix handed to registration backends.
func (l Layout) WarpPrefix() string {
	return filepath.Join(l.WarpsDir(), l.Prefix)
}

// Warped is the subject image registered into template space.
func (l Layout) Warped() string { return l.WarpPrefix() + "Warped" + l.Ext }

// ForwardWarp is the dense forward non-linear deformation from the backend.
func (l Layout) ForwardWarp() string { return l.WarpPrefix() + "Warp" + l.Ext }

// InverseWarp is the dense inverse non-linear deformation from the backend.
func (l Layout) InverseWarp() string { return l.WarpPrefix() + "InvWarp" + l.Ext }

// AffineMatrix is the text 4x4 affine component of the registration.
func (l Layout) AffineMatrix() string { return l.WarpPrefix() + "Affine.mat" }

// ComposedDef is the single composed deformation used for all resampling.
func (l Layout) ComposedDef() string { return l.WarpPrefix() + "Def" + l.Ext }

// AffineWarped is the affine-only warped image kept for quality inspection.
func (l Layout) AffineWarped() string { return l.WarpPrefix() + "AffineWarped" + l.Ext }

// Jacobian is the Jacobian determinant field of the composed deformation.
func (l Layout) Jacobian() string { return l.WarpPrefix() + "Jacobian" + l.Ext }

// WarpedLabel is a label mask resampled into template space.
func (l Layout) WarpedLabel(label string) string {
	return l.WarpPrefix() + "Label_" + label + "_Warped" + l.Ext
}

// Density is the per-label RAVENS map (warped mask x Jacobian).
func (l Layout) Density(label string) string {
	return filepath.Join(l.OutDir, l.Prefix+"Label_"+label+"_RAVENS"+l.Ext)
}

// NormalizedDensity is the ICV-normalized RAVENS map, the final
// per-label output.
func (l Layout) NormalizedDensity(label string) string {
	return filepath.Join(l.OutDir, l.Prefix+"Label_"+label+"_RAVENS_ICVNorm"+l.Ext)
}

// DownsampledDensity is the isotropically resampled density map fed to
// the factorization projection.
func (l Layout) DownsampledDensity(label string) string {
	return filepath.Join(l.OutDir, l.Prefix+"Label_"+label+"_RAVENS_DS"+l.Ext)
}

// DerivedOutputPatterns returns glob patterns matching every root-level
// product derived from a registration: the per-label density maps, their
// normalized and downsampled variants, and the projection tables. When
// registration artifacts are invalidated, these must go with them.
func (l Layout) DerivedOutputPatterns() []string {
	return []string{
		filepath.Join(l.OutDir, l.Prefix+"Label_*_RAVENS*"+l.Ext),
		filepath.Join(l.OutDir, l.Prefix+"MuSIC_C*.csv"),
	}
}

// ICVRecord is the CSV holding the subject's computed intracranial volume.
func (l Layout) ICVRecord() string {
	return filepath.Join(l.OutDir, "icv_volume.csv")
}

// ProjectionCSV is the per-subject factorization coefficient row for one
// atlas component count.
func (l Layout) ProjectionCSV(components int) string {
	return filepath.Join(l.OutDir, fmt.Sprintf("%sMuSIC_C%d.csv", l.Prefix, components))
}

// QCDir holds registration quality-inspection snapshots.
func (l Layout) QCDir() string { return filepath.Join(l.OutDir, "qc") }

// Manifest is the stage-completion manifest maintained by the cache.
func (l Layout) Manifest() string {
	return filepath.Join(l.OutDir, "manifest.yaml")
}

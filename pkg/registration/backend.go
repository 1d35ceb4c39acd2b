// Package registration abstracts the deformable-registration engines the
// pipeline can drive. A backend spatially normalizes one moving image to
// one fixed image under a named profile and leaves four artifacts at a
// caller-chosen prefix: the warped image, dense forward and inverse
// deformation fields, and the linear (affine) component as a plain-text
// matrix. Backends are substitutable at this boundary; no downstream
// stage knows which one produced the artifacts.
package registration

import (
	"fmt"
	"os"
)

// Transform is the four-artifact result of one registration. It is owned
// by the stage that produced it and read-only to every consumer.
type Transform struct {
	// Warped is the moving image resampled into fixed space
	Warped string

	// ForwardWarp is the dense non-linear deformation field
	ForwardWarp string

	// InverseWarp is the dense inverse deformation field
	InverseWarp string

	// Affine is the text 4x4 affine component
	Affine string
}

// Paths returns the artifact paths in a stable order.
func (t Transform) Paths() []string {
	return []string{t.Warped, t.ForwardWarp, t.InverseWarp, t.Affine}
}

// ExpectedTransform maps an output prefix to the artifact paths every
// backend must produce there. ext is the volume extension (".nii" or
// ".nii.gz").
func ExpectedTransform(prefix, ext string) Transform {
	return Transform{
		Warped:      prefix + "Warped" + ext,
		ForwardWarp: prefix + "Warp" + ext,
		InverseWarp: prefix + "InvWarp" + ext,
		Affine:      prefix + "Affine.mat",
	}
}

// Backend performs spatial normalization of a moving image to a fixed
// image. Any failure of the underlying solver is fatal and unretried.
type Backend interface {
	// Name identifies the backend ("classical" or "alternative")
	Name() string

	// Register normalizes moving to fixed under the profile, writing
	// the four Transform artifacts at outPrefix.
	Register(fixed, moving, outPrefix string, profile Profile) (*Transform, error)
}

// Config carries the external-tool locations for the concrete backends.
// Zero values fall back to conventional executable names on PATH.
type Config struct {
	// ClassicalExe is the multi-resolution optimization solver
	ClassicalExe string `yaml:"classicalExe"`

	// ConvertExe converts the classical solver's binary transform into
	// the text affine the composer reads
	ConvertExe string `yaml:"convertExe"`

	// AlternativeExe is the interpreter for the GPU solver wrapper
	AlternativeExe string `yaml:"alternativeExe"`

	// AlternativeScript is the GPU solver wrapper script
	AlternativeScript string `yaml:"alternativeScript"`

	// NoMoments disables the GPU solver's moments initialization
	NoMoments bool `yaml:"noMoments"`

	// VolumeExt is the volume extension used for artifact names
	VolumeExt string `yaml:"volumeExt"`
}

func (c Config) volumeExt() string {
	if c.VolumeExt == "" {
		return ".nii.gz"
	}
	return c.VolumeExt
}

// NewBackend builds a backend by name. Adding a backend means adding one
// implementation here; stage logic never dispatches on the name again.
func NewBackend(name string, cfg Config, runner Runner) (Backend, error) {
	switch name {
	case "classical":
		return newClassical(cfg, runner), nil
	case "alternative":
		return newAlternative(cfg, runner), nil
	default:
		return nil, fmt.Errorf("%w: %q (known: classical, alternative)", ErrUnknownBackend, name)
	}
}

// verifyTransform checks that a backend left every declared artifact
// behind. A missing artifact after a zero exit still counts as a
// registration failure, never as partial success.
func verifyTransform(backend string, t *Transform) error {
	for _, path := range t.Paths() {
		info, err := os.Stat(path)
		if err != nil {
			return &Error{Backend: backend, Err: fmt.Errorf("solver exited cleanly but artifact %s is missing", path)}
		}
		if info.Size() == 0 {
			return &Error{Backend: backend, Err: fmt.Errorf("solver produced empty artifact %s", path)}
		}
	}
	return nil
}

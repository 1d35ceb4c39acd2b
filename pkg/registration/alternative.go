package registration

import (
	"fmt"
)

// alternative delegates to an external GPU-accelerated diffeomorphic
// solver through a wrapper script. The wrapper receives the profile by
// name and is required to leave the same four artifacts at the output
// prefix as the classical backend, in the deformation-field (not
// coefficient-field) convention, which makes the two backends
// interchangeable at the call boundary.
type alternative struct {
	exe       string
	script    string
	ext       string
	noMoments bool
	runner    Runner
}

func newAlternative(cfg Config, runner Runner) *alternative {
	exe := cfg.AlternativeExe
	if exe == "" {
		exe = "python3"
	}
	script := cfg.AlternativeScript
	if script == "" {
		script = "fireants_register.py"
	}
	return &alternative{
		exe:       exe,
		script:    script,
		ext:       cfg.volumeExt(),
		noMoments: cfg.NoMoments,
		runner:    runner,
	}
}

func (a *alternative) Name() string { return "alternative" }

func (a *alternative) Register(fixed, moving, outPrefix string, profile Profile) (*Transform, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	args := []string{
		a.script,
		"--fixed", fixed,
		"--moving", moving,
		"--out_prefix", outPrefix,
		"--profile", profile.Name,
		"--affine_lr", fmt.Sprintf("%g", profile.AffineLR),
		"--deform_lr", fmt.Sprintf("%g", profile.DeformLR),
	}
	if a.noMoments {
		args = append(args, "--no-moments")
	}

	res, err := a.runner.Run(a.exe, args...)
	if err != nil {
		return nil, &Error{Backend: a.Name(), Stderr: res.Stderr, Err: err}
	}

	out := ExpectedTransform(outPrefix, a.ext)
	if err := verifyTransform(a.Name(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

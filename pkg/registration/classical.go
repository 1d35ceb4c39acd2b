package registration

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// classical drives the multi-resolution optimization solver
// (antsRegistration). The cascade is Rigid, then Affine, then a
// diffeomorphic SyN stage; the linear stages use a mutual-information
// metric and the deformable stage a local cross-correlation metric, each
// over the profile's shrink/smoothing schedule.
type classical struct {
	exe        string
	convertExe string
	ext        string
	runner     Runner
}

func newClassical(cfg Config, runner Runner) *classical {
	exe := cfg.ClassicalExe
	if exe == "" {
		exe = "antsRegistration"
	}
	convert := cfg.ConvertExe
	if convert == "" {
		convert = "ConvertTransformFile"
	}
	return &classical{exe: exe, convertExe: convert, ext: cfg.volumeExt(), runner: runner}
}

func (c *classical) Name() string { return "classical" }

func (c *classical) Register(fixed, moving, outPrefix string, profile Profile) (*Transform, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	out := ExpectedTransform(outPrefix, c.ext)
	args := c.buildArgs(fixed, moving, outPrefix, out.Warped, profile)

	res, err := c.runner.Run(c.exe, args...)
	if err != nil {
		return nil, &Error{Backend: c.Name(), Stderr: res.Stderr, Err: err}
	}

	// The solver names its outputs by transform index; move them onto
	// the backend-neutral artifact names downstream stages look for.
	renames := map[string]string{
		outPrefix + "1Warp" + c.ext:        out.ForwardWarp,
		outPrefix + "1InverseWarp" + c.ext: out.InverseWarp,
	}
	for from, to := range renames {
		if err := os.Rename(from, to); err != nil {
			return nil, &Error{Backend: c.Name(), Err: fmt.Errorf("missing solver output %s: %w", from, err)}
		}
	}

	// Convert the binary affine into the plain-text homogeneous matrix
	// the transform composer reads.
	res, err = c.runner.Run(c.convertExe, "3",
		outPrefix+"0GenericAffine.mat", out.Affine, "--homogeneousMatrix")
	if err != nil {
		return nil, &Error{Backend: c.Name(), Stderr: res.Stderr, Err: err}
	}

	if err := verifyTransform(c.Name(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// buildArgs assembles the full three-stage command line for one
// registration.
func (c *classical) buildArgs(fixed, moving, outPrefix, warped string, p Profile) []string {
	shrink := joinX(p.Scales)
	smooth := joinX(p.Smoothing) + "vox"
	linearConv := fmt.Sprintf("[%s,1e-6,10]", joinX(p.LinearIterations))
	deformConv := fmt.Sprintf("[%s,1e-6,10]", joinX(p.DeformableIterations))
	miMetric := fmt.Sprintf("MI[%s,%s,1,32,Regular,0.25]", fixed, moving)
	ccMetric := fmt.Sprintf("CC[%s,%s,1,4]", fixed, moving)

	args := []string{
		"--dimensionality", "3",
		"--float", "0",
		"--output", fmt.Sprintf("[%s,%s]", outPrefix, warped),
		"--interpolation", "Linear",
		"--winsorize-image-intensities", "[0.005,0.995]",
		"--initial-moving-transform", fmt.Sprintf("[%s,%s,1]", fixed, moving),
	}
	// Rigid and Affine stages share the information-theoretic metric.
	for _, stage := range []string{"Rigid[0.1]", "Affine[0.1]"} {
		args = append(args,
			"--transform", stage,
			"--metric", miMetric,
			"--convergence", linearConv,
			"--shrink-factors", shrink,
			"--smoothing-sigmas", smooth,
		)
	}
	args = append(args,
		"--transform", "SyN[0.1,3,0]",
		"--metric", ccMetric,
		"--convergence", deformConv,
		"--shrink-factors", shrink,
		"--smoothing-sigmas", smooth,
	)
	return args
}

func joinX(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "x")
}

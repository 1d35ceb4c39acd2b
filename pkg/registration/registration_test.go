package registration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner records every invocation and simulates the solver's
// filesystem side effects by writing the files named in create.
type fakeRunner struct {
	calls  [][]string
	create map[string][]string // created when argv[0] matches the key
	fail   string              // command name that should fail
}

func (f *fakeRunner) Run(name string, args ...string) (Result, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if name == f.fail {
		return Result{Stderr: "solver exploded"}, fmt.Errorf("%s failed: solver exploded", name)
	}
	for _, path := range f.create[name] {
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			return Result{}, err
		}
	}
	return Result{}, nil
}

func testProfile() Profile {
	p, err := LookupProfile("test", nil)
	if err != nil {
		panic(err)
	}
	return p
}

// TestLookupProfileBuiltins verifies every built-in preset resolves and
// validates.
func TestLookupProfileBuiltins(t *testing.T) {
	for _, name := range ProfileNames() {
		p, err := LookupProfile(name, nil)
		if err != nil {
			t.Fatalf("LookupProfile(%q) failed: %v", name, err)
		}
		if p.Name != name {
			t.Errorf("expected profile name %q, got %q", name, p.Name)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("built-in profile %q does not validate: %v", name, err)
		}
	}
}

// TestLookupProfileUnknown verifies unknown names fail with the sentinel.
func TestLookupProfileUnknown(t *testing.T) {
	_, err := LookupProfile("turbo", nil)
	if !errors.Is(err, ErrUnknownProfile) {
		t.Errorf("expected ErrUnknownProfile, got %v", err)
	}
}

// TestLookupProfileExtra verifies configuration-supplied profiles shadow
// the built-ins.
func TestLookupProfileExtra(t *testing.T) {
	extra := []Profile{{
		Name:                 "default",
		Scales:               []int{2, 1},
		Smoothing:            []int{1, 0},
		LinearIterations:     []int{5, 5},
		DeformableIterations: []int{2, 1},
	}}

	p, err := LookupProfile("default", extra)
	if err != nil {
		t.Fatalf("LookupProfile failed: %v", err)
	}
	if p.Levels() != 2 {
		t.Errorf("expected the extra profile's 2 levels, got %d", p.Levels())
	}
}

// TestProfileValidate verifies mismatched level schedules are rejected.
func TestProfileValidate(t *testing.T) {
	p := Profile{
		Name:                 "broken",
		Scales:               []int{4, 2, 1},
		Smoothing:            []int{1, 0},
		LinearIterations:     []int{10, 5, 1},
		DeformableIterations: []int{2, 1, 0},
	}
	if err := p.Validate(); err == nil {
		t.Errorf("expected a validation error for mismatched schedules")
	}
}

// TestNewBackendUnknown verifies the factory rejects unknown names.
func TestNewBackendUnknown(t *testing.T) {
	_, err := NewBackend("gpu2", Config{}, &fakeRunner{})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

// TestExpectedTransform verifies the artifact naming contract both
// backends honor.
func TestExpectedTransform(t *testing.T) {
	tr := ExpectedTransform("/out/warps/subj_", ".nii.gz")
	paths := tr.Paths()
	expected := []string{
		"/out/warps/subj_Warped.nii.gz",
		"/out/warps/subj_Warp.nii.gz",
		"/out/warps/subj_InvWarp.nii.gz",
		"/out/warps/subj_Affine.mat",
	}
	for i, p := range expected {
		if paths[i] != p {
			t.Errorf("artifact %d: expected %s, got %s", i, p, paths[i])
		}
	}
}

// TestClassicalRegister verifies the full classical flow: argument
// construction, index-to-neutral renames, the affine conversion call and
// the returned artifact paths.
func TestClassicalRegister(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "sub_")

	runner := &fakeRunner{create: map[string][]string{
		"antsRegistration": {
			prefix + "Warped.nii.gz",
			prefix + "1Warp.nii.gz",
			prefix + "1InverseWarp.nii.gz",
			prefix + "0GenericAffine.mat",
		},
		"ConvertTransformFile": {prefix + "Affine.mat"},
	}}

	backend, err := NewBackend("classical", Config{}, runner)
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	tr, err := backend.Register("fixed.nii.gz", "moving.nii.gz", prefix, testProfile())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for _, path := range tr.Paths() {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact %s missing: %v", path, err)
		}
	}
	// The index-named solver outputs must be gone after the rename.
	if _, err := os.Stat(prefix + "1Warp.nii.gz"); !os.IsNotExist(err) {
		t.Errorf("expected %s1Warp.nii.gz to be renamed away", prefix)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 external calls, got %d", len(runner.calls))
	}
	solver := strings.Join(runner.calls[0], " ")
	for _, want := range []string{
		"--dimensionality 3",
		"--transform Rigid[0.1]",
		"--transform Affine[0.1]",
		"--transform SyN[0.1,3,0]",
		"--shrink-factors 4x2x1",
		"--smoothing-sigmas 2x1x0vox",
		"--convergence [20x10x5,1e-6,10]",
		"--convergence [8x2x0,1e-6,10]",
		"MI[fixed.nii.gz,moving.nii.gz,1,32,Regular,0.25]",
		"CC[fixed.nii.gz,moving.nii.gz,1,4]",
	} {
		if !strings.Contains(solver, want) {
			t.Errorf("solver command line missing %q:\n%s", want, solver)
		}
	}
	convert := runner.calls[1]
	if convert[0] != "ConvertTransformFile" || convert[len(convert)-1] != "--homogeneousMatrix" {
		t.Errorf("unexpected affine conversion call: %v", convert)
	}
}

// TestClassicalSolverFailure verifies a solver failure surfaces as a
// typed registration error carrying the stderr.
func TestClassicalSolverFailure(t *testing.T) {
	runner := &fakeRunner{fail: "antsRegistration"}
	backend, _ := NewBackend("classical", Config{}, runner)

	_, err := backend.Register("f.nii.gz", "m.nii.gz", filepath.Join(t.TempDir(), "p_"), testProfile())
	var regErr *Error
	if !errors.As(err, &regErr) {
		t.Fatalf("expected a registration Error, got %v", err)
	}
	if regErr.Backend != "classical" {
		t.Errorf("expected backend classical, got %q", regErr.Backend)
	}
	if !strings.Contains(regErr.Stderr, "solver exploded") {
		t.Errorf("expected captured stderr, got %q", regErr.Stderr)
	}
}

// TestClassicalMissingWarp verifies a clean exit without the expected
// deformation field is still a failure.
func TestClassicalMissingWarp(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "sub_")

	// Only the warped image appears; the index-named fields do not.
	runner := &fakeRunner{create: map[string][]string{
		"antsRegistration": {prefix + "Warped.nii.gz"},
	}}
	backend, _ := NewBackend("classical", Config{}, runner)

	_, err := backend.Register("f.nii.gz", "m.nii.gz", prefix, testProfile())
	var regErr *Error
	if !errors.As(err, &regErr) {
		t.Fatalf("expected a registration Error, got %v", err)
	}
}

// TestAlternativeRegister verifies the wrapper invocation and the shared
// artifact contract.
func TestAlternativeRegister(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "sub_")

	runner := &fakeRunner{create: map[string][]string{
		"python3": {
			prefix + "Warped.nii.gz",
			prefix + "Warp.nii.gz",
			prefix + "InvWarp.nii.gz",
			prefix + "Affine.mat",
		},
	}}
	backend, err := NewBackend("alternative", Config{NoMoments: true}, runner)
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}

	tr, err := backend.Register("fixed.nii.gz", "moving.nii.gz", prefix, testProfile())
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, path := range tr.Paths() {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact %s missing: %v", path, err)
		}
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 external call, got %d", len(runner.calls))
	}
	cmd := strings.Join(runner.calls[0], " ")
	for _, want := range []string{
		"python3 fireants_register.py",
		"--fixed fixed.nii.gz",
		"--moving moving.nii.gz",
		"--out_prefix " + prefix,
		"--profile test",
		"--affine_lr 0.003",
		"--deform_lr 0.5",
		"--no-moments",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("wrapper command line missing %q:\n%s", want, cmd)
		}
	}
}

// TestAlternativeMissingArtifact verifies the artifact contract is
// enforced for the wrapper backend too.
func TestAlternativeMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "sub_")

	runner := &fakeRunner{create: map[string][]string{
		"python3": {prefix + "Warped.nii.gz", prefix + "Warp.nii.gz"},
	}}
	backend, _ := NewBackend("alternative", Config{}, runner)

	_, err := backend.Register("f.nii.gz", "m.nii.gz", prefix, testProfile())
	var regErr *Error
	if !errors.As(err, &regErr) {
		t.Fatalf("expected a registration Error, got %v", err)
	}
	if regErr.Backend != "alternative" {
		t.Errorf("expected backend alternative, got %q", regErr.Backend)
	}
}

// TestExecRunnerFailure verifies a real failing command reports its
// stderr.
func TestExecRunnerFailure(t *testing.T) {
	var runner ExecRunner
	_, err := runner.Run("sh", "-c", "echo bad input >&2; exit 3")
	if err == nil {
		t.Fatalf("expected an error from a non-zero exit")
	}
	if !strings.Contains(err.Error(), "bad input") {
		t.Errorf("expected stderr in the error, got %v", err)
	}
}

// TestExecRunnerOutput verifies stdout capture on success.
func TestExecRunnerOutput(t *testing.T) {
	var runner ExecRunner
	res, err := runner.Run("sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("expected captured stdout, got %q", res.Stdout)
	}
}

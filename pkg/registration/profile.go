package registration

import (
	"fmt"
	"sort"
	"strings"
)

// Profile is a named registration parameter set. Each slice holds one
// value per resolution level, coarse to fine; all level slices must have
// the same length. Profiles trade runtime for accuracy purely through
// their iteration counts: a profile whose finest deformable-level count
// is zero skips full-resolution refinement entirely, which is roughly an
// order of magnitude faster.
type Profile struct {
	Name string `yaml:"name"`

	// Scales are the per-level shrink factors (e.g. 8,4,2,1)
	Scales []int `yaml:"scales"`

	// Smoothing are the matched per-level smoothing sigmas in voxels
	Smoothing []int `yaml:"smoothing"`

	// LinearIterations drive the rigid and affine stages
	LinearIterations []int `yaml:"linearIterations"`

	// DeformableIterations drive the diffeomorphic stage
	DeformableIterations []int `yaml:"deformableIterations"`

	// AffineLR and DeformLR are learning rates consumed only by the
	// alternative (GPU) backend
	AffineLR float64 `yaml:"affineLR"`
	DeformLR float64 `yaml:"deformLR"`
}

// Levels returns the number of resolution levels.
func (p Profile) Levels() int { return len(p.Scales) }

// Validate checks that the per-level slices are consistent.
func (p Profile) Validate() error {
	n := len(p.Scales)
	if n == 0 {
		return fmt.Errorf("profile %q has no resolution levels", p.Name)
	}
	if len(p.Smoothing) != n || len(p.LinearIterations) != n || len(p.DeformableIterations) != n {
		return fmt.Errorf("profile %q: scales, smoothing and iteration schedules must all have %d levels", p.Name, n)
	}
	return nil
}

// builtinProfiles are the recognized named parameter sets. The iteration
// schedules for default, balanced and quick follow the production
// presets; test runs a coarse few-iteration schedule over fewer
// resolution levels and exists for exercising the pipeline end to end.
var builtinProfiles = map[string]Profile{
	"default": {
		Name:                 "default",
		Scales:               []int{8, 4, 2, 1},
		Smoothing:            []int{3, 2, 1, 0},
		LinearIterations:     []int{1000, 500, 250, 100},
		DeformableIterations: []int{200, 100, 50, 25},
		AffineLR:             3e-3,
		DeformLR:             0.5,
	},
	"balanced": {
		Name:                 "balanced",
		Scales:               []int{8, 4, 2, 1},
		Smoothing:            []int{3, 2, 1, 0},
		LinearIterations:     []int{1000, 500, 250, 100},
		DeformableIterations: []int{50, 50, 25, 10},
		AffineLR:             3e-3,
		DeformLR:             0.5,
	},
	// quick disables the finest deformable level outright.
	"quick": {
		Name:                 "quick",
		Scales:               []int{8, 4, 2, 1},
		Smoothing:            []int{3, 2, 1, 0},
		LinearIterations:     []int{1000, 500, 250, 100},
		DeformableIterations: []int{100, 50, 25, 0},
		AffineLR:             3e-3,
		DeformLR:             0.5,
	},
	"test": {
		Name:                 "test",
		Scales:               []int{4, 2, 1},
		Smoothing:            []int{2, 1, 0},
		LinearIterations:     []int{20, 10, 5},
		DeformableIterations: []int{8, 2, 0},
		AffineLR:             3e-3,
		DeformLR:             0.5,
	},
}

// LookupProfile resolves a profile name against the built-in presets plus
// any extra profiles supplied through configuration. Unknown names fail
// with ErrUnknownProfile before any external computation is started.
func LookupProfile(name string, extra []Profile) (Profile, error) {
	for _, p := range extra {
		if p.Name == name {
			if err := p.Validate(); err != nil {
				return Profile{}, err
			}
			return p, nil
		}
	}
	if p, ok := builtinProfiles[name]; ok {
		return p, nil
	}
	return Profile{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownProfile, name, strings.Join(ProfileNames(), ", "))
}

// ProfileNames lists the built-in profile names in stable order.
func ProfileNames() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

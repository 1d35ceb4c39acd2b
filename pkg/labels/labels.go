// Package labels resolves a user-supplied label specification into the
// ordered set of segmentation labels the pipeline processes, optionally
// through a name-to-intensity dictionary, and persists the resolved list
// as the authoritative enumeration for every later per-label stage.
package labels

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Label is one resolved entry: a name used in artifact filenames and the
// segmentation intensities belonging to it. A plain numeric label has a
// single intensity equal to its name.
type Label struct {
	Name   string
	Values []int
}

// Set is the ordered collection of resolved labels.
type Set struct {
	Labels []Label
}

// Names returns the label names in resolution order.
func (s *Set) Names() []string {
	names := make([]string, len(s.Labels))
	for i, l := range s.Labels {
		names[i] = l.Name
	}
	return names
}

// Dictionary maps label names to segmentation intensities, preserving
// file order.
type Dictionary struct {
	order   []string
	entries map[string][]int
}

// ReadDictionary parses a CSV dictionary with rows of the form
// "name,intensity[,intensity...]".
func ReadDictionary(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label dictionary %s: %w", path, err)
	}
	defer f.Close()

	d := &Dictionary{entries: make(map[string][]int)}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		name := strings.TrimSpace(fields[0])
		var values []int
		for _, fld := range fields[1:] {
			fld = strings.TrimSpace(fld)
			if fld == "" {
				continue
			}
			v, err := strconv.Atoi(fld)
			if err != nil {
				return nil, fmt.Errorf("label dictionary %s line %d: bad intensity %q", path, line, fld)
			}
			values = append(values, v)
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("label dictionary %s line %d: no intensities for %q", path, line, name)
		}
		if _, dup := d.entries[name]; !dup {
			d.order = append(d.order, name)
		}
		d.entries[name] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read label dictionary %s: %w", path, err)
	}
	return d, nil
}

// Resolve turns a comma-separated label specification into an ordered Set.
// Tokens found in the dictionary resolve to the dictionary's intensity
// groups; when no token matches the dictionary (or no dictionary is
// given), every token must be a plain integer intensity.
func Resolve(spec string, dict *Dictionary) (*Set, error) {
	var tokens []string
	for _, t := range strings.Split(spec, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty label specification")
	}

	set := &Set{}
	if dict != nil {
		for _, t := range tokens {
			if values, ok := dict.entries[t]; ok {
				set.Labels = append(set.Labels, Label{Name: t, Values: values})
			}
		}
	}
	if len(set.Labels) > 0 {
		return set, nil
	}

	// Numeric fallback: all tokens must be integer intensities.
	for _, t := range tokens {
		v, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("label %q not in dictionary and not a numeric intensity", t)
		}
		set.Labels = append(set.Labels, Label{Name: t, Values: []int{v}})
	}
	return set, nil
}

// Save persists the resolved label names, one per line. Once written this
// list is authoritative: later runs load it instead of re-resolving, so a
// changed dictionary cannot silently shift label meaning mid-tree.
func (s *Set) Save(path string) error {
	var b strings.Builder
	for _, l := range s.Labels {
		b.WriteString(l.Name)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write label list %s: %w", path, err)
	}
	return nil
}

// LoadList reads a persisted label-name list written by Save.
func LoadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label list %s: %w", path, err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read label list %s: %w", path, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("label list %s is empty", path)
	}
	return names, nil
}

// Package controls maps checks to the accreditations they evidence.
//
// The mapping is loaded from controls.json documents. Two formats exist:
// the legacy format nests accreditations under arbitrary grouping keys,
//
//	{"checks.github.repos": {"org": {"security": ["soc2", "fedramp"]}}}
//
// and the simplified format lists them directly,
//
//	{"checks.github.repos": ["soc2", "fedramp"]}
//
// Both may appear across merged documents. A simplified entry takes
// precedence for a check present in both; legacy entries for the same
// check merge their accreditation sets.
package controls

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Descriptor is the merged check-to-accreditation mapping.
type Descriptor struct {
	accreds    map[string]map[string]bool
	simplified map[string]bool
	order      []string
}

// NewDescriptor creates an empty mapping.
func NewDescriptor() *Descriptor {
	return &Descriptor{
		accreds:    make(map[string]map[string]bool),
		simplified: make(map[string]bool),
	}
}

// Load reads and merges one or more controls.json files, in order.
func Load(paths ...string) (*Descriptor, error) {
	d := NewDescriptor()
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("controls: read %s: %w", path, err)
		}
		if err := d.Merge(raw); err != nil {
			return nil, fmt.Errorf("controls: %s: %w", path, err)
		}
	}
	return d, nil
}

// Parse builds a mapping from a single controls.json document.
func Parse(raw []byte) (*Descriptor, error) {
	d := NewDescriptor()
	if err := d.Merge(raw); err != nil {
		return nil, err
	}
	return d, nil
}

// Merge folds a controls.json document into the mapping.
func (d *Descriptor) Merge(raw []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("controls: parse: %w", err)
	}

	// Iterate checks in a stable order so merges are deterministic.
	checks := make([]string, 0, len(doc))
	for check := range doc {
		checks = append(checks, check)
	}
	sort.Strings(checks)

	for _, check := range checks {
		entry := doc[check]

		var simple []string
		if err := json.Unmarshal(entry, &simple); err == nil {
			// Simplified entries replace whatever the check had before.
			d.set(check, simple)
			d.simplified[check] = true
			continue
		}

		var legacy map[string]map[string][]string
		if err := json.Unmarshal(entry, &legacy); err != nil {
			return fmt.Errorf("controls: check %q: unrecognized entry format", check)
		}
		if d.simplified[check] {
			// A simplified entry already claimed this check.
			continue
		}
		for _, grouping := range legacy {
			for _, accreds := range grouping {
				d.add(check, accreds)
			}
		}
	}
	return nil
}

func (d *Descriptor) set(check string, accreds []string) {
	if _, seen := d.accreds[check]; seen {
		d.accreds[check] = make(map[string]bool)
	}
	d.add(check, accreds)
}

func (d *Descriptor) add(check string, accreds []string) {
	set, seen := d.accreds[check]
	if !seen {
		set = make(map[string]bool)
		d.accreds[check] = set
		d.order = append(d.order, check)
	}
	for _, a := range accreds {
		set[a] = true
	}
}

// Checks returns the checks mapped to any of the given accreditations, in
// first-seen order. No accreditations means every mapped check.
func (d *Descriptor) Checks(accreditations ...string) []string {
	var out []string
	for _, check := range d.order {
		if len(accreditations) == 0 {
			out = append(out, check)
			continue
		}
		for _, a := range accreditations {
			if d.accreds[check][a] {
				out = append(out, check)
				break
			}
		}
	}
	return out
}

// Accreditations returns every accreditation named by the mapping, sorted.
func (d *Descriptor) Accreditations() []string {
	set := make(map[string]bool)
	for _, accreds := range d.accreds {
		for a := range accreds {
			set[a] = true
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AccreditationsFor returns the accreditations a check evidences, sorted.
func (d *Descriptor) AccreditationsFor(check string) []string {
	out := make([]string, 0, len(d.accreds[check]))
	for a := range d.accreds[check] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// HasCheck reports whether the check appears in the mapping.
func (d *Descriptor) HasCheck(check string) bool {
	_, ok := d.accreds[check]
	return ok
}

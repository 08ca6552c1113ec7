// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trampoline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PatchSpec locates one field in a built image.
type PatchSpec struct {
	Name   string `yaml:"name"`
	Offset int    `yaml:"offset"`
	Size   int    `yaml:"size"`
}

// MarkSpec is a Mark in manifest form.
type MarkSpec struct {
	State  string `yaml:"state"`
	Offset int    `yaml:"offset"`
}

// Manifest tells a loader where to place the image and what to patch.
type Manifest struct {
	Base           uint64      `yaml:"base"`
	StartupVector  uint8       `yaml:"startup_vector"`
	MaxCPUs        int         `yaml:"max_cpus"`
	NX             string      `yaml:"nx"`
	LazyPageTables bool        `yaml:"lazy_page_tables"`
	Layout         Layout      `yaml:"layout"`
	Patches        []PatchSpec `yaml:"patches"`
	Marks          []MarkSpec  `yaml:"marks,omitempty"`
}

// Manifest describes img.
func (img *Image) Manifest() Manifest {
	m := Manifest{
		Base:           uint64(img.cfg.Base),
		StartupVector:  img.StartupVector(),
		MaxCPUs:        img.cfg.MaxCPUs,
		NX:             img.cfg.NX.String(),
		LazyPageTables: img.cfg.LazyPageTables,
		Layout:         img.layout,
	}
	for _, f := range Fields {
		m.Patches = append(m.Patches, PatchSpec{Name: f.String(), Offset: img.fields[f], Size: f.Size()})
	}
	for _, mk := range img.marks {
		m.Marks = append(m.Marks, MarkSpec{State: mk.State.String(), Offset: mk.Offset})
	}
	return m
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// ParseManifest decodes a YAML manifest and checks that every field is
// described and lies within the image.
func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	seen := make(map[Field]bool)
	for _, p := range m.Patches {
		f, err := ParseField(p.Name)
		if err != nil {
			return nil, err
		}
		if p.Size != f.Size() || p.Offset < 0 || p.Offset+p.Size > m.Layout.Size {
			return nil, fmt.Errorf("patch %q at %d/%d outside image of %d bytes", p.Name, p.Offset, p.Size, m.Layout.Size)
		}
		seen[f] = true
	}
	for _, f := range Fields {
		if !seen[f] {
			return nil, fmt.Errorf("manifest lacks patch %q", f)
		}
	}
	return &m, nil
}

// Patch applies values to a raw image using the manifest's offsets.
func (m *Manifest) Patch(image []byte, values map[Field]uint64) error {
	if len(image) < m.Layout.Size {
		return fmt.Errorf("image is %d bytes, manifest says %d", len(image), m.Layout.Size)
	}
	for _, p := range m.Patches {
		f, err := ParseField(p.Name)
		if err != nil {
			return err
		}
		v, ok := values[f]
		if !ok {
			return fmt.Errorf("no value for %v: %w", f, ErrUnpatched)
		}
		if p.Size < 8 && v>>(8*p.Size) != 0 {
			return fmt.Errorf("%v value %#x does not fit %d bytes: %w", f, v, p.Size, ErrBadPatch)
		}
		for i := 0; i < p.Size; i++ {
			image[p.Offset+i] = byte(v >> (8 * i))
		}
	}
	return nil
}

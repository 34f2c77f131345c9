// Copyright 2024 OvlStack Authors
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

package memlayer

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"ovlstack/internal/layer"
)

// HexPrefix marks manifest xattr values given as hex bytes.
const HexPrefix = "0x"

// Manifest describes a store tree in YAML.
//
//	uuid: nil
//	entries:
//	  - path: a/b
//	    kind: directory
//	    xattrs:
//	      trusted.overlay.opaque: "y"
//	  - path: a/c
//	    link: a/b/f
type Manifest struct {
	// UUID is a filesystem UUID, "nil" for the zero UUID, or empty for a
	// random one.
	UUID    string          `yaml:"uuid"`
	Entries []ManifestEntry `yaml:"entries"`
}

// ManifestEntry is one entry in a Manifest.
type ManifestEntry struct {
	Path   string            `yaml:"path"`
	Kind   string            `yaml:"kind"`
	Link   string            `yaml:"link"`
	Xattrs map[string]string `yaml:"xattrs"`
}

// LoadManifest reads a manifest file and builds the store it describes.
func LoadManifest(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest builds a store from manifest YAML.
func ParseManifest(data []byte) (*Store, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m.Build()
}

// Build creates a store populated with the manifest entries, in order.
func (m *Manifest) Build() (*Store, error) {
	var opts []Option
	switch strings.ToLower(m.UUID) {
	case "":
	case "nil":
		opts = append(opts, WithUUID(uuid.Nil))
	default:
		id, err := uuid.Parse(m.UUID)
		if err != nil {
			return nil, fmt.Errorf("invalid manifest uuid: %w", err)
		}
		opts = append(opts, WithUUID(id))
	}
	s := New(opts...)

	for _, e := range m.Entries {
		if err := m.apply(s, e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (m *Manifest) apply(s *Store, e ManifestEntry) error {
	switch {
	case e.Link != "":
		if err := s.Link(e.Link, e.Path); err != nil {
			return fmt.Errorf("link %s: %w", e.Path, err)
		}
	case e.Kind == "":
		if err := s.Create(e.Path, layer.KindRegular); err != nil {
			return fmt.Errorf("create %s: %w", e.Path, err)
		}
	default:
		kind, err := layer.ParseKind(e.Kind)
		if err != nil {
			return fmt.Errorf("entry %s: %w", e.Path, err)
		}
		if kind == layer.KindDirectory {
			err = s.Mkdir(e.Path)
		} else {
			err = s.Create(e.Path, kind)
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", e.Path, err)
		}
	}

	for name, raw := range e.Xattrs {
		value, err := DecodeXattrValue(raw)
		if err != nil {
			return fmt.Errorf("entry %s xattr %s: %w", e.Path, name, err)
		}
		if err := s.SetXattrPath(e.Path, name, value); err != nil {
			return fmt.Errorf("entry %s xattr %s: %w", e.Path, name, err)
		}
	}
	return nil
}

// DecodeXattrValue decodes a manifest xattr value. Values starting with
// HexPrefix are hex, everything else is taken literally.
func DecodeXattrValue(raw string) ([]byte, error) {
	if strings.HasPrefix(raw, HexPrefix) {
		return hex.DecodeString(raw[len(HexPrefix):])
	}
	return []byte(raw), nil
}

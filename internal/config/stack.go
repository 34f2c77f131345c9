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

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ovlstack/internal/overlay"
)

// LayerConfig names one layer: a store and the directory inside it the
// layer is rooted at.
type LayerConfig struct {
	Store string `yaml:"store"`
	Root  string `yaml:"root"`
}

// OptionsConfig holds the overlay options as written in a stack file.
// Pointers detect missing fields so defaults can be applied.
type OptionsConfig struct {
	RedirectFollow *bool  `yaml:"redirect_follow"` // default: true
	Metacopy       bool   `yaml:"metacopy"`
	Index          bool   `yaml:"index"`
	IndexAll       bool   `yaml:"index_all"`
	NFSExport      bool   `yaml:"nfs_export"`
	VerifyLower    bool   `yaml:"verify_lower"`
	UUID           string `yaml:"uuid"` // on, null, off (default: on)
	UserXattr      bool   `yaml:"userxattr"`
	NameMax        int    `yaml:"name_max"` // default: 255
}

// UnmarshalYAML decodes the options mapping. YAML reads a bare
// `uuid: null` as a null value rather than a string, so a null uuid is
// taken as the null policy instead of falling back to the default.
func (o *OptionsConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain OptionsConfig
	if err := value.Decode((*plain)(o)); err != nil {
		return err
	}
	if value.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, v := value.Content[i], value.Content[i+1]
		if key.Value == "uuid" && v.ShortTag() == "!!null" {
			o.UUID = overlay.UUIDNull.String()
		}
	}
	return nil
}

// StackConfig describes an overlay stack
type StackConfig struct {
	Upper        *LayerConfig  `yaml:"upper"`
	IndexDir     string        `yaml:"index_dir"`
	Lowers       []LayerConfig `yaml:"lowers"`
	Options      OptionsConfig `yaml:"options"`
	Unprivileged bool          `yaml:"unprivileged"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *StackConfig) ApplyDefaults() {
	if cfg.Options.RedirectFollow == nil {
		t := true
		cfg.Options.RedirectFollow = &t
	}
	if cfg.Options.UUID == "" {
		cfg.Options.UUID = overlay.UUIDOn.String()
	}
	if cfg.Options.NameMax == 0 {
		cfg.Options.NameMax = overlay.DefaultNameMax
	}
	if cfg.IndexDir == "" && cfg.Options.Index {
		cfg.IndexDir = "work/index"
	}
}

// ToOverlay converts the options section into overlay options.
func (cfg *StackConfig) ToOverlay() (overlay.Options, error) {
	policy, err := overlay.ParseUUIDPolicy(cfg.Options.UUID)
	if err != nil {
		return overlay.Options{}, err
	}
	o := overlay.Options{
		RedirectFollow: cfg.Options.RedirectFollow == nil || *cfg.Options.RedirectFollow,
		Metacopy:       cfg.Options.Metacopy,
		Index:          cfg.Options.Index,
		IndexAll:       cfg.Options.IndexAll,
		NFSExport:      cfg.Options.NFSExport,
		VerifyLower:    cfg.Options.VerifyLower,
		UUID:           policy,
		UserXattr:      cfg.Options.UserXattr,
		NameMax:        cfg.Options.NameMax,
	}
	return o, o.Validate()
}

// Validate checks the stack shape and the options.
func (cfg *StackConfig) Validate() error {
	if len(cfg.Lowers) == 0 {
		return fmt.Errorf("stack needs at least one lower layer")
	}
	for i, l := range cfg.Lowers {
		if l.Store == "" {
			return fmt.Errorf("lower layer %d: missing store", i+1)
		}
	}
	if cfg.Upper != nil && cfg.Upper.Store == "" {
		return fmt.Errorf("upper layer: missing store")
	}
	if cfg.Options.Index && cfg.Upper == nil {
		return fmt.Errorf("index requires an upper layer")
	}
	_, err := cfg.ToOverlay()
	return err
}

// resolvePaths makes relative store paths relative to dir.
func (cfg *StackConfig) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	if cfg.Upper != nil {
		cfg.Upper.Store = abs(cfg.Upper.Store)
	}
	for i := range cfg.Lowers {
		cfg.Lowers[i].Store = abs(cfg.Lowers[i].Store)
	}
}

// ParseStackConfig parses a stack description. Relative store paths are
// resolved against dir.
func ParseStackConfig(data []byte, dir string) (*StackConfig, error) {
	var cfg StackConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	cfg.resolvePaths(dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStackConfig loads a stack description from a file.
func LoadStackConfig(path string) (*StackConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseStackConfig(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

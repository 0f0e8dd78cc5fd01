package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
	"github.com/xtxerr/raintier/internal/validation"
)

// Manifest declares the StoreGroups: per timeframe, the ordered tiers from
// shallow to deep, plus the active/standby pairs used for rotation.
//
//	groups:
//	  - timeframe: 5min
//	    tiers:
//	      - {name: real1, path: 5min/real1, prodcode: realtime, drain_to: real2}
//	      - {name: real2, path: 5min/real2}
//	pairs:
//	  - {name: nowcast, timeframe: 5min, stores: [5min/nowcast-a, 5min/nowcast-b]}
type Manifest struct {
	Groups []GroupSpec `yaml:"groups"`
	Pairs  []PairSpec  `yaml:"pairs"`
}

// GroupSpec lists the tiers of one timeframe in promotion order.
type GroupSpec struct {
	Timeframe string     `yaml:"timeframe"`
	Tiers     []TierSpec `yaml:"tiers"`
}

// TierSpec describes one store of a group.
type TierSpec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`

	// Prodcode routes published products of that prodcode into this tier.
	Prodcode string `yaml:"prodcode,omitempty"`

	// DrainTo names a deeper tier that Promote moves this tier's data into.
	DrainTo string `yaml:"drain_to,omitempty"`
}

// PairSpec describes an active/standby pair of stores.
type PairSpec struct {
	Name      string   `yaml:"name"`
	Timeframe string   `yaml:"timeframe"`
	Stores    []string `yaml:"stores"`
}

// LoadManifest reads and validates a manifest, resolving relative store paths
// against baseDir.
func LoadManifest(path, baseDir string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data, baseDir)
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte, baseDir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: manifest: %w", rterrors.ErrInvalidConfig, err)
	}
	m.resolve(baseDir)
	return &m, nil
}

// Validate checks names, ordering and references.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[types.Timeframe]bool)

	for gi, g := range m.Groups {
		tf, err := types.ParseTimeframe(g.Timeframe)
		if err != nil {
			errs = append(errs, fmt.Errorf("group %d: %w", gi, err))
			continue
		}
		if seen[tf] {
			errs = append(errs, fmt.Errorf("group %s: duplicate timeframe", tf))
		}
		seen[tf] = true

		if len(g.Tiers) == 0 {
			errs = append(errs, fmt.Errorf("group %s: no tiers", tf))
		}

		pos := make(map[string]int, len(g.Tiers))
		for i, t := range g.Tiers {
			if t.Name == "" || t.Path == "" {
				errs = append(errs, fmt.Errorf("group %s tier %d: name and path are required", tf, i))
				continue
			}
			if err := validation.ValidateTierName(t.Name); err != nil {
				errs = append(errs, fmt.Errorf("group %s tier %d: %w", tf, i, err))
			}
			if _, dup := pos[t.Name]; dup {
				errs = append(errs, fmt.Errorf("group %s: duplicate tier %s", tf, t.Name))
			}
			pos[t.Name] = i
			if t.Prodcode != "" {
				if _, err := types.ParseProdcode(t.Prodcode); err != nil {
					errs = append(errs, fmt.Errorf("group %s tier %s: %w", tf, t.Name, err))
				}
			}
		}
		for i, t := range g.Tiers {
			if t.DrainTo == "" {
				continue
			}
			j, ok := pos[t.DrainTo]
			if !ok {
				errs = append(errs, fmt.Errorf("group %s tier %s: drain_to %s does not exist", tf, t.Name, t.DrainTo))
			} else if j <= i {
				errs = append(errs, fmt.Errorf("group %s tier %s: drain_to %s is not deeper", tf, t.Name, t.DrainTo))
			}
		}
	}

	names := make(map[string]bool)
	for pi, p := range m.Pairs {
		if err := validation.ValidateTierName(p.Name); err != nil {
			errs = append(errs, fmt.Errorf("pair %d: %w", pi, err))
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("pair %s: duplicate name", p.Name))
		}
		names[p.Name] = true
		if _, err := types.ParseTimeframe(p.Timeframe); err != nil {
			errs = append(errs, fmt.Errorf("pair %s: %w", p.Name, err))
		}
		if len(p.Stores) != 2 || p.Stores[0] == p.Stores[1] {
			errs = append(errs, fmt.Errorf("pair %s: exactly two distinct stores are required", p.Name))
		}
	}

	return errors.Join(errs...)
}

func (m *Manifest) resolve(baseDir string) {
	abs := func(p string) string {
		if filepath.IsAbs(p) || baseDir == "" {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	for gi := range m.Groups {
		for ti := range m.Groups[gi].Tiers {
			m.Groups[gi].Tiers[ti].Path = abs(m.Groups[gi].Tiers[ti].Path)
		}
	}
	for pi := range m.Pairs {
		for si := range m.Pairs[pi].Stores {
			m.Pairs[pi].Stores[si] = abs(m.Pairs[pi].Stores[si])
		}
	}
}

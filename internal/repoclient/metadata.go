package repoclient

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"secd/internal/run"
)

const (
	defaultRunFor    = 3.0
	defaultMountPath = "/cache"
)

// rawSecdYAML mirrors secd.yml's on-disk shape; pointer fields
// distinguish "absent" from "explicitly zero value".
type rawSecdYAML struct {
	RunFor       *float64 `yaml:"runfor"`
	GPU          *bool    `yaml:"gpu"`
	DatabaseName string   `yaml:"database_name"`
	DatabaseType string   `yaml:"database_type"`
	CacheDir     string   `yaml:"cache_dir"`
	MountPath    string   `yaml:"mount_path"`
}

// ParseMetadata reads secd.yml from a checkout. A missing file is not
// an error; the documented defaults apply.
func ParseMetadata(path string) (run.Metadata, error) {
	md := run.Metadata{
		RunFor:    defaultRunFor,
		GPU:       false,
		MountPath: defaultMountPath,
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return md, nil
	}
	if err != nil {
		return run.Metadata{}, fmt.Errorf("repoclient: reading %s: %w", path, err)
	}

	var raw rawSecdYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return run.Metadata{}, fmt.Errorf("repoclient: parsing %s: %w", path, err)
	}

	if raw.RunFor != nil {
		md.RunFor = *raw.RunFor
	}
	if raw.GPU != nil {
		md.GPU = *raw.GPU
	}
	md.DatabaseName = raw.DatabaseName
	md.DatabaseType = run.DatabaseType(raw.DatabaseType)
	md.CacheDir = raw.CacheDir
	if raw.MountPath != "" {
		md.MountPath = raw.MountPath
	}
	return md, nil
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/ratewall/internal/errors"
)

// Load reads, decodes, normalizes and validates an HCL configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "read config file %s", path)
	}
	return Parse(path, data)
}

// Parse decodes HCL source. The filename is only used in diagnostics.
func Parse(filename string, src []byte) (*Config, error) {
	var c Config
	if err := hclsimple.Decode(filename, src, nil, &c); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode config")
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

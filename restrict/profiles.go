// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package restrict

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// LoadProfiles reads a JSONC file of named restriction presets. The
// file maps profile names to policies; create requests may name a
// profile instead of inlining one:
//
//	{
//	  // contributors get the project tree, nothing else
//	  "workspace": {
//	    "restrictToPath": "/srv/project",
//	    "blockedCommands": ["sudo", "ssh"],
//	  },
//	  "readonly": {"readOnlyMode": true},
//	}
//
// Line comments, block comments, and trailing commas are allowed.
func LoadProfiles(path string) (map[string]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseProfiles(data)
}

// ParseProfiles strips JSONC comments and trailing commas from data
// and unmarshals the profile map.
func ParseProfiles(data []byte) (map[string]Policy, error) {
	stripped := jsonc.ToJSON(data)

	var profiles map[string]Policy
	if err := json.Unmarshal(stripped, &profiles); err != nil {
		return nil, fmt.Errorf("parsing profiles: %w", err)
	}
	return profiles, nil
}

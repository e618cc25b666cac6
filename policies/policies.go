// Package policies embeds the built-in STIG rule tables into the binary.
package policies

import "embed"

// Embedded contains all built-in rule table YAML files.
//
//go:embed builtin/*.yaml
var Embedded embed.FS

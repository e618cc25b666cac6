// Package main - platform registrations.
//
// Blank-import each parser package to trigger its init() function,
// which registers the platform with the parser registry.
//
// To add a new platform, add a blank import here:
//
//	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/cisco"
package main

import (
	// Register all supported configuration parsers.
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/arista"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/aruba"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/juniper"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/mellanox"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/pfsense"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/redhat"
)

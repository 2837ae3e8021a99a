// Package defaults provides the embedded starter configuration written
// by the stockagent init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented config.yaml with every default spelled out.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample lists the environment variables config.example.yaml reads.
//
//go:embed env.example
var EnvExample []byte

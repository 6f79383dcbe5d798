// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// CorpusConfigSchema is the embedded corpus-configuration JSON schema.
//
// This allows configuration validation to work in installed binaries and
// library consumers without requiring the schema files to be present on disk.
//
//go:embed corpus-config.schema.json
var CorpusConfigSchema []byte

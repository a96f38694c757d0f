// Package defaults bundles the example configuration installed by
// "towncrier init".
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.yaml
var ConfigYAML []byte

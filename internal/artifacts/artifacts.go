// Package artifacts embeds the default files written into a new config dir.
package artifacts

import _ "embed"

// Global artifacts

//go:embed global/settings.yaml
var GlobalSettings []byte

//go:embed global/stack.yaml
var StackTemplate []byte

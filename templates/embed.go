// Package templates embeds the default agent configuration and rule set.
package templates

import "embed"

//go:embed config.yaml rules.yaml
var FS embed.FS

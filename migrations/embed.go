// Package migrations embeds the versioned schema so binaries and tests apply the same files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

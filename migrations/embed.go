package migrations

import "embed"

// Files exposes embedded SQL migration files, one directory per database
// dialect, ordered lexicographically within each.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

// Package migrations provides embedded SQL migration files, one directory
// per service schema.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed upload/*.sql payment/*.sql
var sqlFiles embed.FS

// FS returns the embedded SQL migration files.
func FS() fs.FS {
	return sqlFiles
}

// Package migrations holds the PostgreSQL schema for the default namespace.
// Tables for other namespaces are created by the store on Initialize.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Package builtin registers every backend compiled into the binary.
package builtin

import (
	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/backend/bolt"
	"github.com/arkilian/iobench/internal/backend/object"
	"github.com/arkilian/iobench/internal/backend/posix"
	"github.com/arkilian/iobench/internal/backend/sqlite"
)

type registration struct {
	id      string
	factory backend.Factory
	aliases []string
}

// optional holds backends gated behind build tags.
var optional []registration

// Register adds all compiled-in backends to r.
func Register(r *backend.Registry) {
	r.Register(posix.ID, posix.New, "file")
	r.Register(sqlite.ID, sqlite.New, "sqlite3")
	r.Register(object.ID, object.New, "s3")
	r.Register(bolt.ID, bolt.New, "bbolt")
	for _, reg := range optional {
		r.Register(reg.id, reg.factory, reg.aliases...)
	}
}

// NewRegistry returns a registry holding all compiled-in backends.
func NewRegistry() *backend.Registry {
	r := backend.NewRegistry()
	Register(r)
	return r
}

//go:build rocksdb

package builtin

import "github.com/arkilian/iobench/internal/backend/rocksdb"

func init() {
	optional = append(optional, registration{id: rocksdb.ID, factory: rocksdb.New})
}

package sqlite

import "github.com/leafsii/stash/pkg/kv"

func init() {
	kv.RegisterBackend(kv.BackendSQLite, func(cfg kv.Config) (kv.Store, error) {
		return New(cfg)
	})
}

package postgres

import "github.com/leafsii/stash/pkg/kv"

func init() {
	kv.RegisterBackend(kv.BackendPostgres, func(cfg kv.Config) (kv.Store, error) {
		return New(cfg)
	})
}

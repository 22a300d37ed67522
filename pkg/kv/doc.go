// Package kv defines the storage capability shared by every stash backend
// and the builder that selects one from a connection URI.
//
// A backend package registers itself on import:
//
//	import _ "github.com/leafsii/stash/pkg/kv/sqlite"
//
//	store, err := kv.NewBuilder().
//		URI("sqlite://data/app.db").
//		Namespace("sessions").
//		Build(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	if err := store.Initialize(ctx); err != nil {
//		log.Fatal(err)
//	}
//	prev, err := store.Set(ctx, "user:1", json.RawMessage(`{"name":"ada"}`), time.Minute)
//
// Values travel as JSON. Entries with an expiry are masked at read time once
// the expiry passes, whether or not the backend has purged them yet. Errors
// carry one of the kinds declared in errors.go and are matched with errors.Is.
//
// Redis may be wrapped in a FailoverStore that serves from an in-memory
// fallback while Redis is unreachable.
package kv

package memory

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/leafsii/stash/pkg/kv"
)

func init() {
	kv.RegisterBackend(kv.BackendMemory, func(cfg kv.Config) (kv.Store, error) {
		sp := newSpace()
		if cfg.Target != "" {
			sp = namedSpace(cfg.Target)
		}
		s := New(sp.partition(cfg.Namespace), cfg.JanitorInterval, cfg.Clock)
		s.logger = cfg.Logger
		return s, nil
	})
}

// space is a set of namespaces sharing one process-local lifetime.
type space struct {
	namespaces *xsync.MapOf[string, *xsync.MapOf[string, kv.Entry]]
}

func newSpace() *space {
	return &space{namespaces: xsync.NewMapOf[string, *xsync.MapOf[string, kv.Entry]]()}
}

func (s *space) partition(namespace string) *xsync.MapOf[string, kv.Entry] {
	data, _ := s.namespaces.LoadOrCompute(namespace, func() *xsync.MapOf[string, kv.Entry] {
		return xsync.NewMapOf[string, kv.Entry]()
	})
	return data
}

// spaces holds the named spaces selected with memory://<name>. They live for
// the rest of the process.
var spaces = xsync.NewMapOf[string, *space]()

func namedSpace(name string) *space {
	sp, _ := spaces.LoadOrCompute(name, newSpace)
	return sp
}

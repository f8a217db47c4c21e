package stages

import (
	"context"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
)

// banSessionCheck applies the access control list. Entries are
// person_<id>, group_<id>, person_*, group_* or *.
type banSessionCheck struct {
	access config.AccessControl
}

func (s *banSessionCheck) Process(_ context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	var allowed bool
	if s.access.Mode == "whitelist" {
		allowed = listed(s.access.Whitelist, q)
	} else {
		allowed = !listed(s.access.Blacklist, q)
	}
	if allowed {
		return single(pipeline.ContinueWith(q))
	}
	return single(&pipeline.Result{
		Type:        pipeline.Interrupt,
		NewQuery:    q,
		DebugNotice: "session " + string(q.LauncherType) + "_" + q.LauncherID + " denied by access control",
	})
}

func listed(entries []string, q *query.Query) bool {
	id := string(q.LauncherType) + "_" + q.LauncherID
	wildcard := string(q.LauncherType) + "_*"
	for _, e := range entries {
		if e == "*" || e == id || e == wildcard {
			return true
		}
	}
	return false
}

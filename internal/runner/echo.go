package runner

import (
	"context"
	"iter"

	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// EchoName is the registry name of Echo.
const EchoName = "echo-runner"

// Echo answers with the user's text prefixed by "echo:". It needs no model
// and is used for smoke tests of a deployment.
type Echo struct{}

func (Echo) Run(_ context.Context, q *query.Query) iter.Seq2[models.Response, error] {
	return func(yield func(models.Response, error) bool) {
		text := q.Chain.Text()
		if q.UserMessage != nil {
			text = q.UserMessage.Text()
		}
		yield(&models.Message{Role: models.RoleAssistant, Content: "echo:" + text}, nil)
	}
}

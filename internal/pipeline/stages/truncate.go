package stages

import (
	"context"

	"github.com/haasonsaas/switchboard/internal/pipeline"
	"github.com/haasonsaas/switchboard/internal/query"
	"github.com/haasonsaas/switchboard/pkg/models"
)

const defaultMaxRound = 10

// truncator keeps the newest max-round rounds of history. A round starts at
// a user message and runs until the next one.
type truncator struct{}

func (truncator) Process(_ context.Context, q *query.Query, _ string) (pipeline.Output, error) {
	maxRound := pipelineConfig(q).AI.LocalAgent.MaxRound
	if maxRound <= 0 {
		maxRound = defaultMaxRound
	}
	q.Messages = truncateRounds(q.Messages, maxRound)
	return single(pipeline.ContinueWith(q))
}

func truncateRounds(msgs []*models.Message, maxRound int) []*models.Message {
	rounds := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleUser {
			continue
		}
		rounds++
		if rounds == maxRound {
			return msgs[i:]
		}
	}
	return msgs
}

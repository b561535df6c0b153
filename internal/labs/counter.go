package labs

import (
	"log/slog"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/pkg/api"
)

const (
	CounterWorkflow = "CounterWorkflow"
	IncrementSignal = "increment"
	GetCountQuery   = "get_count"
)

type counterState struct {
	Count int
}

// counterWorkflow runs until cancelled, logging its count every ten units.
// Only signals change the count.
func (l *labs) counterWorkflow() durex.WorkflowDefinition {
	return api.NewWorkflow(CounterWorkflow, func(ctx durex.Context, s *counterState, _ any) (any, error) {
		for {
			if err := ctx.Sleep(l.d(10)); err != nil {
				return s.Count, err
			}
			ctx.Logger().Info("current count", slog.Int("count", s.Count))
		}
	}).
		OnSignal(IncrementSignal, func(s *counterState, _ any) error {
			s.Count++
			return nil
		}).
		OnQuery(GetCountQuery, func(s *counterState, _ any) (any, error) {
			return s.Count, nil
		}).
		Definition()
}

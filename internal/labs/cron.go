package labs

import (
	"log/slog"
	"time"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/pkg/api"
)

const (
	CronWorkflow         = "CronWorkflow"
	AddMessageSignal     = "add_message"
	StopProcessingSignal = "stop_processing"

	cronBatchSize = 5
)

type cronState struct {
	Messages   []string
	ShouldStop bool
}

// cronWorkflow collects messages until stopped, a batch is full or thirty
// units pass, then reports what it collected.
func (l *labs) cronWorkflow() durex.WorkflowDefinition {
	return api.NewWorkflow(CronWorkflow, func(ctx durex.Context, s *cronState, input any) (any, error) {
		task, _ := input.(string)
		ctx.Logger().Info("processing task", slog.String("task", task))

		if _, err := ctx.Await(l.d(30), func() bool {
			return s.ShouldStop || len(s.Messages) >= cronBatchSize
		}); err != nil {
			return nil, err
		}

		return map[string]any{
			"task":               task,
			"messages_processed": len(s.Messages),
			"messages":           append([]string{}, s.Messages...),
			"completed_at":       ctx.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}).
		OnSignal(AddMessageSignal, func(s *cronState, payload any) error {
			msg, _ := payload.(string)
			s.Messages = append(s.Messages, msg)
			return nil
		}).
		OnSignal(StopProcessingSignal, func(s *cronState, _ any) error {
			s.ShouldStop = true
			return nil
		}).
		Definition()
}

package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// sagaStep is one forward action of a saga with its optional undo.
type sagaStep struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// runSaga executes steps in order.  When a step fails, the compensations
// of the steps that already succeeded run in reverse order and the
// original error is returned.  Compensation failures are logged only.
//
// Compensations get a context detached from ctx's cancellation, so a
// caller that gave up still has its partial work undone.
func runSaga(ctx context.Context, log *zap.Logger, timeout time.Duration, steps ...sagaStep) error {
	for i, st := range steps {
		err := st.run(ctx)
		if err == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		for j := i - 1; j >= 0; j-- {
			if steps[j].compensate == nil {
				continue
			}
			if cerr := steps[j].compensate(cctx); cerr != nil {
				log.Error("saga compensation failed",
					zap.String("step", steps[j].name),
					zap.String("failed_step", st.name),
					zap.NamedError("cause", err),
					zap.Error(cerr))
			}
		}
		cancel()
		return err
	}
	return nil
}

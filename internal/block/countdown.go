package block

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/seantiz/kiln/internal/jobctx"
	"github.com/seantiz/kiln/internal/model"
)

// Countdown returns a block that counts down "steps" steps, sleeping
// "delay_ms" between them. Each step reports 1/steps progress, writes the
// remaining count as intermediate output and refreshes its config, so an
// update to "steps" while running takes effect. "fail_at" makes the job fail
// at that step.
func Countdown() Block {
	return Block{
		Name:        "countdown",
		Description: "counts down with progress and intermediate output",
		Defaults: model.Values{
			"steps":    model.Plain(float64(5)),
			"delay_ms": model.Plain(float64(10)),
			"fail_at":  model.Plain(float64(-1)),
		},
		Run: runCountdown,
	}
}

func runCountdown(ctx context.Context, jc *jobctx.Context) (model.Values, error) {
	steps, err := jc.Int("steps")
	if err != nil {
		return nil, errors.Wrap(err, "read steps")
	}
	if steps <= 0 {
		return nil, errors.Errorf("steps must be positive, got %d", steps)
	}

	done := 0
	for done < steps {
		delay, err := jc.Int("delay_ms")
		if err != nil {
			return nil, errors.Wrap(err, "read delay_ms")
		}
		failAt, err := jc.Int("fail_at")
		if err != nil {
			return nil, errors.Wrap(err, "read fail_at")
		}
		if done == failAt {
			return nil, errors.Errorf("countdown failed at step %d", done)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "countdown interrupted")
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}

		done++
		if err := jc.Progress().Update(ctx, 1/float64(steps)); err != nil {
			return nil, errors.Wrap(err, "report progress")
		}
		if err := jc.WriteIntermediate(ctx, model.Values{
			"remaining": model.Plain(float64(steps - done)),
		}); err != nil {
			return nil, err
		}

		if changed, err := jc.Refresh(ctx); err != nil {
			return nil, err
		} else if changed {
			if n, err := jc.Int("steps"); err == nil && n > 0 {
				steps = n
			}
		}
	}

	return model.Values{
		"remaining": model.Plain(float64(0)),
		"steps":     model.Plain(float64(done)),
	}, nil
}

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hal9999/hal/internal/domain"
	"github.com/hal9999/hal/internal/events"
	"github.com/hal9999/hal/internal/logging"
	"github.com/hal9999/hal/internal/metrics"
	"github.com/hal9999/hal/internal/wrapper"
)

// maxPollFailures bounds consecutive failed poll round trips before the
// task is declared unreachable. A single flaky probe must not kill a
// healthy agent run.
const maxPollFailures = 5

// pollAndCollect runs the poll loop against a freshly launched agent and
// then the collect phase.
func (o *Orchestrator) pollAndCollect(ctx context.Context, t *domain.Task, opts Options,
	runner wrapper.Runner, ew *events.Writer, lw *events.LogWriter) outcome {

	agentCfg, err := o.catalog.Get(t.Agent)
	if err != nil {
		return failOutcome(err)
	}
	return o.pollLoop(ctx, t, runner, ew, lw, 0, agentCfg.EffectiveTimeout())
}

// pollLoop polls the VM every PollInterval until the sentinel appears or
// the budget runs out, then collects. It owns the local log offset; every
// byte of agent output is appended exactly once.
func (o *Orchestrator) pollLoop(ctx context.Context, t *domain.Task,
	runner wrapper.Runner, ew *events.Writer, lw *events.LogWriter,
	offset int64, budget time.Duration) outcome {

	var (
		failures int
		timedOut bool
		started  = time.Now()
	)
	for {
		select {
		case <-ctx.Done():
			return failOutcome(ctx.Err())
		case <-time.After(o.pollInterval):
		}

		probeStart := time.Now()
		st, err := wrapper.Poll(ctx, runner)
		metrics.ObserveDuration(metrics.Default().PollRoundTrip, probeStart)
		if err != nil {
			failures++
			logging.Op().Warn("poll failed", "task", t.Slug, "failures", failures, "error", err)
			if failures >= maxPollFailures {
				return failOutcome(fmt.Errorf("vm unreachable after %d poll attempts: %w", failures, err))
			}
			continue
		}
		failures = 0

		// Heartbeat: the GC tells live pollers from dead ones by this stamp.
		if err := o.tasks.Touch(t.ID); err != nil {
			logging.Op().Warn("heartbeat failed", "task", t.Slug, "error", err)
		}
		o.tracker.Heartbeat(t.ID, st.LogSize)

		if st.LogSize > offset {
			offset = o.fetchDelta(ctx, t, runner, ew, lw, offset, st.LogSize)
		}
		if st.Done {
			// Drain any bytes written between the last fetch and the sentinel.
			if final, perr := wrapper.Poll(ctx, runner); perr == nil && final.LogSize > offset {
				offset = o.fetchDelta(ctx, t, runner, ew, lw, offset, final.LogSize)
			}
			break
		}

		// Past the budget the interrupt is retried every tick until the
		// done file appears; a single failed SSH round trip must not leave
		// the task polling forever.
		if time.Since(started) > budget {
			if !timedOut {
				timedOut = true
				logging.Op().Warn("agent timed out", "task", t.Slug, "budget", budget)
			}
			if err := wrapper.Interrupt(ctx, runner); err != nil {
				logging.Op().Warn("interrupt failed, retrying next poll", "task", t.Slug, "error", err)
			}
		}
	}

	out := o.collect(ctx, t, runner)
	if timedOut {
		out.failed = true
		out.result = fmt.Sprintf("Agent timed out after %s", budget)
	}
	return out
}

// fetchDelta pulls output.log bytes [offset, size), appends them to the
// local log, and emits an output event. Returns the new offset; on fetch
// failure the offset is unchanged so the bytes are retried next poll.
func (o *Orchestrator) fetchDelta(ctx context.Context, t *domain.Task, runner wrapper.Runner,
	ew *events.Writer, lw *events.LogWriter, offset, size int64) int64 {

	chunk, err := wrapper.FetchDelta(ctx, runner, offset, size-offset)
	if err != nil {
		logging.Op().Warn("delta fetch failed", "task", t.Slug, "error", err)
		return offset
	}
	if chunk == "" {
		return offset
	}
	if _, err := lw.Write([]byte(chunk)); err != nil {
		logging.Op().Warn("log append failed", "task", t.Slug, "error", err)
	}
	ew.Emit(events.Output("stdout", chunk))
	return offset + int64(len(chunk))
}

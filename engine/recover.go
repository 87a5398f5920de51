package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillreader/agentrun/run"
	"github.com/quillreader/agentrun/store"
)

// Orphan is a run row still marked running whose owning process is no longer
// live. The caller decides whether to resume it (ResumeTranslation with the
// original run id) or abandon it.
type Orphan struct {
	Run   store.TaskRun
	Owner run.Owner
}

// RecoverOrphans scans for running rows left behind by dead processes.
// Rows tagged with this process's epoch are never orphans. When a redis
// mirror is attached, epochs with a live heartbeat are also excluded, so a
// sibling process's in-flight runs are not stolen; without a mirror every
// foreign running row is reported. Callers invoke this on startup; there is
// no background reaper.
func (e *Engine) RecoverOrphans(ctx context.Context) ([]Orphan, error) {
	runs, err := e.store.RunningRuns(ctx, e.epoch)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}

	alive := make(map[string]bool)
	if e.mirror != nil {
		epochs := make(map[string]struct{})
		for _, rec := range runs {
			if rec.ProcessEpoch != "" {
				epochs[rec.ProcessEpoch] = struct{}{}
			}
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for epoch := range epochs {
			epoch := epoch
			g.Go(func() error {
				ok, err := e.mirror.Alive(gctx, epoch)
				if err != nil {
					return err
				}
				mu.Lock()
				alive[epoch] = ok
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var orphans []Orphan
	for _, rec := range runs {
		if alive[rec.ProcessEpoch] {
			continue
		}
		orphans = append(orphans, Orphan{
			Run: rec,
			Owner: run.Owner{
				Kind:    run.TaskKind(rec.TaskType),
				EntryID: rec.EntryID,
				SlotKey: rec.SlotKey,
			},
		})
	}
	if len(orphans) > 0 {
		e.logger.Info("orphaned runs detected", zap.Int("count", len(orphans)))
	}
	return orphans, nil
}

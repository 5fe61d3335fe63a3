package backup

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/logging/audit"
	"github.com/rs/zerolog/log"
)

// scheduleOrder is the order due schedules fire within one check.
var scheduleOrder = []Type{TypeDaily, TypeWeekly, TypeMonthly}

// isDue reports whether a backup of typ is due at now given the last
// completed one. Months are counted by calendar month index, not days.
func isDue(typ Type, last *Record, now time.Time) bool {
	if last == nil {
		return true
	}
	switch typ {
	case TypeDaily:
		return now.Sub(last.CreatedAt) >= 24*time.Hour
	case TypeWeekly:
		return now.Sub(last.CreatedAt) >= 7*24*time.Hour
	case TypeMonthly:
		return monthsBetween(last.CreatedAt, now) >= 1
	}
	return false
}

func monthsBetween(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

// nextDue is the earliest time isDue turns true after a backup at last.
func nextDue(typ Type, last time.Time) time.Time {
	switch typ {
	case TypeDaily:
		return last.Add(24 * time.Hour)
	case TypeWeekly:
		return last.Add(7 * 24 * time.Hour)
	case TypeMonthly:
		l := last.UTC()
		return time.Date(l.Year(), l.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	}
	return last
}

// CheckScheduled fires one backup for every enabled schedule that is due,
// then applies retention. It returns the backups created. A failed backup
// is logged and does not stop the remaining schedules.
func (e *Engine) CheckScheduled(ctx context.Context) ([]Record, error) {
	var created []Record
	for _, typ := range scheduleOrder {
		sched, ok := e.schedules[typ]
		if !ok || !sched.Enabled {
			continue
		}
		hist, err := e.History(ctx)
		if err != nil {
			return created, err
		}
		if !isDue(typ, lastCompleted(hist, typ), e.now()) {
			continue
		}
		rec, err := e.CreateBackup(ctx, typ, "Scheduled "+string(typ)+" backup")
		if err != nil {
			if errors.Is(err, apperr.ErrBackupInProgress) {
				log.Info().Str("type", string(typ)).Msg("scheduled backup skipped, another backup is running")
			} else {
				log.Error().Err(err).Str("type", string(typ)).Msg("scheduled backup failed")
			}
			continue
		}
		created = append(created, rec)
	}

	if _, err := e.CleanupOldBackups(ctx); err != nil {
		log.Warn().Err(err).Msg("backup retention cleanup failed")
	}
	return created, nil
}

// CleanupOldBackups deletes the oldest completed backups of each type whose
// count exceeds its retention. In-progress and failed records are never
// touched. Individual delete failures are logged and skipped.
func (e *Engine) CleanupOldBackups(ctx context.Context) (int, error) {
	hist, err := e.History(ctx)
	if err != nil {
		return 0, err
	}

	var victims []Record
	for typ, sched := range e.schedules {
		if sched.Retention <= 0 {
			continue
		}
		var done []Record
		for _, r := range hist {
			if r.Type == typ && r.Status == StatusCompleted {
				done = append(done, r)
			}
		}
		if len(done) <= sched.Retention {
			continue
		}
		sort.Slice(done, func(i, j int) bool { return done[i].CreatedAt.After(done[j].CreatedAt) })
		victims = append(victims, done[sched.Retention:]...)
	}

	deleted := 0
	for _, r := range victims {
		if err := e.DeleteBackup(ctx, r.ID, "system"); err != nil {
			log.Warn().Err(err).Str("backup_id", r.ID).Msg("failed to delete expired backup")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		e.audit.LogBackup("system", "retention", "", "", audit.Success, "")
		log.Info().Int("deleted", deleted).Msg("cleaned up old backups")
	}
	return deleted, nil
}

// Start runs the scheduler until ctx is cancelled or Stop is called. The
// first check runs after the initial delay, then every check interval.
func (e *Engine) Start(ctx context.Context) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.baseCtx = ctx

	e.wg.Add(1)
	go e.schedulerLoop(ctx)
}

func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(e.initialDelay):
	}
	e.runCheck(ctx)

	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runCheck(ctx)
		}
	}
}

func (e *Engine) runCheck(ctx context.Context) {
	if _, err := e.CheckScheduled(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("backup scheduler check failed")
	}
}

// Stop cancels the scheduler and any pending incremental backup, and waits
// for running work to finish.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.timer != nil && e.timer.Stop() {
		e.wg.Done()
	}
	e.timer = nil
	e.lifeMu.Unlock()

	e.wg.Wait()
}

// NotifyFilesChanged (re)arms the debounced incremental backup. Each call
// cancels the pending run, so a burst of changes yields one backup.
func (e *Engine) NotifyFilesChanged() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.baseCtx.Err() != nil {
		return
	}
	if e.timer != nil && e.timer.Stop() {
		e.wg.Done()
	}
	e.wg.Add(1)
	ctx := e.baseCtx
	e.timer = time.AfterFunc(e.incrementalDelay, func() {
		defer e.wg.Done()
		rec, err := e.CreateIncrementalBackup(ctx)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("incremental backup failed")
		case rec != nil:
			log.Debug().Str("backup_id", rec.ID).Msg("incremental backup created")
		}
	})
}

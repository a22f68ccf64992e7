package daemon

import (
	"github.com/robfig/cron/v3"

	"github.com/kota-kawa/web-agent02-sub000/pkg/browser"
	"github.com/kota-kawa/web-agent02-sub000/pkg/controller"
)

// maintenance runs the periodic upkeep jobs: keeping the start page
// warm between tasks and closing stray tabs a run left behind. Both
// jobs skip silently while a run is in flight.
type maintenance struct {
	daemon *Daemon
	cron   *cron.Cron
}

func newMaintenance(d *Daemon) *maintenance {
	return &maintenance{daemon: d}
}

func (m *maintenance) start() error {
	c := cron.New()

	if schedule := m.daemon.cfg.Maintenance.WarmupSchedule; schedule != "" {
		if _, err := c.AddFunc(schedule, m.warmup); err != nil {
			return err
		}
	}
	if schedule := m.daemon.cfg.Maintenance.CleanupSchedule; schedule != "" {
		if _, err := c.AddFunc(schedule, m.cleanupTabs); err != nil {
			return err
		}
	}

	c.Start()
	m.cron = c
	m.daemon.zlog.Info().
		Str("warmup", m.daemon.cfg.Maintenance.WarmupSchedule).
		Str("cleanup", m.daemon.cfg.Maintenance.CleanupSchedule).
		Msg("maintenance jobs scheduled")
	return nil
}

func (m *maintenance) stop() {
	if m.cron == nil {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.cron = nil
}

// warmup keeps a pre-navigated session ready for the next task.
func (m *maintenance) warmup() {
	ctrl := m.daemon.controller
	if ctrl.IsRunning() {
		return
	}
	if err := ctrl.EnsureStartPageReady(); err != nil {
		m.daemon.zlog.Debug().Err(err).Msg("warmup job failed")
	}
}

// cleanupTabs closes everything except the focused tab and reloads
// the configured start page so independent tasks begin clean.
func (m *maintenance) cleanupTabs() {
	ctrl := m.daemon.controller
	if ctrl.IsRunning() {
		return
	}

	refreshURL := ctrl.ResumeURL()
	if refreshURL == "" {
		refreshURL = browser.NormalizeStartURL(m.daemon.cfg.Browser.DefaultStartURL)
	}

	closed, err := ctrl.CloseAdditionalTabs(refreshURL)
	if err != nil {
		if controllerIsIdleError(err) {
			return
		}
		m.daemon.zlog.Debug().Err(err).Msg("tab cleanup job failed")
		return
	}
	if closed > 0 {
		m.daemon.zlog.Info().Int("closed", closed).Msg("stray tabs closed")
	}
}

// controllerIsIdleError reports errors that just mean no session
// exists yet, which is normal between tasks.
func controllerIsIdleError(err error) bool {
	return controller.IsKind(err, controller.KindConfiguration)
}

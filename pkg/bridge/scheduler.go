package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kabili207/mesh-node-bridge/pkg/config"
)

// SchedulerJobs supplies the actions the scheduler fires. Ready gates
// every job on connection and local-identity state.
type SchedulerJobs struct {
	Ready          func() bool
	SendTraceroute func()
	RequestStats   func()
	// Announce sends the configured announcement; onStart applies the
	// anti-spam gate against the last announcement timestamp.
	Announce func(onStart bool)
}

// Scheduler runs three independent periodic jobs: the traceroute sweep,
// the local stats pull and the announcement. Each is disabled by a zero
// interval; the announcement alternatively accepts a cron expression.
type Scheduler struct {
	log  *slog.Logger
	jobs SchedulerJobs

	mu      sync.Mutex
	cfg     config.SchedulerSettings
	cancel  context.CancelFunc
	cron    *cron.Cron
	running bool
}

func NewScheduler(cfg config.SchedulerSettings, jobs SchedulerJobs, log *slog.Logger) *Scheduler {
	return &Scheduler{log: log, jobs: jobs, cfg: cfg}
}

// Start launches the enabled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	if s.cfg.TracerouteInterval > 0 {
		go s.runInterval(ctx, s.cfg.TracerouteInterval, s.jobs.SendTraceroute)
		s.log.Info("traceroute sweep enabled", "interval", s.cfg.TracerouteInterval)
	}
	if s.cfg.StatsInterval > 0 {
		go s.runInterval(ctx, s.cfg.StatsInterval, s.jobs.RequestStats)
		s.log.Info("stats pull enabled", "interval", s.cfg.StatsInterval)
	}

	switch {
	case s.cfg.AnnounceInterval > 0:
		go s.runInterval(ctx, s.cfg.AnnounceInterval, func() { s.jobs.Announce(false) })
		s.log.Info("announcement enabled", "interval", s.cfg.AnnounceInterval)
	case s.cfg.AnnounceCron != "":
		c := cron.New()
		_, err := c.AddFunc(s.cfg.AnnounceCron, func() {
			if s.jobs.Ready() {
				s.jobs.Announce(false)
			}
		})
		if err != nil {
			s.log.Error("invalid announce cron expression",
				"cron", s.cfg.AnnounceCron, "error", err)
		} else {
			c.Start()
			s.cron = c
			s.log.Info("announcement enabled", "cron", s.cfg.AnnounceCron)
		}
	}

	if s.cfg.AnnounceOnStart && (s.cfg.AnnounceInterval > 0 || s.cfg.AnnounceCron != "") {
		go func() {
			// Give the connection a moment to come up before the gated
			// start announcement.
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
			if s.jobs.Ready() {
				s.jobs.Announce(true)
			}
		}()
	}
}

func (s *Scheduler) runInterval(ctx context.Context, interval time.Duration, fire func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.jobs.Ready() {
				fire()
			}
		}
	}
}

// Stop halts all jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.running {
		return
	}
	s.cancel()
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.running = false
}

// Restart applies new settings, stopping and relaunching every job.
func (s *Scheduler) Restart(cfg config.SchedulerSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.cfg = cfg
	s.startLocked()
}

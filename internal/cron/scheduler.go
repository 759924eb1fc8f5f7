// Package cron enqueues ordinary jobs from recurring templates.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xPuncker/undertaker/internal/scheduler"
	"github.com/0xPuncker/undertaker/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type entry struct {
	id       cron.EntryID
	template types.CronJob
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	jobs    *scheduler.JobScheduler
	config  types.CronConfig
	entries map[string]entry
	mu      sync.RWMutex
	started bool
}

func NewScheduler(logger *logrus.Logger, jobs *scheduler.JobScheduler, config types.CronConfig) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		jobs:    jobs,
		config:  config,
		entries: make(map[string]entry),
	}
}

// RegisterTemplate adds or replaces a template. Disabled templates are
// kept but never fire.
func (s *Scheduler) RegisterTemplate(template types.CronJob) error {
	if template.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if template.Work.MethodName == "" {
		return fmt.Errorf("template %s has no work method", template.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(template)
}

// LoadPredefinedJobs replaces every template with the configured ones.
func (s *Scheduler) LoadPredefinedJobs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, e := range s.entries {
		if e.id != 0 {
			s.cron.Remove(e.id)
		}
		delete(s.entries, name)
	}

	for _, template := range s.config.Predefined {
		if err := s.register(template); err != nil {
			return err
		}
	}
	return nil
}

// register must be called with s.mu held.
func (s *Scheduler) register(template types.CronJob) error {
	if old, ok := s.entries[template.Name]; ok && old.id != 0 {
		s.cron.Remove(old.id)
	}

	e := entry{template: template}
	if !template.Enabled {
		s.entries[template.Name] = e
		s.logger.Infof("Skipping disabled recurring job: %s", template.Name)
		return nil
	}

	id, err := s.cron.AddFunc(template.Schedule, func() { s.enqueue(template) })
	if err != nil {
		delete(s.entries, template.Name)
		return fmt.Errorf("failed to schedule recurring job %s: %w", template.Name, err)
	}
	e.id = id
	s.entries[template.Name] = e

	s.logger.WithFields(logrus.Fields{
		"job_name":    template.Name,
		"schedule":    template.Schedule,
		"work":        template.Work.String(),
		"description": template.Description,
	}).Info("Recurring job scheduled successfully")
	return nil
}

func (s *Scheduler) enqueue(template types.CronJob) {
	builder := s.jobs.BuildJob().WithName(template.Name)
	if template.Description != "" {
		builder = builder.WithDescription(template.Description)
	}
	for _, p := range template.Parameters {
		builder = builder.WithParameter(p.TypeName, p.Value)
	}

	job, err := builder.Run(context.Background(), template.Work)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"job_name": template.Name,
			"error":    err.Error(),
		}).Error("Failed to enqueue recurring job")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"job_name": template.Name,
		"job_id":   job.ID(),
		"run_at":   job.RunAt().Format(time.RFC3339),
	}).Debug("Recurring job enqueued")
}

func (s *Scheduler) GetJobStatus(name string) (bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[name]
	if !exists {
		return false, "", fmt.Errorf("recurring job %s not found", name)
	}
	return e.template.Enabled, e.template.Description, nil
}

// NextRun reports when an enabled template fires next. It is zero until
// the scheduler has started, and for disabled templates.
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[name]
	if !exists || e.id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(e.id).Next
}

func (s *Scheduler) ListJobs() []types.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]types.CronJob, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.template)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("Recurring job scheduler started...")
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false
	s.logger.Info("Recurring job scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Package jobs runs the scheduled background work: interval jobs on
// tickers and cron-expression jobs via gronx. The supervisor owns every
// job goroutine and stops them as one unit.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/feedwright/feedwright/metrics"
)

// JobFunc is one scheduled unit of work. A returned error is logged and
// counted; the schedule keeps going.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	cron     string
	fn       JobFunc
}

type Supervisor struct {
	jobs     []job
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		stopChan: make(chan struct{}),
	}
}

// Every registers an interval job. It runs once immediately on Start and
// then on every tick. Register before Start.
func (s *Supervisor) Every(name string, interval time.Duration, fn JobFunc) {
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
}

// Cron registers a cron-expression job (standard five-field syntax).
func (s *Supervisor) Cron(name, expr string, fn JobFunc) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q for job %s", expr, name)
	}
	s.jobs = append(s.jobs, job{name: name, cron: expr, fn: fn})
	return nil
}

// Start launches one goroutine per registered job.
func (s *Supervisor) Start(ctx context.Context) {
	log.Printf("Jobs: starting %d scheduled jobs", len(s.jobs))
	for _, j := range s.jobs {
		s.wg.Add(1)
		if j.cron != "" {
			go s.runCron(ctx, j)
		} else {
			go s.runInterval(ctx, j)
		}
	}
}

// Stop halts every schedule and waits for in-flight runs to finish.
func (s *Supervisor) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	log.Println("Jobs: stopped")
}

func (s *Supervisor) runInterval(ctx context.Context, j job) {
	defer s.wg.Done()

	s.execute(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.execute(ctx, j)
		}
	}
}

func (s *Supervisor) runCron(ctx context.Context, j job) {
	defer s.wg.Done()

	for {
		next, err := gronx.NextTickAfter(j.cron, time.Now(), false)
		if err != nil {
			log.Printf("Jobs: %s: cannot compute next tick: %v", j.name, err)
			if !s.sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			s.execute(ctx, j)
		}
	}
}

func (s *Supervisor) execute(ctx context.Context, j job) {
	if err := j.fn(ctx); err != nil {
		metrics.JobRuns.WithLabelValues(j.name, "error").Inc()
		log.Printf("Jobs: %s failed: %v", j.name, err)
		return
	}
	metrics.JobRuns.WithLabelValues(j.name, "ok").Inc()
}

// sleep waits for d unless the supervisor stops first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopChan:
		return false
	case <-timer.C:
		return true
	}
}

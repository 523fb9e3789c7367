package mq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Handler processes one job. Returning an error schedules a retry until
// the job runs out of attempts.
type Handler func(ctx context.Context, job *Job) error

type WorkerOptions struct {
	Concurrency  int
	RatePerSec   int
	Backoff      time.Duration // first retry delay, doubled per attempt
	PollInterval time.Duration
}

type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	opts     WorkerOptions
	limiter  *rate.Limiter
}

func NewWorker(queue *Queue, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	return &Worker{
		queue:    queue,
		handlers: map[string]Handler{},
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec),
	}
}

func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight jobs to finish.
func (w *Worker) Run(ctx context.Context) {
	name := w.queue.Name()
	log.Printf("[Queue:%s] worker started (concurrency=%d, rate=%d/s)", name, w.opts.Concurrency, w.opts.RatePerSec)

	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Printf("[Queue:%s] worker stopped", name)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			<-sem
			return
		}

		job, err := w.queue.Claim(ctx)
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				log.Printf("[Queue:%s] claim: %v", name, err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}

		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(context.WithoutCancel(ctx), job)
		}(job)
	}
}

// ProcessNext claims one due job and processes it synchronously. It
// reports whether a job was found.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	name := w.queue.Name()
	job.Attempts++

	err := w.run(ctx, job)
	if err == nil {
		if err := w.queue.Complete(ctx, job); err != nil {
			log.Printf("[Queue:%s] complete %s: %v", name, job.ID, err)
		}
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		delay := w.opts.Backoff << (job.Attempts - 1)
		log.Printf("[Queue:%s] %s job %s failed (attempt %d/%d), retrying in %s: %v",
			name, job.Type, job.ID, job.Attempts, job.MaxAttempts, delay, err)
		if err := w.queue.Retry(ctx, job, delay); err != nil {
			log.Printf("[Queue:%s] reschedule %s: %v", name, job.ID, err)
		}
		return
	}

	log.Printf("[Queue:%s] %s job %s failed permanently after %d attempts: %v", name, job.Type, job.ID, job.Attempts, err)
	if err := w.queue.Fail(ctx, job); err != nil {
		log.Printf("[Queue:%s] record failure %s: %v", name, job.ID, err)
	}
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	h, ok := w.handlers[job.Type]
	if !ok {
		job.MaxAttempts = job.Attempts
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"compositor/internal/composite"
	"compositor/internal/config"
	"compositor/internal/logging"
	"compositor/internal/storage"
)

// Job is a single composite request.
type Job struct {
	ID      string
	Control *config.Control
	// Quiet drops progress logging for this job.
	Quiet bool
}

// NewJob wraps a control document with a fresh run ID.
func NewJob(ctrl *config.Control) Job {
	return Job{ID: uuid.NewString(), Control: ctrl}
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	Summary composite.Summary
	Error   error
	Meta    map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline records, logs and dispatches jobs to a Processor, either directly
// through Run or queued through Submit.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency and processor implementation.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, concurrency*2),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.recordQueued(job)

	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Run processes job on the calling goroutine, with the same logging and
// history recording as queued jobs.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	p.recordQueued(job)
	res := p.execute(ctx, job)
	p.broadcast(res)
	return res
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.log.Debug("worker picked up job", "worker", id, "id", job.ID)
			p.broadcast(p.execute(ctx, job))
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	start := time.Now()
	if p.store != nil {
		_ = p.store.RecordRunStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	if res.Error != nil {
		logging.LogRunError(p.log, job.ID, duration, res.Error, jobContext(job))
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, "failed", res.Meta, errString(res.Error))
		}
	} else {
		logging.LogRunComplete(p.log, job.ID, duration, res.Meta)
		if p.store != nil {
			_ = p.store.RecordRunResult(job.ID, "completed", res.Meta, "")
		}
	}
	return res
}

func (p *Pipeline) recordQueued(job Job) {
	if p.store == nil || job.Control == nil {
		return
	}
	ctrl := job.Control
	ctrlJSON, _ := json.Marshal(ctrl)
	classes := make([]string, len(ctrl.Compositors))
	for i, st := range ctrl.Compositors {
		classes[i] = st.Class
	}
	chain, _ := json.Marshal(classes)

	inputs := make([]storage.InputRecord, len(ctrl.Inputs))
	for i, in := range ctrl.Inputs {
		inputs[i] = storage.InputRecord{Position: i, Filename: in.Filename, CloudFile: in.CloudFile, Metadata: in.Metadata}
	}
	if err := p.store.RecordRunQueued(storage.RunRecord{
		ID:            job.ID,
		Status:        "queued",
		OutputPath:    ctrl.OutputFile,
		SourceTrace:   ctrl.SourceTrace,
		QualityOutput: ctrl.QualityOutput,
		Chain:         string(chain),
		ControlJSON:   string(ctrlJSON),
	}, inputs); err != nil {
		p.log.Warn("failed to record run", "id", job.ID, "error", err)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func jobContext(job Job) map[string]any {
	if job.Control == nil {
		return nil
	}
	return map[string]any{
		"output": job.Control.OutputFile,
		"inputs": len(job.Control.Inputs),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

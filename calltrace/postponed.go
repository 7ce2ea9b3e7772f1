package calltrace

import "sync"

// Scheduler runs job later on the calling thread, outside the current call.
// Schedule reports false when the job was not accepted.
type Scheduler interface {
	Schedule(job func()) bool
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(job func()) bool

func (f SchedulerFunc) Schedule(job func()) bool { return f(job) }

// Postponed queues jobs per OS thread until that thread reaches a safe point
// and calls Run.
type Postponed struct {
	mu   sync.Mutex
	jobs map[int][]func()
}

func NewPostponed() *Postponed {
	return &Postponed{jobs: make(map[int][]func())}
}

// Schedule queues job for the calling thread.
func (p *Postponed) Schedule(job func()) bool {
	tid := gettid()
	p.mu.Lock()
	p.jobs[tid] = append(p.jobs[tid], job)
	p.mu.Unlock()
	return true
}

// Run executes the jobs queued by the calling thread and returns how many
// ran. Jobs scheduled meanwhile wait for the next Run.
func (p *Postponed) Run() int {
	tid := gettid()
	p.mu.Lock()
	jobs := p.jobs[tid]
	delete(p.jobs, tid)
	p.mu.Unlock()
	for _, job := range jobs {
		job()
	}
	return len(jobs)
}

// Pending is the number of jobs queued by the calling thread.
func (p *Postponed) Pending() int {
	tid := gettid()
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs[tid])
}

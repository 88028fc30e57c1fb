package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"stockhub/internal/eventbus"
	"stockhub/internal/storage"
	"stockhub/internal/task"
	"stockhub/internal/task/joblog"
	logx "stockhub/pkg/logx"
)

var (
	ErrJobIDRequired  = errors.New("job id required")
	ErrInvalidTrigger = errors.New("invalid trigger")
	ErrNilFunc        = errors.New("job function is nil")
)

// ZombieError is stored on job logs closed by the startup sweep.
const ZombieError = "terminated by process restart/crash"

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Shanghai"
}

// JobInfo describes one registered job. NextRunTime is nil while the
// scheduler is stopped.
type JobInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	NextRunTime *time.Time `json:"next_run_time"`
	Trigger     string     `json:"trigger"`
	Running     bool       `json:"running"`
}

type jobDef struct {
	id      string
	name    string
	kind    SpecKind
	spec    string // cron expression for SpecCron
	every   time.Duration
	fn      task.Func
	entryID cron.EntryID
	state   *runState
}

func (d *jobDef) trigger() string {
	if d.kind == SpecInterval {
		return "interval[" + d.every.String() + "]"
	}
	return "cron[" + d.spec + "]"
}

// runState is the per-job in-flight gate.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *runState) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	store storage.Store
	rec   *joblog.Recorder
	now   func() time.Time

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*jobDef
	// states outlive registrations so a replaced or removed job still
	// blocks a second run while its previous execution is in flight.
	states map[string]*runState

	runCtx    context.Context
	runCancel context.CancelFunc
	// open is set between Start and Shutdown, armed or not.
	open     bool
	stopping bool
	wg       sync.WaitGroup

	skipMu       sync.Mutex
	lastSkipWarn map[string]time.Time
}

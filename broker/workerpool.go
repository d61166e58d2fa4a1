package broker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nimbusmq/broker/pkg/logger"
)

// job is one read (not yet decoded) packet awaiting decoding and handler
// processing, bound to the Conn it arrived on.
type job struct {
	conn *Conn
	task func()
}

// workerPool decouples packet reading (cheap, per-connection) from decoding
// and handler execution (storage I/O, fan-out, hook callbacks) by running them on a
// shared goroutine set across every connection in the broker, rather than
// one goroutine per in-flight packet.
//
// The pool starts at baseSize and grows toward maxSize in steps of stepAdd
// whenever the job queue stays backlogged across a stepPeriod tick; workers
// added beyond baseSize that sit idle for idleTimeout exit on their own, so
// a load spike doesn't leave the broker permanently holding goroutines it no
// longer needs.
type workerPool struct {
	jobs chan job
	log  *logger.SlogLogger

	baseSize int
	maxSize  int
	stepAdd  int

	size atomic.Int64 // current worker goroutine count

	idleTimeoutFor time.Duration // read by elastic workers when re-arming their timer

	wg sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}

	metrics *Metrics
}

// poolConfig bundles the elastic sizing knobs so newWorkerPool doesn't grow
// an ever-longer positional argument list.
type poolConfig struct {
	baseSize    int
	maxSize     int
	queueDepth  int
	stepAdd     int
	stepPeriod  time.Duration
	idleTimeout time.Duration
}

func (c *poolConfig) setDefaults() {
	if c.baseSize <= 0 {
		c.baseSize = 1
	}
	if c.maxSize < c.baseSize {
		c.maxSize = c.baseSize
	}
	if c.queueDepth <= 0 {
		c.queueDepth = 1024
	}
	if c.stepAdd <= 0 {
		c.stepAdd = 1
	}
	if c.stepPeriod <= 0 {
		c.stepPeriod = time.Second
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = 30 * time.Second
	}
}

func newWorkerPool(cfg poolConfig, log *logger.SlogLogger, metrics *Metrics) *workerPool {
	cfg.setDefaults()

	p := &workerPool{
		jobs:           make(chan job, cfg.queueDepth),
		log:            log,
		baseSize:       cfg.baseSize,
		maxSize:        cfg.maxSize,
		stepAdd:        cfg.stepAdd,
		idleTimeoutFor: cfg.idleTimeout,
		done:           make(chan struct{}),
		metrics:        metrics,
	}

	for i := 0; i < cfg.baseSize; i++ {
		p.spawn(false)
	}

	go p.monitor(cfg.stepPeriod)

	return p
}

// spawn starts one worker goroutine. elastic marks it as a worker added past
// baseSize, eligible to exit on its own once idleTimeout has elapsed with an
// empty queue; base workers never self-expire.
func (p *workerPool) spawn(elastic bool) {
	p.size.Add(1)
	p.wg.Add(1)
	p.reportSize()
	go p.worker(elastic)
}

func (p *workerPool) worker(elastic bool) {
	defer func() {
		p.size.Add(-1)
		p.reportSize()
		p.wg.Done()
	}()

	if !elastic {
		for {
			select {
			case j := <-p.jobs:
				p.runJob(j)
			case <-p.done:
				return
			}
		}
	}

	idleTimer := time.NewTimer(p.idleTimeoutFor)
	defer idleTimer.Stop()
	for {
		select {
		case j := <-p.jobs:
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			p.runJob(j)
			idleTimer.Reset(p.idleTimeoutFor)
		case <-p.done:
			return
		case <-idleTimer.C:
			return
		}
	}
}

func (p *workerPool) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker panic", "recover", r, "conn", j.conn.net.ID())
			if err, ok := r.(error); ok {
				sentry.CaptureException(err)
			} else {
				sentry.CaptureMessage(fmt.Sprintf("worker panic: %v", r))
			}
			_ = j.conn.close(ErrProtocolViolation)
		}
	}()
	j.task()
}

// submit enqueues task for later execution, blocking only if the shared
// queue is saturated; it never runs task inline on the reader goroutine.
func (p *workerPool) submit(c *Conn, task func()) {
	select {
	case p.jobs <- job{conn: c, task: task}:
	case <-p.done:
	}
}

// monitor grows the pool toward maxSize in stepAdd increments whenever the
// job queue is still backlogged at the end of a stepPeriod tick. It never
// shrinks the pool directly — idle elastic workers expire themselves in
// worker() instead, which keeps the shrink decision local to a goroutine
// that actually knows it's been idle rather than a racy external guess.
func (p *workerPool) monitor(stepPeriod time.Duration) {
	ticker := time.NewTicker(stepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if len(p.jobs) == 0 {
				continue
			}
			current := int(p.size.Load())
			if current >= p.maxSize {
				continue
			}
			add := p.stepAdd
			if current+add > p.maxSize {
				add = p.maxSize - current
			}
			for i := 0; i < add; i++ {
				p.spawn(true)
			}
			p.log.Debug("worker pool grew", "added", add, "size", current+add, "backlog", len(p.jobs))
		case <-p.done:
			return
		}
	}
}

func (p *workerPool) reportSize() {
	p.metrics.setWorkerPoolSize(int(p.size.Load()))
}

func (p *workerPool) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

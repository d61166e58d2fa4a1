package broker

import (
	"sync"

	"github.com/nimbusmq/broker/network"
	"github.com/nimbusmq/broker/pkg/logger"
)

// sequencer serializes all outbound writes for one connection onto a single
// goroutine, so two handler goroutines racing to reply (e.g. a PUBACK and a
// fanned-out PUBLISH) can never interleave their bytes on the wire.
type sequencer struct {
	net   *network.Connection
	queue chan []byte
	log   *logger.SlogLogger

	closeOnce sync.Once
	done      chan struct{}
}

const sequencerQueueDepth = 256

func newSequencer(nc *network.Connection, log *logger.SlogLogger) *sequencer {
	s := &sequencer{
		net:   nc,
		queue: make(chan []byte, sequencerQueueDepth),
		log:   log,
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *sequencer) run() {
	for {
		select {
		case payload := <-s.queue:
			if _, err := s.net.Write(payload); err != nil {
				s.log.Debug("sequencer write failed", "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// enqueue returns false without blocking the caller if the queue is full or
// the sequencer has already been closed; the caller should treat that as a
// dropped/backpressured send rather than retry inline.
func (s *sequencer) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.queue <- payload:
		return true
	default:
		return false
	}
}

func (s *sequencer) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

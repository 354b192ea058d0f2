package server

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Coordinator turns termination signals into a single shutdown trigger
type Coordinator struct {
	signals chan os.Signal
	done    chan struct{}
	quit    chan struct{}

	mu      sync.Mutex
	once    sync.Once
	stopped sync.Once
	sig     os.Signal
}

// NewCoordinator starts listening for sigs, SIGINT and SIGTERM when none are given
func NewCoordinator(sigs ...os.Signal) *Coordinator {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	c := &Coordinator{
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	signal.Notify(c.signals, sigs...)
	go c.run()

	return c
}

func (c *Coordinator) run() {
	for {
		select {
		case sig := <-c.signals:
			if c.isDone() {
				log.Warnf("received %s while shutting down, waiting for the grace period", sig)
				continue
			}
			log.Infof("received %s, shutting down", sig)
			c.trigger(sig)
		case <-c.quit:
			return
		}
	}
}

// Done is closed when shutdown was triggered
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Signal returns the signal that triggered shutdown, nil when triggered by Trigger
func (c *Coordinator) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

// Trigger starts shutdown without a signal
func (c *Coordinator) Trigger() {
	c.trigger(nil)
}

// Stop stops signal delivery
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		signal.Stop(c.signals)
		close(c.quit)
	})
}

func (c *Coordinator) trigger(sig os.Signal) {
	c.once.Do(func() {
		c.mu.Lock()
		c.sig = sig
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Coordinator) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

package virtiod

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod/virtio"
	"github.com/virtiod/virtiod/virtio/virtqueue"
	"golang.org/x/sync/errgroup"
)

// Control owns a running device: its negotiated transport, its queues
// and the background status watcher. It is handed out by Main and driven
// by the binaries in cmd/.
type Control struct {
	l      *logrus.Logger
	dev    *virtio.Device
	queues []*virtqueue.Queue
	cancel context.CancelFunc
	eg     *errgroup.Group
	egCtx  context.Context
}

// statusInterval is how often the watcher polls the device-status byte
// for a NEEDS_RESET raised by the device.
const statusInterval = time.Second

// Start marks the device driver-ready, which is the point after which
// queues may be notified. This is a nonblocking call, to block use
// Control.ShutdownBlock().
func (c *Control) Start() {
	c.dev.RunDevice()
	c.l.WithField("status", c.dev.Status().String()).Info("Device running")

	c.eg.Go(c.watchStatus)
}

// Stop tears the device down, returns after the shutdown is complete.
func (c *Control) Stop() {
	c.cancel()
	_ = c.eg.Wait()

	for _, q := range c.queues {
		if err := q.Close(); err != nil {
			c.l.WithError(err).WithField("queue", q.Index()).Error("Failed to close virtqueue")
		}
	}

	if err := c.dev.Reset(); err != nil {
		c.l.WithError(err).Error("Failed to reset device")
	}

	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Device exposes the negotiated device for embedding applications.
func (c *Control) Device() *virtio.Device {
	return c.dev
}

// Queues returns the queues in setup order. Callers submit work through
// Queue.Send and must stop doing so before calling Stop.
func (c *Control) Queues() []*virtqueue.Queue {
	return c.queues
}

// watchStatus polls for a device-raised NEEDS_RESET. There is nothing to
// recover automatically; the condition is surfaced loudly and once.
func (c *Control) watchStatus() error {
	t := time.NewTicker(statusInterval)
	defer t.Stop()

	for {
		select {
		case <-c.egCtx.Done():
			return nil
		case <-t.C:
			if c.dev.Status().Has(virtio.StatusNeedsReset) {
				c.l.Error("Device requested a reset, manual intervention required")
				return nil
			}
		}
	}
}

// Package virtiod wires a virtio transport to a config file, a logger
// and a metrics sink, turning the library packages into a runnable
// daemon. The heavy lifting lives in the pci, virtio and dma packages;
// this one only assembles them.
package virtiod

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod/config"
	"github.com/virtiod/virtiod/eventfd"
	"github.com/virtiod/virtiod/pci"
	"github.com/virtiod/virtiod/util"
	"github.com/virtiod/virtiod/virtio"
	"github.com/virtiod/virtiod/virtio/virtqueue"
	"golang.org/x/sync/errgroup"
)

type m = map[string]any

// featureNames maps config feature names to their bits. Version 1
// compliance is negotiated by the transport itself and has no name here.
var featureNames = map[string]virtio.Feature{
	"indirect-descriptors": virtio.FeatureIndirectDescriptors,
	"event-index":          virtio.FeatureEventIndex,
	"blk-size-max":         virtio.FeatureBlkSizeMax,
	"blk-seg-max":          virtio.FeatureBlkSegMax,
	"blk-read-only":        virtio.FeatureBlkReadOnly,
	"blk-flush":            virtio.FeatureBlkFlush,
	"net-csum":             virtio.FeatureNetDeviceCsum,
	"net-mac":              virtio.FeatureNetMAC,
	"net-merge-rx-buffers": virtio.FeatureNetMergeRXBuffers,
	"net-status":           virtio.FeatureNetStatus,
}

func featuresFromConfig(c *config.C, key string) (virtio.Feature, error) {
	var f virtio.Feature
	for _, name := range c.GetStringSlice(key, nil) {
		bit, ok := featureNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown feature name in %s: %s", key, name)
		}
		f |= bit
	}
	return f, nil
}

// Main builds everything the config asks for and returns a Control ready
// to Start. In configTest mode it validates the config without touching
// any device and returns a nil Control.
//
// fn overrides device discovery, mainly for tests and embedders that do
// their own bus enumeration; when nil the device at device.address is
// opened through sysfs.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, fn pci.Function) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context when Main returns an error, so that this function is responsible for all
	// exit paths until the Control takes over.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}
	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	wanted, err := featuresFromConfig(c, "device.features")
	if err != nil {
		return nil, util.NewContextualError("Failed to parse device.features", nil, err)
	}
	required, err := featuresFromConfig(c, "device.required_features")
	if err != nil {
		return nil, util.NewContextualError("Failed to parse device.required_features", nil, err)
	}

	queueCount := c.GetInt("device.queues", 1)
	if queueCount < 1 {
		return nil, util.NewContextualError("device.queues must be at least 1", m{"queues": queueCount}, nil)
	}

	if fn == nil && c.GetString("device.address", "") == "" && !configTest {
		return nil, util.NewContextualError("device.address is required", nil, nil)
	}

	err = startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emission", err)
	}

	if configTest {
		return nil, nil
	}

	if fn == nil {
		address := c.GetString("device.address", "")
		sysfsFn, err := pci.OpenSysfs(address)
		if err != nil {
			return nil, util.NewContextualError("Failed to open PCI function", m{"address": address}, err)
		}
		fn = sysfsFn
	}

	dev, err := virtio.Probe(fn, virtio.WithLogger(l))
	if err != nil {
		return nil, util.NewContextualError("Failed to probe device", nil, err)
	}

	negotiated, err := dev.NegotiateFeatures(required, wanted)
	if err != nil {
		return nil, util.NewContextualError("Failed to negotiate device features", nil, err)
	}
	l.WithField("features", fmt.Sprintf("%#x", uint64(negotiated))).Info("Negotiated device features")

	vectorBase := uint16(c.GetUint32("device.vector_base", 0))
	dev.SetupConfigNotify(vectorBase)

	queues := make([]*virtqueue.Queue, 0, queueCount)
	closeQueues := func() {
		for _, q := range queues {
			_ = q.Close()
		}
	}

	for i := 0; i < queueCount; i++ {
		irq, err := eventfd.NewIRQ()
		if err != nil {
			closeQueues()
			return nil, util.NewContextualError("Failed to create interrupt handle", m{"queue": i}, err)
		}

		q, err := dev.SetupQueue(vectorBase+1+uint16(i), irq)
		if err != nil {
			_ = irq.Close()
			closeQueues()
			return nil, util.NewContextualError("Failed to set up virtqueue", m{"queue": i}, err)
		}
		queues = append(queues, q)
	}

	c.CatchHUP(ctx)

	eg, egCtx := errgroup.WithContext(ctx)

	return &Control{
		l:      l,
		dev:    dev,
		queues: queues,
		cancel: cancel,
		eg:     eg,
		egCtx:  egCtx,
	}, nil
}

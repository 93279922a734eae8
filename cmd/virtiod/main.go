package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/virtiod/virtiod"
	"github.com/virtiod/virtiod/config"
	"github.com/virtiod/virtiod/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to a config file or directory to load configuration from")
	deviceAddr := flag.String("device", "", "PCI address of the virtio function to drive, e.g. 0000:00:04.0; an alternative to -config for a single device with default settings")
	queueCount := flag.Int("queues", 1, "Number of virtqueues to set up, only honored together with -device")
	configTest := flag.Bool("test", false, "Validate the configuration and exit. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c, err := loadConfig(l, *configPath, *deviceAddr, *queueCount)
	if err != nil {
		fmt.Println(err)
		flag.Usage()
		os.Exit(1)
	}

	ctrl, err := virtiod.Main(c, *configTest, Build, l, nil)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to bring up the device", err, l)
		os.Exit(1)
	}

	if !*configTest {
		ctrl.Start()
		notifyReady(l)
		ctrl.ShutdownBlock()
	}

	os.Exit(0)
}

// loadConfig builds the daemon config either from the given path or, for
// quick single-device runs, from the -device and -queues flags alone.
func loadConfig(l *logrus.Logger, path, deviceAddr string, queueCount int) (*config.C, error) {
	c := config.NewC(l)

	switch {
	case path != "":
		if err := c.Load(path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	case deviceAddr != "":
		raw := fmt.Sprintf("device:\n  address: %s\n  queues: %d\n", deviceAddr, queueCount)
		if err := c.LoadString(raw); err != nil {
			return nil, fmt.Errorf("failed to build config for device %s: %w", deviceAddr, err)
		}
	default:
		return nil, fmt.Errorf("one of -config or -device must be set")
	}

	return c, nil
}

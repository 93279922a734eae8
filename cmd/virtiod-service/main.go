package main

import (
	"flag"
	"fmt"
	"os"

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

func main() {
	serviceFlag := flag.String("service", "", "Control the system service: install, uninstall, start, stop, run")
	configPath := flag.String("config", "", "Path to a config file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Validate the configuration and exit. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *serviceFlag != "" {
		doService(configPath, configTest, Build, serviceFlag)
		os.Exit(1)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(*configPath); err != nil {
		fmt.Printf("failed to load config from %s: %s\n", *configPath, err)
		os.Exit(1)
	}

	ctrl, err := virtiod.Main(c, *configTest, Build, l, nil)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to bring up the device", err, l)
		os.Exit(1)
	}

	if !*configTest {
		ctrl.Start()
		ctrl.ShutdownBlock()
	}

	os.Exit(0)
}

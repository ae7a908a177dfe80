// SPDX-License-Identifier: MIT
// Copyright (c) 2026 go-knxmgmt contributors.

// knxscan is a diagnostic front-end for the management procedures: it
// scans an installation for routers, devices of one line, devices in
// programming mode, or serial numbers.
//
// The tool always runs against a loopback link that accepts and drops
// every frame; no flag selects a real medium. This is useful to inspect
// the generated traffic with -v.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/marrasen/go-knxmgmt/klog"
	"github.com/marrasen/go-knxmgmt/knx"
	"github.com/marrasen/go-knxmgmt/mgmt"
	"github.com/marrasen/go-knxmgmt/transport"
)

// yamlConfig is the on-disk configuration; durations in milliseconds.
type yamlConfig struct {
	Transport struct {
		AckTimeoutMS        int  `yaml:"ack-timeout-ms"`
		MaxSendAttempts     int  `yaml:"max-send-attempts"`
		DisconnectTimeoutMS int  `yaml:"disconnect-timeout-ms"`
		ServerSide          bool `yaml:"server-side"`
	} `yaml:"transport"`
	Mgmt struct {
		ResponseTimeoutMS int `yaml:"response-timeout-ms"`
	} `yaml:"mgmt"`
}

func (c yamlConfig) transportConfig() transport.Config {
	return transport.Config{
		AckTimeout:        time.Duration(c.Transport.AckTimeoutMS) * time.Millisecond,
		MaxSendAttempts:   c.Transport.MaxSendAttempts,
		DisconnectTimeout: time.Duration(c.Transport.DisconnectTimeoutMS) * time.Millisecond,
		ServerSide:        c.Transport.ServerSide,
	}
}

func (c yamlConfig) mgmtConfig() mgmt.Config {
	return mgmt.Config{
		ResponseTimeout: time.Duration(c.Mgmt.ResponseTimeoutMS) * time.Millisecond,
	}
}

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "YAML configuration file")
		routers     = flag.Bool("routers", false, "scan for network routers")
		devices     = flag.String("devices", "", "scan one line for devices, e.g. 1.1")
		readAddress = flag.Bool("read-address", false, "read devices in programming mode")
		serials     = flag.Bool("serials", false, "scan serial numbers on the default address")
		verbose     = flag.BoolP("verbose", "v", false, "debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var cfg yamlConfig
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("read config: %v", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Fatalf("parse config: %v", err)
		}
	}

	link := newLoopbackLink()
	defer link.Close()

	tl := transport.New(link, transport.NewOption().SetConfig(cfg.transportConfig()))
	mc := mgmt.New(tl, mgmt.NewOption().SetConfig(cfg.mgmtConfig()))
	defer mc.Detach()
	proc := mgmt.NewProcedures(mc)
	if *verbose {
		lvl := klog.LevelDebug
		for _, k := range []interface{ SetLogLevel(klog.Level) }{tl, mc, proc} {
			k.SetLogLevel(lvl)
		}
		tl.SetLogProvider(klog.NewLogrusProvider(log, "transport"))
		mc.SetLogProvider(klog.NewLogrusProvider(log, "mgmt"))
		proc.SetLogProvider(klog.NewLogrusProvider(log, "mgmt.proc"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *routers:
		found, err := proc.ScanNetworkRouters(ctx)
		exitOn(log, err)
		for _, a := range found {
			fmt.Println(a)
		}
		log.Infof("%d routers found", len(found))
	case *devices != "":
		addr, err := knx.ParseIndividualAddr(*devices + ".0")
		exitOn(log, err)
		found, err := proc.ScanNetworkDevices(ctx, addr.Area(), addr.Line())
		exitOn(log, err)
		for _, a := range found {
			fmt.Println(a)
		}
		log.Infof("%d devices found on %d.%d", len(found), addr.Area(), addr.Line())
	case *readAddress:
		found, err := proc.ReadAddress(ctx)
		exitOn(log, err)
		for _, a := range found {
			fmt.Println(a)
		}
		log.Infof("%d devices in programming mode", len(found))
	case *serials:
		found, err := proc.ScanSerialNumbers(ctx)
		exitOn(log, err)
		for _, r := range found {
			fmt.Printf("%v  %v\n", r.Src, r.Serial)
		}
		log.Infof("%d serial numbers collected", len(found))
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func exitOn(log *logrus.Logger, err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// Command ethercatmaster brings up a bus from a declarative .ini config
// (pkg/config), runs config_init/config_map, waits for SAFE-OP, requests
// OP, and then drives the cyclic send/receive loop until interrupted.
//
// The application-specific parts spec.md calls out as external
// collaborators — writing target positions into the output IOmap, the
// high-resolution periodic timer, and per-slave PDO selection via the
// PRE-OP-to-SAFE-OP hook — are left as TODOs here: this binary is the
// reference wiring, not a turnkey application.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/goethercat/pkg/config"
	"github.com/samsamfire/goethercat/pkg/master"
	"github.com/samsamfire/goethercat/pkg/monitor"
	"github.com/samsamfire/goethercat/pkg/process"

	_ "github.com/samsamfire/goethercat/pkg/link/rawsock"
	_ "github.com/samsamfire/goethercat/pkg/link/virtual"
)

func main() {
	log.SetLevel(log.InfoLevel)

	busCfgPath := flag.String("c", "", "bus .ini config path (see SPEC_FULL.md §A.2)")
	backend := flag.String("backend", "raw", "link backend name (raw, virtual)")
	ifaceName := flag.String("i", "eth0", "raw-Ethernet interface name")
	flag.Parse()

	busCfg := &config.BusConfig{Master: config.MasterConfig{
		Interface:   *ifaceName,
		CyclePeriod: time.Millisecond,
		Layout:      config.LayoutSequential,
	}}
	if *busCfgPath != "" {
		loaded, err := config.Load(*busCfgPath)
		if err != nil {
			log.Fatalf("failed to load bus config %s: %v", *busCfgPath, err)
		}
		busCfg = loaded
	}
	if busCfg.Master.Interface == "" {
		busCfg.Master.Interface = *ifaceName
	}

	log.Infof("starting ethercatmaster on %s/%s, cycle=%s, layout=%s",
		*backend, busCfg.Master.Interface, busCfg.Master.CyclePeriod, busCfg.Master.Layout)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	m := master.New(logger)

	var err error
	if busCfg.Master.RedundantInterface != "" {
		err = m.InitRedundant(*backend, busCfg.Master.Interface, busCfg.Master.RedundantInterface)
	} else {
		err = m.Init(*backend, busCfg.Master.Interface)
	}
	if err != nil {
		log.Fatalf("failed to open link: %v", err)
	}
	defer m.Close()

	n, err := m.ConfigInit(master.DefaultTimeout)
	if err != nil {
		log.Fatalf("config_init failed: %v", err)
	}
	log.Infof("config_init found %d slave(s)", n)
	if n == 0 {
		log.Warn("no slaves found, exiting")
		return
	}

	// Register any per-slave PRE-OP-to-SAFE-OP hooks here before
	// config_map runs, e.g.:
	//   m.Slave(1).PreOpToSafeOpHook = func() error { ... CoE SDO writes ... }

	iomapSize := 4096
	iomap := make([]byte, iomapSize)

	var group *process.Group
	if busCfg.Master.Layout == config.LayoutOverlap {
		group, err = m.ConfigOverlapMap(iomap)
	} else {
		group, err = m.ConfigMap(iomap)
	}
	if err != nil {
		log.Fatalf("config_map failed: %v", err)
	}
	log.Infof("config_map: %d output bytes, %d input bytes, %d segment(s)",
		group.OutputBytes, group.InputBytes, len(group.Segments))

	for i := 1; i <= n; i++ {
		if _, err := m.State.StateCheck(m.Slave(i).ConfiguredAddress,
			stateSafeOp, master.DefaultTimeout); err != nil {
			log.Warnf("slave %d did not reach SAFE-OP: %v", i, err)
		}
	}

	if err := m.RequestOp(0); err != nil {
		log.Fatalf("failed to request OP: %v", err)
	}

	mon := monitor.New(m, 100*time.Millisecond, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)
	mon.Start(ctx)
	defer mon.Stop()

	cycle := process.NewCycle(m.Port, group, iomap)
	ticker := time.NewTicker(busCfg.Master.CyclePeriod)
	defer ticker.Stop()

	log.Info("entering cyclic process-data loop, ctrl-c to stop")
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			if err := cycle.SendProcessData(); err != nil {
				log.Errorf("send_processdata: %v", err)
				continue
			}
			result, err := cycle.ReceiveProcessData(master.DefaultTimeout)
			if err != nil {
				log.Errorf("receive_processdata: %v", err)
				continue
			}
			m.RecordCycleWKC(result.WKC)
			if int(result.WKC) < m.ExpectedWKC() {
				log.Debugf("wkc=%d expected=%d", result.WKC, m.ExpectedWKC())
			}
		}
	}
}

// stateSafeOp mirrors frame.StateSafeOp; kept local to avoid importing
// pkg/frame into main just for one constant.
const stateSafeOp = 0x04

func notifyShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}

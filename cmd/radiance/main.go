// Command radiance boots a single aarch64 Linux guest under KVM from a
// YAML configuration file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ShadowCurse/radiance/internal/config"
	"github.com/ShadowCurse/radiance/internal/control"
	"github.com/ShadowCurse/radiance/internal/kvm"
	"github.com/ShadowCurse/radiance/internal/machine"
)

func main() {
	configPath := flag.String("config_path", "", "path to the machine configuration file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	defer func() {
		if r := recover(); r != nil {
			log.Error("fatal", "panic", r)
			os.Exit(1)
		}
	}()

	if err := run(*configPath, log); err != nil {
		log.Error("radiance exiting", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	if configPath == "" {
		return fmt.Errorf("--config_path is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	hyp, err := kvm.Open()
	if err != nil {
		return fmt.Errorf("open /dev/kvm: %w", err)
	}
	defer hyp.Close()

	m, err := machine.New(cfg, hyp, log)
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	defer m.Close()

	ctl, err := control.New(cfg.Control.SocketPath, m, m.EventLoop(), log)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer ctl.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("radiance: shutting down")
		m.Shutdown()
	}()

	log.Info("radiance starting", "config", configPath, "vcpus", cfg.Machine.VCPUs, "memory_mb", cfg.Machine.MemoryMB)
	return m.Run()
}

package service

import (
	"fmt"
	"os"

	svc "github.com/kardianos/service"
)

var serviceConfig = &svc.Config{
	Name:        "edgenat",
	DisplayName: "edgenat NAT gateway",
	Description: "Userspace NAT44/NAT66 gateway with endpoint-independent mapping",
}

type program struct {
	daemon *Daemon
}

func (p *program) Start(svc.Service) error {
	// Start must not block; the daemon runs until Stop.
	go func() {
		if err := p.daemon.Start(); err != nil {
			p.daemon.log.Error().Err(err).Msg("daemon failed to start")
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(svc.Service) error {
	if p.daemon != nil {
		p.daemon.Stop()
	}
	return nil
}

// Run executes the daemon under the system service manager when
// installed, or in the foreground otherwise.
func Run(opts Options) error {
	prg := &program{daemon: NewDaemon(opts)}
	s, err := svc.New(prg, serviceConfig)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	return s.Run()
}

// Control installs, uninstalls, starts or stops the system service.
func Control(action string) error {
	s, err := svc.New(&program{}, serviceConfig)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	if err := svc.Control(s, action); err != nil {
		return fmt.Errorf("service %s: %w", action, err)
	}
	return nil
}

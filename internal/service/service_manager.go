package service

import (
	"fmt"
	"os"

	"github.com/kardianos/service"

	"github.com/gajzzs/cardsync/internal/config"
)

// Manager wraps the system service layer (systemd on the appliances this
// ships on) around the daemon.
type Manager struct {
	svc    service.Service
	daemon *Daemon
}

type program struct {
	daemon *Daemon
}

func (p *program) Start(service.Service) error {
	return p.daemon.Start()
}

func (p *program) Stop(service.Service) error {
	return p.daemon.Stop()
}

// NewManager builds the service wrapper. configPath is forwarded to the
// daemon invocation so the installed unit uses the same configuration.
func NewManager(cfg *config.Config, configPath string) (*Manager, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}

	args := []string{"service", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	svcConfig := &service.Config{
		Name:        "cardsync",
		DisplayName: "CardSync Media Synchronizer",
		Description: "Synchronizes media content with removable USB and MicroSD storage",
		Executable:  execPath,
		Arguments:   args,
		Option: service.KeyValue{
			"RunAtLoad": true,
			"KeepAlive": true,
		},
	}

	daemon, err := NewDaemon(cfg)
	if err != nil {
		return nil, err
	}

	svc, err := service.New(&program{daemon: daemon}, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return &Manager{svc: svc, daemon: daemon}, nil
}

// Daemon returns the managed daemon instance.
func (m *Manager) Daemon() *Daemon { return m.daemon }

func (m *Manager) Install() error   { return m.svc.Install() }
func (m *Manager) Uninstall() error { return m.svc.Uninstall() }
func (m *Manager) Start() error     { return m.svc.Start() }
func (m *Manager) Stop() error      { return m.svc.Stop() }
func (m *Manager) Restart() error   { return m.svc.Restart() }

// Run blocks and drives the daemon under service supervision.
func (m *Manager) Run() error { return m.svc.Run() }

// Status reports the installed service state as a display string.
func (m *Manager) Status() (string, error) {
	status, err := m.svc.Status()
	if err != nil {
		return "unknown", err
	}
	switch status {
	case service.StatusRunning:
		return "running", nil
	case service.StatusStopped:
		return "stopped", nil
	default:
		return "unknown", nil
	}
}

package cmodule

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/lifecycle"
)

const auditLog = "audit.log"

// auditModule appends lifecycle records to the per-compartment audit log.
// Transport of the records to the audit collector is out of scope; the log
// file is the hand-over point.
type auditModule struct {
	lifecycle.Base

	// compartments already carrying the transition observer; observers
	// live for the compartment lifetime, not per start attempt
	observed map[uuid.UUID]bool
}

func registerAudit(reg *lifecycle.Registry) {
	reg.Register(&auditModule{observed: make(map[uuid.UUID]bool)})
}

func (m *auditModule) Name() string { return "audit" }

func (m *auditModule) SetupEarly(c *compartment.Compartment) error {
	if !m.observed[c.UUID()] {
		m.observed[c.UUID()] = true
		c.Observe(func(c *compartment.Compartment, from, to compartment.State) {
			m.record(c, fmt.Sprintf("state %s -> %s", from, to))
		})
	}
	m.record(c, "start requested")
	return nil
}

func (m *auditModule) StartComplete(c *compartment.Compartment) error {
	m.record(c, "started")
	return nil
}

func (m *auditModule) Stop(c *compartment.Compartment) error {
	m.record(c, "stop requested")
	return nil
}

func (m *auditModule) Cleanup(c *compartment.Compartment) {
	m.record(c, "torn down")
}

func (m *auditModule) record(c *compartment.Compartment, msg string) {
	path := filepath.Join(config.Dir(c.UUID()), auditLog)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logrus.WithError(err).Debug("audit log unavailable")
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s %s\n", time.Now().Format(time.RFC3339), c.UUID(), msg)
}

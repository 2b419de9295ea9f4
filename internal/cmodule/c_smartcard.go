package cmodule

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/cml-project/cmld/internal/compartment"
	"github.com/cml-project/cmld/internal/config"
	"github.com/cml-project/cmld/internal/errdefs"
	"github.com/cml-project/cmld/internal/lifecycle"
	"github.com/cml-project/cmld/internal/scd"
)

// smartcardModule unlocks the per-compartment key material through the
// credential collaborator before the volumes module assembles the root
// filesystem. The round-trip is asynchronous: the hook suspends the phase
// and the engine resumes it when the reply arrives.
type smartcardModule struct {
	lifecycle.Base
	idx    int
	client *scd.Client
}

type smartcardState struct {
	attached bool
}

func registerSmartcard(reg *lifecycle.Registry, client *scd.Client) {
	m := &smartcardModule{client: client}
	m.idx = reg.Register(m)
}

func (m *smartcardModule) Name() string { return "smartcard" }

func (m *smartcardModule) StartPreExec(c *compartment.Compartment, _ *lifecycle.ChildSetup, resume func(error)) (lifecycle.Status, error) {
	if !c.Config().TokenInit {
		return lifecycle.Done, nil
	}
	if m.client == nil {
		return lifecycle.Done, errdefs.New(errdefs.PreconditionFailed,
			"credential collaborator not connected")
	}

	wrapped, err := os.ReadFile(config.WrappedKeyPath(c.UUID()))
	if err != nil {
		if os.IsNotExist(err) {
			// First start: no key material was provisioned yet.
			return lifecycle.Done, nil
		}
		return lifecycle.Done, errdefs.Wrap(errdefs.CredentialError, "read wrapped key", err)
	}

	c.SetModuleData(m.idx, &smartcardState{})

	err = m.client.UnwrapKey(c.UUID(), wrapped, func(reply *scd.Reply, err error) {
		if err != nil {
			resume(err)
			return
		}
		if reply.Status != scd.StatusOK {
			resume(errdefs.Newf(errdefs.CredentialError,
				"key unwrap rejected: %s", reply.Status))
			return
		}
		c.SetKey(reply.Data)
		resume(nil)
	})
	if err != nil {
		return lifecycle.Done, err
	}
	return lifecycle.Pending, nil
}

func (m *smartcardModule) StartComplete(c *compartment.Compartment) error {
	c.SetTokenOps(&tokenOps{m: m, c: c})
	return nil
}

func (m *smartcardModule) Cleanup(c *compartment.Compartment) {
	c.SetKey(nil)
	c.SetTokenOps(nil)
	c.SetModuleData(m.idx, nil)
}

// tokenOps is the handle the hotplug coordinator drives when the token
// device comes and goes.
type tokenOps struct {
	m *smartcardModule
	c *compartment.Compartment
}

func (t *tokenOps) Attach() error {
	state, _ := t.c.ModuleData(t.m.idx).(*smartcardState)
	if state == nil {
		state = &smartcardState{}
		t.c.SetModuleData(t.m.idx, state)
	}
	if state.attached {
		return nil
	}
	state.attached = true

	if t.m.client == nil {
		return errdefs.New(errdefs.PreconditionFailed, "credential collaborator not connected")
	}
	// The unlock itself is asynchronous; a failure only logs because the
	// triggering uevent is already past.
	return t.m.client.TokenUnlock(t.c.UUID(), "", func(reply *scd.Reply, err error) {
		entry := logrus.WithField("compartment", t.c.Name())
		switch {
		case err != nil:
			entry.WithError(err).Warn("token unlock failed")
		case reply.Status != scd.StatusOK:
			entry.Warnf("token unlock rejected: %s", reply.Status)
		default:
			entry.Info("token attached")
		}
	})
}

func (t *tokenOps) Detach() error {
	state, _ := t.c.ModuleData(t.m.idx).(*smartcardState)
	if state == nil || !state.attached {
		return nil
	}
	state.attached = false
	logrus.WithField("compartment", t.c.Name()).Info("token detached")
	return nil
}

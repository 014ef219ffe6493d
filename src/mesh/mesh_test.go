package mesh

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/mesh/src/config"
)

func TestInitAssemblesEngine(t *testing.T) {
	conf := config.NewTestConfig(t)
	conf.BindAddr = "127.0.0.1:0"
	conf.NoService = true

	m := NewMesh(conf)
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}
	defer m.Node.Shutdown()

	if m.ID == 0 {
		t.Fatal("identity was not minted")
	}
	if m.Node == nil || m.Transport == nil {
		t.Fatal("engine not assembled")
	}
	if m.Service != nil {
		t.Fatal("service should be disabled")
	}

	// the node registers itself in its own topology
	if !m.Node.Topology().Contains(m.Node.ID()) {
		t.Fatal("self missing from topology")
	}
}

func TestInitBindFailure(t *testing.T) {
	conf := config.NewTestConfig(t)
	conf.BindAddr = "127.0.0.1:0"
	conf.NoService = true

	first := NewMesh(conf)
	if err := first.Init(); err != nil {
		t.Fatal(err)
	}
	defer first.Node.Shutdown()

	second := NewMesh(config.NewTestConfig(t))
	second.Config.BindAddr = first.Transport.LocalAddr()
	second.Config.NoService = true

	if err := second.Init(); err == nil {
		second.Node.Shutdown()
		t.Fatal("binding an occupied port should fail")
	}
}

func TestRunReturnsOnShutdown(t *testing.T) {
	conf := config.NewTestConfig(t)
	conf.BindAddr = "127.0.0.1:0"
	conf.NoService = true

	m := NewMesh(conf)
	if err := m.Init(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run() }()

	time.Sleep(100 * time.Millisecond)
	m.Node.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}

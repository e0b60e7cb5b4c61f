package traffic

import (
	"errors"
	"testing"
)

// fakeStrategy records calls and can be told to fail.
type fakeStrategy struct {
	registered   bool
	registers    int
	deregisters  int
	failNextCall bool
}

func (f *fakeStrategy) RegisterAsActive() error {
	f.registers++
	if f.failNextCall {
		return errors.New("target group unavailable")
	}
	f.registered = true
	return nil
}

func (f *fakeStrategy) DeregisterFromActive() error {
	f.deregisters++
	if f.failNextCall {
		return errors.New("target group unavailable")
	}
	f.registered = false
	return nil
}

func (f *fakeStrategy) IsRegistered() bool { return f.registered }

func (f *fakeStrategy) GetStatus() *TrafficStatus {
	return &TrafficStatus{StrategyType: "fake", Registered: f.registered}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("traffic management is off by default")
	}
	if cfg.Strategy != "noop" {
		t.Errorf("default strategy = %q, want noop", cfg.Strategy)
	}
}

func TestNewService_FallsBackToNoOp(t *testing.T) {
	cases := []*Config{
		nil,
		{Enabled: false},
		{Enabled: true, Strategy: "noop"},
		{Enabled: true, Strategy: "something-unknown"},
	}

	for _, cfg := range cases {
		svc := NewService(cfg)
		if svc.current() == nil {
			t.Fatalf("config %+v: expected a strategy", cfg)
		}
		if _, ok := svc.current().(*NoOpStrategy); !ok {
			t.Errorf("config %+v: expected NoOpStrategy, got %T", cfg, svc.current())
		}
	}
}

func TestService_DelegatesToStrategy(t *testing.T) {
	svc := NewService(&Config{Enabled: true})
	fake := &fakeStrategy{}
	svc.SetStrategy(fake)

	svc.RegisterAsActive()
	if fake.registers != 1 || !svc.IsRegistered() {
		t.Errorf("register: calls=%d registered=%v", fake.registers, svc.IsRegistered())
	}

	svc.DeregisterFromActive()
	if fake.deregisters != 1 || svc.IsRegistered() {
		t.Errorf("deregister: calls=%d registered=%v", fake.deregisters, svc.IsRegistered())
	}
}

func TestService_StrategyFailuresAreSwallowed(t *testing.T) {
	svc := NewService(&Config{Enabled: true})
	fake := &fakeStrategy{failNextCall: true}
	svc.SetStrategy(fake)

	// Neither call may panic or change registration on failure
	svc.RegisterAsActive()
	svc.DeregisterFromActive()

	if fake.registers != 1 || fake.deregisters != 1 {
		t.Errorf("strategy calls = %d/%d, want 1/1", fake.registers, fake.deregisters)
	}
	if svc.IsRegistered() {
		t.Error("failed register must not report the instance as registered")
	}
}

func TestService_Status(t *testing.T) {
	svc := NewService(nil)

	status := svc.GetStatus()
	if status.StrategyType != "noop" || !status.Registered {
		t.Errorf("noop status = %+v", status)
	}

	svc.SetStrategy(&fakeStrategy{registered: true})
	status = svc.GetStatus()
	if status.StrategyType != "fake" || !status.Registered {
		t.Errorf("fake status = %+v", status)
	}

	// A nil strategy degrades to an explicit uninitialized status
	svc.SetStrategy(nil)
	status = svc.GetStatus()
	if status.StrategyType != "uninitialized" {
		t.Errorf("nil-strategy status = %+v", status)
	}
	if svc.IsRegistered() {
		t.Error("nil strategy must report unregistered")
	}
}

func TestNoOpStrategy(t *testing.T) {
	s := NewNoOpStrategy()

	if err := s.RegisterAsActive(); err != nil {
		t.Errorf("register: %v", err)
	}
	if err := s.DeregisterFromActive(); err != nil {
		t.Errorf("deregister: %v", err)
	}
	if !s.IsRegistered() {
		t.Error("noop always reports registered")
	}
}

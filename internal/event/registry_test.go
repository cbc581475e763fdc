package event

import "testing"

type pingEvent struct{}

func (pingEvent) EventName() string { return "ping" }

func TestRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(FamilyDomain, "ping", func() Event { return &pingEvent{} }); err != nil {
		t.Fatalf("register: %v", err)
	}

	e, ok := reg.New("ping")
	if !ok {
		t.Fatal("expected registered event to resolve")
	}
	if _, ok := e.(*pingEvent); !ok {
		t.Fatalf("factory returned %T, want *pingEvent", e)
	}

	fam, ok := reg.Family("ping")
	if !ok || fam != FamilyDomain {
		t.Fatalf("Family(ping) = %v, %v", fam, ok)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	factory := func() Event { return &pingEvent{} }
	if err := reg.Register(FamilyDomain, "ping", factory); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(FamilyIntegration, "ping", factory); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(FamilyDomain, "", func() Event { return &pingEvent{} }); err == nil {
		t.Fatal("expected empty name to fail")
	}
	if err := reg.Register(FamilyDomain, "ping", nil); err == nil {
		t.Fatal("expected nil factory to fail")
	}
}

func TestUnknownLookups(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.New("ghost"); ok {
		t.Fatal("New on unknown name must report !ok")
	}
	if _, ok := reg.FamilyOf(nil); ok {
		t.Fatal("FamilyOf(nil) must report !ok")
	}
}

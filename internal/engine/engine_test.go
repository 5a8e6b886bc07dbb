package engine

import "testing"

func TestNewByKind(t *testing.T) {
	e, err := New(Config{Name: "local", Kind: KindOllama})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Kind() != KindOllama {
		t.Errorf("expected kind %q, got %q", KindOllama, e.Kind())
	}
	if e.Name() != "local" {
		t.Errorf("expected name local, got %q", e.Name())
	}

	e, err = New(Config{Name: "hosted", Kind: KindAgent, BaseURL: "http://localhost", AgentID: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Kind() != KindAgent {
		t.Errorf("expected kind %q, got %q", KindAgent, e.Kind())
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, err := New(Config{Name: "bad", Kind: "quantum"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

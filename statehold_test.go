package lockkeeper

import "testing"

func TestStateHolder_InitialState(t *testing.T) {
	var s stateHolder
	if s.IsStopped() {
		t.Fatal("expected not stopped initially")
	}
	if s.HasActiveClients() {
		t.Fatal("expected no active operations initially")
	}
}

func TestStateHolder_IncrementDecrement(t *testing.T) {
	var s stateHolder
	s.IncrementActive()
	if !s.HasActiveClients() {
		t.Fatal("expected active after increment")
	}
	s.DecrementActive()
	if s.HasActiveClients() {
		t.Fatal("expected inactive after matching decrement")
	}
}

func TestStateHolder_Stop(t *testing.T) {
	var s stateHolder
	s.Stop()
	if !s.IsStopped() {
		t.Fatal("expected stopped after Stop")
	}
}

func TestStateHolder_Reset(t *testing.T) {
	var s stateHolder
	s.IncrementActive()
	s.DecrementActive()
	s.Stop()
	s.Reset()
	if s.IsStopped() {
		t.Fatal("expected not stopped after Reset")
	}
	if s.HasActiveClients() {
		t.Fatal("expected inactive after Reset")
	}
}

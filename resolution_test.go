package lockkeeper

import "testing"

func TestAbortYoungerStrategy_Asymmetric(t *testing.T) {
	low := &Client{id: 1}
	high := &Client{id: 2}
	var s AbortYoungerStrategy

	lowAborts := s.ShouldAbort(low, high)
	highAborts := s.ShouldAbort(high, low)

	if lowAborts == highAborts {
		t.Fatalf("expected exactly one side to abort, got low=%v high=%v", lowAborts, highAborts)
	}
	if lowAborts {
		t.Fatal("expected the higher client id to be the one that aborts")
	}
}

func TestRandomStrategy_Asymmetric(t *testing.T) {
	a := &Client{id: 10}
	b := &Client{id: 20}
	var s RandomStrategy

	aAborts := s.ShouldAbort(a, b)
	bAborts := s.ShouldAbort(b, a)

	if aAborts == bAborts {
		t.Fatalf("expected exactly one side to abort, got a=%v b=%v", aAborts, bAborts)
	}
}

func TestRandomStrategy_DeterministicPerPair(t *testing.T) {
	a := &Client{id: 3}
	b := &Client{id: 7}
	var s RandomStrategy

	first := s.ShouldAbort(a, b)
	second := s.ShouldAbort(a, b)
	if first != second {
		t.Fatal("expected the same pair to always resolve the same way")
	}
}

func TestAlwaysAbortSelfStrategy(t *testing.T) {
	a := &Client{id: 1}
	b := &Client{id: 2}
	var s AlwaysAbortSelfStrategy
	if !s.ShouldAbort(a, b) {
		t.Fatal("expected self to always abort")
	}
}

package labtemplate

import (
	"testing"
)

func TestListenerSet_OrderAndRemoval(t *testing.T) {
	l := newListenerSet()
	var calls []string

	l.add(func(State) { calls = append(calls, "a") })
	removeB := l.add(func(State) { calls = append(calls, "b") })
	l.add(func(State) { calls = append(calls, "c") })

	l.notify(State{})
	if !equalStrings(calls, []string{"a", "b", "c"}) {
		t.Fatalf("expected registration order, got %v", calls)
	}

	removeB()
	removeB()
	calls = nil
	l.notify(State{})
	if !equalStrings(calls, []string{"a", "c"}) {
		t.Fatalf("expected b removed, got %v", calls)
	}
}

func TestListenerSet_RemoveOtherDuringNotify(t *testing.T) {
	l := newListenerSet()
	var calls []string
	var removeSecond func()

	l.add(func(State) {
		calls = append(calls, "first")
		removeSecond()
	})
	removeSecond = l.add(func(State) { calls = append(calls, "second") })

	l.notify(State{})
	if !equalStrings(calls, []string{"first"}) {
		t.Fatalf("listener removed mid-round must be skipped, got %v", calls)
	}
}

func TestListenerSet_AddDuringNotify(t *testing.T) {
	l := newListenerSet()
	var late int
	l.add(func(State) {
		l.add(func(State) { late++ })
	})

	l.notify(State{})
	if late != 0 {
		t.Fatalf("listener added mid-round must wait for the next round, got %d calls", late)
	}
	l.notify(State{})
	if late != 1 {
		t.Fatalf("expected late listener called once, got %d", late)
	}
}

func TestSelection(t *testing.T) {
	s := newSelection()
	if !s.add("b") || !s.add("a") {
		t.Fatal("expected new ids to be inserted")
	}
	if s.add("b") {
		t.Error("duplicate add must report false")
	}
	if !equalStrings(s.list(), []string{"b", "a"}) {
		t.Fatalf("expected insertion order, got %v", s.list())
	}

	out := s.list()
	out[0] = "mutated"
	if s.list()[0] != "b" {
		t.Fatal("list must return a copy")
	}

	if !s.remove("b") || s.remove("b") {
		t.Error("remove must report presence once")
	}
	if !equalStrings(s.list(), []string{"a"}) {
		t.Fatalf("expected [a], got %v", s.list())
	}

	s.clear()
	if got := s.list(); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", got)
	}
	if !s.add("b") {
		t.Error("expected add after clear to succeed")
	}
}

package execution

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := map[State][]State{
		StatePending: {StateRunning, StateFailed, StateCancelled},
		StateRunning: {StateFinished, StateFailed, StateCancelled},
	}

	for _, from := range States {
		for _, to := range States {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()
	for _, s := range States {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range States {
			if CanTransition(s, to) {
				t.Errorf("terminal state %s must not reach %s", s, to)
			}
		}
	}
}

func TestHasContainer(t *testing.T) {
	t.Parallel()
	tests := map[State]bool{
		StatePending:   false,
		StateRunning:   true,
		StateFinished:  true,
		StateFailed:    true,
		StateCancelled: false,
	}
	for s, want := range tests {
		if got := s.HasContainer(); got != want {
			t.Errorf("%s.HasContainer() = %v, want %v", s, got, want)
		}
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()
	if s, ok := ParseState("RUNNING"); !ok || s != StateRunning {
		t.Errorf("ParseState(RUNNING) = %q, %v", s, ok)
	}
	if _, ok := ParseState("running"); ok {
		t.Error("state names are case sensitive")
	}
	if _, ok := ParseState("DONE"); ok {
		t.Error("unknown state must not parse")
	}
}

package scheduler

import (
	"reflect"
	"testing"
)

func twoPersonas(aliceProactivity, bobProactivity float64) []Candidate {
	return []Candidate{
		{Handle: "alice", Proactivity: aliceProactivity, MaxAgentsPerTurn: 1},
		{Handle: "bob", Proactivity: bobProactivity, MaxAgentsPerTurn: 1},
	}
}

func handles(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Handle
	}
	return out
}

func TestMentions(t *testing.T) {
	t.Parallel()

	got := Mentions("hey @bob and @alice, ping @bob again")
	want := []string{"bob", "alice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Mentions = %v, want %v", got, want)
	}
	if got := Mentions("no mentions here"); got != nil {
		t.Errorf("Mentions = %v, want none", got)
	}
}

// Mention routing: an explicit @-mention wins regardless of seed.
func TestNextTurnMentionRouting(t *testing.T) {
	t.Parallel()

	for seed := int64(0); seed < 20; seed++ {
		s := New(seed)
		state := NewState()
		got := s.NextTurn(twoPersonas(0.3, 0.3), state, Input{Message: "hi @bob", Fresh: true})
		if len(got) != 1 || got[0].Handle != "bob" {
			t.Fatalf("seed %d: selected %v, want [bob]", seed, handles(got))
		}
	}
}

// Proactivity tiebreak: noise is bounded by 0.1, so a 0.8-vs-0.2 gap is
// decisive on the first turn.
func TestNextTurnProactivityWins(t *testing.T) {
	t.Parallel()

	s := New(0)
	state := NewState()
	got := s.NextTurn(twoPersonas(0.8, 0.2), state, Input{Message: "hello", Fresh: true})
	if len(got) != 1 || got[0].Handle != "alice" {
		t.Fatalf("selected %v, want [alice]", handles(got))
	}
	if state.LastSpeaker != "alice" || state.TurnCount != 1 {
		t.Errorf("state not updated: %+v", state)
	}
	if state.Consecutive["alice"] != 1 || state.Consecutive["bob"] != 0 {
		t.Errorf("consecutive counts wrong: %v", state.Consecutive)
	}
	if state.CooldownUntil["alice"] != 3 {
		t.Errorf("cooldown = %d, want turn_count+2 = 3", state.CooldownUntil["alice"])
	}
}

// Consecutive penalty: after alice spoke twice in a row her cooldown and
// consecutive penalties outweigh her proactivity and bob takes the turn.
func TestNextTurnConsecutivePenalty(t *testing.T) {
	t.Parallel()

	s := New(0)
	state := NewState()
	state.TurnCount = 2
	state.LastSpeaker = "alice"
	state.Consecutive["alice"] = 2
	state.LastSpokeTurn["alice"] = 2
	state.CooldownUntil["alice"] = 4

	got := s.NextTurn(twoPersonas(0.8, 0.2), state, Input{Message: "hello", Fresh: true})
	if len(got) != 1 || got[0].Handle != "bob" {
		t.Fatalf("selected %v, want [bob]", handles(got))
	}
	if state.Consecutive["alice"] != 0 {
		t.Error("unselected persona's consecutive count must reset")
	}
	if state.Consecutive["bob"] != 1 {
		t.Error("selected persona's consecutive count must increment")
	}
}

func TestNextTurnDeterministicForSeed(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{Handle: "a", Proactivity: 0.5, MaxAgentsPerTurn: 2},
		{Handle: "b", Proactivity: 0.5, MaxAgentsPerTurn: 2},
		{Handle: "c", Proactivity: 0.5, MaxAgentsPerTurn: 2},
	}

	run := func(seed int64) [][]string {
		s := New(seed)
		state := NewState()
		var turns [][]string
		for i := 0; i < 5; i++ {
			turns = append(turns, handles(s.NextTurn(candidates, state, Input{Message: "hello", Fresh: true})))
		}
		return turns
	}

	if !reflect.DeepEqual(run(42), run(42)) {
		t.Fatal("same seed must reproduce the same selections")
	}
}

func TestNextTurnTargetsOverrideMentions(t *testing.T) {
	t.Parallel()

	s := New(0)
	state := NewState()
	got := s.NextTurn(twoPersonas(0.3, 0.3), state, Input{
		Message: "hi @bob",
		Fresh:   true,
		Targets: []string{"alice"},
	})
	if len(got) != 1 || got[0].Handle != "alice" {
		t.Fatalf("selected %v, want targets override [alice]", handles(got))
	}
}

func TestNextTurnMentionOrderPreserved(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{Handle: "a", Proactivity: 0.1, MaxAgentsPerTurn: 1},
		{Handle: "b", Proactivity: 0.1, MaxAgentsPerTurn: 1},
		{Handle: "c", Proactivity: 0.1, MaxAgentsPerTurn: 1},
	}
	s := New(7)
	got := s.NextTurn(candidates, NewState(), Input{Message: "@c then @a", Fresh: true})
	want := []string{"c", "a"}
	if !reflect.DeepEqual(handles(got), want) {
		t.Fatalf("selected %v, want %v (mentions beat the slot cap, in order)", handles(got), want)
	}
}

func TestNextTurnDefaultFallback(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		// strong negative bias: on cooldown and deep in consecutive debt
		{Handle: "quiet", Proactivity: 0.0, MaxAgentsPerTurn: 1},
		{Handle: "fallback", Proactivity: 0.0, MaxAgentsPerTurn: 1, IsDefault: true},
	}
	s := New(3)
	state := NewState()
	state.TurnCount = 1
	for _, h := range []string{"quiet", "fallback"} {
		state.Consecutive[h] = 3
		state.LastSpokeTurn[h] = 1
		state.CooldownUntil[h] = 3
	}

	got := s.NextTurn(candidates, state, Input{Message: "hm", Fresh: false})
	if len(got) != 1 || got[0].Handle != "fallback" {
		t.Fatalf("selected %v, want the default persona", handles(got))
	}
}

func TestNextTurnEmptyWhenNoDefault(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{Handle: "quiet", Proactivity: 0.0, MaxAgentsPerTurn: 1},
	}
	s := New(3)
	state := NewState()
	state.TurnCount = 1
	state.Consecutive["quiet"] = 3
	state.CooldownUntil["quiet"] = 3
	state.LastSpokeTurn["quiet"] = 1

	if got := s.NextTurn(candidates, state, Input{Message: "hm", Fresh: false}); len(got) != 0 {
		t.Fatalf("selected %v, want empty turn", handles(got))
	}
}

func TestNextTurnSlotCap(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{Handle: "a", Proactivity: 0.9, MaxAgentsPerTurn: 2},
		{Handle: "b", Proactivity: 0.9, MaxAgentsPerTurn: 2},
		{Handle: "c", Proactivity: 0.9, MaxAgentsPerTurn: 2},
	}
	s := New(11)
	got := s.NextTurn(candidates, NewState(), Input{Message: "everyone!", Fresh: true})
	if len(got) != 2 {
		t.Fatalf("selected %d personas, want the slot cap of 2", len(got))
	}
}

package sequencing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 9, 5, 8, 0, 0, 0, time.UTC)

func done(id int64) Stop {
	at := t0.Add(time.Duration(id) * time.Minute)
	return Stop{ID: id, Sequenced: true, CompletedAt: &at}
}

func seq(id int64) Stop  { return Stop{ID: id, Sequenced: true} }
func free(id int64) Stop { return Stop{ID: id} }

func freeDone(id int64) Stop {
	s := done(id)
	s.Sequenced = false
	return s
}

func TestResolve(t *testing.T) {
	cases := []struct {
		name  string
		hint  int
		stops []Stop
		want  []string
	}{
		{name: "empty", hint: NoCurrentStop, stops: nil, want: []string{}},
		{name: "single pending sequenced", hint: NoCurrentStop, stops: []Stop{seq(7)}, want: []string{"7"}},
		{name: "single completed", hint: 0, stops: []Stop{done(7)}, want: []string{}},
		{name: "all free-floating", hint: NoCurrentStop, stops: []Stop{free(1), free(2)}, want: []string{}},
		{name: "all completed", hint: 2, stops: []Stop{done(0), freeDone(1), done(2)}, want: []string{}},
		{name: "fresh trip", hint: NoCurrentStop, stops: []Stop{seq(0), seq(1), seq(2)}, want: []string{"0"}},
		{name: "in order progress", hint: 1, stops: []Stop{done(0), done(1), seq(2), seq(3)}, want: []string{"2"}},
		{
			name:  "out of order completion unlocks lead",
			hint:  3,
			stops: []Stop{done(0), seq(1), seq(2), done(3), seq(4)},
			want:  []string{"1", "4"},
		},
		{
			name:  "out of order completion at end",
			hint:  3,
			stops: []Stop{done(0), seq(1), seq(2), done(3)},
			want:  []string{"1"},
		},
		{
			name:  "free-floating never appears",
			hint:  NoCurrentStop,
			stops: []Stop{free(0), free(1), seq(2)},
			want:  []string{"2"},
		},
		{
			name:  "pending free-floating blocks lead",
			hint:  0,
			stops: []Stop{done(0), free(1), seq(2)},
			want:  []string{"2"},
		},
		{
			name:  "completed free-floating advances lead",
			hint:  1,
			stops: []Stop{seq(0), freeDone(1), seq(2), seq(3)},
			want:  []string{"0", "2"},
		},
		{
			name:  "non-contiguous ids",
			hint:  NoCurrentStop,
			stops: []Stop{seq(40), seq(12), seq(99)},
			want:  []string{"40"},
		},
		{
			name:  "hint out of range is ignored",
			hint:  42,
			stops: []Stop{done(0), seq(1)},
			want:  []string{"1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.hint, tc.stops, nil)
			assert.Equal(t, tc.want, got.IDs())
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	stops := []Stop{done(0), seq(1), free(2), done(3), seq(4)}
	a := Resolve(3, stops, nil)
	b := Resolve(3, stops, a)
	assert.True(t, a.Equal(b))
}

func TestResolveClosedMembership(t *testing.T) {
	lists := [][]Stop{
		{free(0), seq(1), free(2), seq(3)},
		{freeDone(0), free(1), seq(2)},
		{done(0), free(1), done(2), free(3), seq(4)},
		{done(0), freeDone(1), free(2)},
	}
	for _, stops := range lists {
		byKey := map[string]Stop{}
		for _, s := range stops {
			byKey[s.Key()] = s
		}
		for id := range Resolve(NoCurrentStop, stops, nil) {
			s, ok := byKey[id]
			require.True(t, ok, "unknown id %s", id)
			assert.True(t, s.Sequenced, "free-floating stop %s in eligible set", id)
			assert.False(t, s.Completed(), "completed stop %s in eligible set", id)
		}
	}
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	stops := []Stop{done(0), seq(1), seq(2)}
	snapshot := append([]Stop(nil), stops...)
	prev := NewEligibleSet("2", "9")

	got := Resolve(0, stops, prev)
	got["777"] = struct{}{}

	assert.Equal(t, snapshot, stops)
	assert.Equal(t, []string{"2", "9"}, prev.IDs())
}

func TestResolveReturnsFreshSet(t *testing.T) {
	stops := []Stop{seq(1)}
	a := Resolve(NoCurrentStop, stops, nil)
	a["2"] = struct{}{}
	b := Resolve(NoCurrentStop, stops, nil)
	assert.Equal(t, []string{"1"}, b.IDs())
}

func TestResolveEmptyInputIgnoresPrevious(t *testing.T) {
	got := Resolve(5, []Stop{}, NewEligibleSet("1", "2"))
	require.NotNil(t, got)
	assert.Zero(t, got.Len())
}

func TestResolveFailsClosed(t *testing.T) {
	var recovered any
	r := Resolver{
		OnFailClosed: func(v any) { recovered = v },
		guard:        func([]Stop) bool { panic("guard broke") },
	}
	got := r.Resolve(0, []Stop{seq(1), seq(2)}, NewEligibleSet("1"))
	require.NotNil(t, got)
	assert.Zero(t, got.Len())
	assert.Equal(t, "guard broke", recovered)
}

func TestResolveGuardShortCircuits(t *testing.T) {
	r := Resolver{guard: func([]Stop) bool { return true }}
	assert.Zero(t, r.Resolve(NoCurrentStop, []Stop{seq(1)}, nil).Len())
}

func TestLeadTarget(t *testing.T) {
	assert.Equal(t, -1, leadTarget([]Stop{done(0), free(1), seq(2)}), "pending free-floating must block")
	assert.Equal(t, 0, leadTarget([]Stop{seq(0), seq(1)}))
	assert.Equal(t, -1, leadTarget([]Stop{free(0), seq(1)}))
	assert.Equal(t, 4, leadTarget([]Stop{done(0), seq(1), seq(2), done(3), seq(4)}))
	assert.Equal(t, -1, leadTarget([]Stop{done(0), done(1)}))
}

func TestCatchUpTarget(t *testing.T) {
	assert.Equal(t, 2, catchUpTarget([]Stop{done(0), free(1), seq(2)}))
	assert.Equal(t, -1, catchUpTarget([]Stop{free(0), freeDone(1)}))
	assert.Equal(t, 1, catchUpTarget([]Stop{done(0), seq(1), done(2)}))
}

func TestAllSequencedStopsSatisfied(t *testing.T) {
	assert.True(t, AllSequencedStopsSatisfied(nil))
	assert.True(t, AllSequencedStopsSatisfied([]Stop{}))
	assert.True(t, AllSequencedStopsSatisfied([]Stop{free(0), free(1)}))
	assert.True(t, AllSequencedStopsSatisfied([]Stop{done(0), free(1), done(2)}))
	assert.False(t, AllSequencedStopsSatisfied([]Stop{done(0), seq(1)}))
	assert.False(t, AllSequencedStopsSatisfied([]Stop{seq(0)}))
}

func TestLastCompleted(t *testing.T) {
	assert.Equal(t, NoCurrentStop, LastCompleted(nil))
	assert.Equal(t, NoCurrentStop, LastCompleted([]Stop{seq(0), free(1)}))
	assert.Equal(t, 3, LastCompleted([]Stop{done(0), seq(1), seq(2), done(3), seq(4)}))
	assert.Equal(t, 1, LastCompleted([]Stop{seq(0), freeDone(1)}))
}

func TestNormalizeHint(t *testing.T) {
	assert.Equal(t, NoCurrentStop, NormalizeHint(-3, 4))
	assert.Equal(t, NoCurrentStop, NormalizeHint(4, 4))
	assert.Equal(t, NoCurrentStop, NormalizeHint(0, 0))
	assert.Equal(t, 2, NormalizeHint(2, 4))
}

func TestEligibleSetEqual(t *testing.T) {
	assert.True(t, NewEligibleSet().Equal(nil))
	assert.True(t, NewEligibleSet("1", "4").Equal(NewEligibleSet("4", "1")))
	assert.False(t, NewEligibleSet("1").Equal(NewEligibleSet("2")))
	assert.False(t, NewEligibleSet("1").Equal(NewEligibleSet("1", "2")))
}

func TestEligibleSetIDsOrder(t *testing.T) {
	assert.Equal(t, []string{"2", "10", "33"}, NewEligibleSet("33", "10", "2").IDs())
}

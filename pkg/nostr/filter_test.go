package nostr

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFilterMarshalTagPrefixes(t *testing.T) {
	f := Filter{
		Kinds: []int{KindThreadRoot, KindGenericReply},
		Tags:  map[string][]string{"p": {"pk1"}, "a": {"31933:pk:proj"}},
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"#p"`) || !strings.Contains(s, `"#a"`) {
		t.Errorf("expected #-prefixed tag keys, got %s", s)
	}

	var back Filter
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(back.Tags["p"]) != 1 || back.Tags["p"][0] != "pk1" {
		t.Errorf("tag filter lost in round trip: %+v", back.Tags)
	}
	if len(back.Kinds) != 2 {
		t.Errorf("kinds lost in round trip: %+v", back.Kinds)
	}
}

func TestFilterMatches(t *testing.T) {
	ev := &Event{
		ID:        "id1",
		PubKey:    "author1",
		CreatedAt: 100,
		Kind:      KindGenericReply,
		Tags:      Tags{{"p", "agent1"}, {"e", "root1", "", "root"}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"kind match", Filter{Kinds: []int{KindGenericReply}}, true},
		{"kind mismatch", Filter{Kinds: []int{KindThreadRoot}}, false},
		{"author match", Filter{Authors: []string{"author1"}}, true},
		{"author mismatch", Filter{Authors: []string{"other"}}, false},
		{"p-tag match", Filter{Tags: map[string][]string{"p": {"agent1"}}}, true},
		{"p-tag mismatch", Filter{Tags: map[string][]string{"p": {"agent2"}}}, false},
		{"since excludes older", Filter{Since: 200}, false},
		{"until excludes newer", Filter{Until: 50}, false},
		{"id match", Filter{IDs: []string{"id1"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(ev); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

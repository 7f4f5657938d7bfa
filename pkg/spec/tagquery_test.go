package spec

import "testing"

func TestTagQueryEval(t *testing.T) {
	tags := map[string]struct{}{"a": {}, "b": {}}

	tests := []struct {
		name string
		q    *TagQuery
		want bool
	}{
		{"nil matches all", nil, true},
		{"single tag present", &TagQuery{Tag: "a"}, true},
		{"single tag absent", &TagQuery{Tag: "c"}, false},
		{"and both present", &TagQuery{And: []*TagQuery{{Tag: "a"}, {Tag: "b"}}}, true},
		{"and one absent", &TagQuery{And: []*TagQuery{{Tag: "a"}, {Tag: "c"}}}, false},
		{"or one present", &TagQuery{Or: []*TagQuery{{Tag: "c"}, {Tag: "a"}}}, true},
		{"or none present", &TagQuery{Or: []*TagQuery{{Tag: "c"}, {Tag: "d"}}}, false},
		{"not present", &TagQuery{Not: &TagQuery{Tag: "a"}}, false},
		{"not absent", &TagQuery{Not: &TagQuery{Tag: "c"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Eval(tags); got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSimpleOr(t *testing.T) {
	if q := SimpleOr(nil); q != nil {
		t.Fatalf("SimpleOr(nil) = %v, want nil", q)
	}
	q := SimpleOr([]string{"a", "b"})
	if !q.Eval(map[string]struct{}{"b": {}}) {
		t.Fatal("expected simple-or query to match tag b")
	}
	if q.Eval(map[string]struct{}{"c": {}}) {
		t.Fatal("expected simple-or query to reject tag c")
	}
}

func TestDiffFieldsMetadataOnly(t *testing.T) {
	old := &ServerSpec{Name: "alpha", Command: "run", Tags: []string{"x"}}
	next := old.Clone()
	next.Tags = []string{"y"}

	fields := DiffFields(old, next)
	if !IsMetadataOnly(fields) {
		t.Fatalf("expected tags-only change to be metadata-only, fields=%v", fields)
	}

	next2 := old.Clone()
	next2.Args = []string{"--flag"}
	fields2 := DiffFields(old, next2)
	if IsMetadataOnly(fields2) {
		t.Fatalf("expected args change to not be metadata-only, fields=%v", fields2)
	}
}

func TestValidateRejectsBothVariants(t *testing.T) {
	s := &ServerSpec{Name: "bad", Command: "run", URL: "http://x"}
	issues := Validate(s)
	if len(issues) == 0 {
		t.Fatal("expected validation issue for spec with both command and url")
	}
}

func TestValidateAcceptsStdio(t *testing.T) {
	s := &ServerSpec{Name: "alpha", Command: "run"}
	issues := Validate(s)
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
	if s.Kind != KindStdio {
		t.Fatalf("expected KindStdio, got %v", s.Kind)
	}
}

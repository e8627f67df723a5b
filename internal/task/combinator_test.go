package task

import (
	"errors"
	"reflect"
	"testing"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/config"
	"repair-bench/internal/profile"
	"repair-bench/internal/tool"
)

type combo struct {
	tp, cp, bug, tool string
}

func testBenchmark(t *testing.T, bugs ...string) benchmark.Benchmark {
	t.Helper()
	items := make([]benchmark.ExperimentItem, len(bugs))
	for i, b := range bugs {
		items[i] = benchmark.ExperimentItem{Subject: "subj", BugID: b, Metadata: map[string]any{"k": "v"}}
	}
	c, err := benchmark.NewCatalog("Bench", "", items)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func testTools(names ...string) []tool.Tool {
	out := make([]tool.Tool, len(names))
	for i, n := range names {
		out[i] = &tool.Definition{ToolName: n, BaseImage: n + ":latest", Env: map[string]string{"A": "1"}}
	}
	return out
}

func testRequest(t *testing.T) EnumerateRequest {
	four := 4
	return EnumerateRequest{
		Tools:     testTools("T1", "T2"),
		Benchmark: testBenchmark(t, "E1", "E2"),
		TaskProfiles: map[string]*profile.TaskProfile{
			"P1": {ID: "P1", Attributes: map[string]any{"nested": map[string]any{"x": 1}}},
			"P2": {ID: "P2"},
		},
		ContainerProfiles: map[string]*profile.ContainerProfile{
			"C1": {ID: "C1", CPUCount: &four},
			"C2": {ID: "C2"},
		},
		TaskProfileIDs:      []string{"P1", "P2"},
		ContainerProfileIDs: []string{"C1"},
		Config:              config.TaskConfigFromSettings(config.DefaultSettings()),
		ToolParams:          "-x 1",
		ToolTag:             "exp",
	}
}

func collect(s *Stream) []Task {
	var out []Task
	for t := range s.All() {
		out = append(out, t)
	}
	return out
}

func mustEnumerate(t *testing.T, req EnumerateRequest) *Stream {
	t.Helper()
	s, err := Enumerate(req)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	return s
}

func TestEnumerate_Order(t *testing.T) {
	s := mustEnumerate(t, testRequest(t))

	var got []combo
	for _, tk := range collect(s) {
		got = append(got, combo{tk.Data.TaskProfile.ID, tk.Data.ContainerProfile.ID, tk.Data.Item.BugID, tk.Data.Tool.Name()})
	}
	want := []combo{
		{"P1", "C1", "E1", "T1"},
		{"P1", "C1", "E1", "T2"},
		{"P1", "C1", "E2", "T1"},
		{"P1", "C1", "E2", "T2"},
		{"P2", "C1", "E1", "T1"},
		{"P2", "C1", "E1", "T2"},
		{"P2", "C1", "E2", "T1"},
		{"P2", "C1", "E2", "T2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected order:\n got %v\nwant %v", got, want)
	}
}

func TestEnumerate_CountIsProduct(t *testing.T) {
	cases := []struct {
		tps, cps []string
		bugs     []string
		tools    []string
		filter   Filter
		want     int
	}{
		{[]string{"P1"}, []string{"C1"}, []string{"E1"}, []string{"T1"}, Filter{}, 1},
		{[]string{"P1", "P2"}, []string{"C1", "C2"}, []string{"E1", "E2", "E3"}, []string{"T1", "T2"}, Filter{}, 24},
		{[]string{"P1", "P2"}, []string{"C2"}, []string{"E1", "E2", "E3"}, []string{"T1"}, Filter{EndIndex: 2}, 4},
		{[]string{"P1"}, []string{"C1", "C2"}, []string{"E1", "E2"}, nil, Filter{}, 0},
		{[]string{"P1"}, []string{"C1"}, nil, []string{"T1"}, Filter{}, 0},
	}
	for i, tc := range cases {
		req := testRequest(t)
		req.TaskProfileIDs = tc.tps
		req.ContainerProfileIDs = tc.cps
		req.Benchmark = testBenchmark(t, tc.bugs...)
		req.Tools = testTools(tc.tools...)
		req.Filter = tc.filter

		s := mustEnumerate(t, req)
		filtered := len(tc.filter.Apply(req.Benchmark.Experiments()))
		if product := len(tc.tps) * len(tc.cps) * filtered * len(tc.tools); product != tc.want {
			t.Fatalf("case %d: product %d, want %d", i, product, tc.want)
		}
		if got := len(collect(s)); got != tc.want {
			t.Fatalf("case %d: expected %d tasks, got %d", i, tc.want, got)
		}
	}
}

func TestEnumerate_MissingProfileFailsFast(t *testing.T) {
	req := testRequest(t)
	req.ContainerProfileIDs = []string{"C1", "C9"}

	s, err := Enumerate(req)
	if s != nil {
		t.Fatalf("expected no stream on error")
	}
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if cfgErr.Kind != "container profile" || cfgErr.ID != "C9" {
		t.Fatalf("unexpected config error %+v", cfgErr)
	}

	req = testRequest(t)
	req.TaskProfileIDs = []string{"P3"}
	_, err = Enumerate(req)
	if !errors.As(err, &cfgErr) || cfgErr.ID != "P3" {
		t.Fatalf("expected ConfigError for P3, got %v", err)
	}
}

func TestEnumerate_OverridesOnCopiesOnly(t *testing.T) {
	req := testRequest(t)
	for _, tk := range collect(mustEnumerate(t, req)) {
		if tk.Data.TaskProfile.ToolParams != "-x 1" || tk.Data.TaskProfile.ToolTag != "exp" {
			t.Fatalf("overrides not applied: %+v", tk.Data.TaskProfile)
		}
	}
	if p := req.TaskProfiles["P1"]; p.ToolTag != "" || p.ToolParams != "" {
		t.Fatalf("template profile was modified: %+v", p)
	}
}

func TestEnumerate_NoAliasingBetweenTasks(t *testing.T) {
	req := testRequest(t)
	tasks := collect(mustEnumerate(t, req))
	if len(tasks) < 2 {
		t.Fatalf("expected at least 2 tasks, got %d", len(tasks))
	}

	a, b := tasks[0].Data, tasks[1].Data
	a.TaskProfile.Attributes["nested"].(map[string]any)["x"] = 99
	*a.ContainerProfile.CPUCount = 1
	a.Tool.(*tool.Definition).Env["A"] = "changed"
	*tasks[0].Config.Runs = 42

	if got := b.TaskProfile.Attributes["nested"].(map[string]any)["x"]; got != 1 {
		t.Errorf("task profile attributes aliased: %v", got)
	}
	if got := *b.ContainerProfile.CPUCount; got != 4 {
		t.Errorf("container profile aliased: %d", got)
	}
	if got := req.TaskProfiles["P1"].Attributes["nested"].(map[string]any)["x"]; got != 1 {
		t.Errorf("template task profile modified: %v", got)
	}
	if got := *req.ContainerProfiles["C1"].CPUCount; got != 4 {
		t.Errorf("template container profile modified: %d", got)
	}
	if got := req.Tools[0].(*tool.Definition).Env["A"]; got != "1" {
		t.Errorf("tool template modified: %q", got)
	}
	if got := *tasks[1].Config.Runs; got != 1 {
		t.Errorf("task config aliased: %d", got)
	}
	if a.Benchmark == b.Benchmark {
		t.Errorf("tasks share one benchmark instance")
	}
}

func TestStream_SingleUse(t *testing.T) {
	s := mustEnumerate(t, testRequest(t))

	if n := len(collect(s)); n != 8 {
		t.Fatalf("expected 8 tasks, got %d", n)
	}
	if n := len(collect(s)); n != 0 {
		t.Fatalf("expected exhausted stream, got %d more tasks", n)
	}
	if _, ok := s.Next(); ok {
		t.Fatalf("Next on exhausted stream returned a task")
	}
}

func TestStream_BreakResumesWhereItStopped(t *testing.T) {
	s := mustEnumerate(t, testRequest(t))

	n := 0
	for range s.All() {
		n++
		if n == 3 {
			break
		}
	}
	if rest := len(collect(s)); rest != 5 {
		t.Fatalf("expected 5 remaining tasks, got %d", rest)
	}
}

func TestEnumerateExperiments_NilTool(t *testing.T) {
	s, err := EnumerateExperiments(testRequest(t))
	if err != nil {
		t.Fatalf("EnumerateExperiments: %v", err)
	}

	tasks := collect(s)
	if len(tasks) != 2*1*2 {
		t.Fatalf("expected 4 tasks, got %d", len(tasks))
	}
	for _, tk := range tasks {
		if tk.Data.Tool != nil {
			t.Fatalf("expected nil tool, got %s", tk.Data.Tool.Name())
		}
	}
	if tasks[0].Data.BugIndex != 1 || tasks[1].Data.BugIndex != 2 {
		t.Fatalf("unexpected bug indices %d, %d", tasks[0].Data.BugIndex, tasks[1].Data.BugIndex)
	}
}

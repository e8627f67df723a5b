package task

import "testing"

func TestPlan_ExpandsRuns(t *testing.T) {
	req := testRequest(t)
	req.TaskProfileIDs = []string{"P1"}
	runs := 3
	req.Config.Runs = &runs

	s, err := Enumerate(req)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	plan := Plan(s, 1)

	if len(plan) != 1*1*2*2*3 {
		t.Fatalf("expected 12 planned runs, got %d", len(plan))
	}
	want := map[int]string{
		0: "Bench-T1-exp-subj-E1-P1-C1-0",
		1: "Bench-T1-exp-subj-E1-P1-C1-1",
		3: "Bench-T2-exp-subj-E1-P1-C1-0",
	}
	for i, id := range want {
		if plan[i].Identifier != id {
			t.Fatalf("plan[%d]: expected %q, got %q", i, id, plan[i].Identifier)
		}
	}
	if plan[0].ImageName != "t1-bench-subj-e1-exp" {
		t.Fatalf("unexpected image name %q", plan[0].ImageName)
	}
}

func TestPlan_PrepareTasks(t *testing.T) {
	s, err := EnumerateExperiments(testRequest(t))
	if err != nil {
		t.Fatalf("EnumerateExperiments: %v", err)
	}
	plan := Plan(s, 1)

	if len(plan) != 4 {
		t.Fatalf("expected 4 planned runs, got %d", len(plan))
	}
	if plan[0].Identifier != "bench-subj-e1" || plan[0].Tool != "" {
		t.Fatalf("expected tool-less bug image entry, got %+v", plan[0])
	}
}

func TestPlanChecksum_StableAndOrderSensitive(t *testing.T) {
	s1, _ := Enumerate(testRequest(t))
	s2, _ := Enumerate(testRequest(t))
	p1, p2 := Plan(s1, 1), Plan(s2, 1)

	if PlanChecksum(p1) != PlanChecksum(p2) {
		t.Fatalf("expected same checksum, got %s vs %s", PlanChecksum(p1), PlanChecksum(p2))
	}
	if err := PlanChecksum(p1).Validate(); err != nil {
		t.Fatalf("checksum is not a valid digest: %v", err)
	}

	p2[0], p2[1] = p2[1], p2[0]
	if PlanChecksum(p1) == PlanChecksum(p2) {
		t.Fatalf("expected checksum to change with run order, got %s", PlanChecksum(p1))
	}
}

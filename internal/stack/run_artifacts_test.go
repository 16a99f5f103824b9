package stack

import (
	"strings"
	"testing"
)

func TestComputeRunEventIntegrity_ChainChangesOnMutation(t *testing.T) {
	ev1 := RunEvent{
		Seq:     1,
		TS:      "2025-01-01T00:00:00Z",
		RunID:   "run-1",
		NodeID:  "network/vpc",
		Type:    "NODE_RUNNING",
		Attempt: 1,
	}
	ev1.Digest, ev1.CRC32 = computeRunEventIntegrity(ev1)
	if ev1.Digest == "" || ev1.CRC32 == "" {
		t.Fatalf("missing digest/crc: %+v", ev1)
	}

	ev2 := RunEvent{
		Seq:     2,
		TS:      "2025-01-01T00:00:01Z",
		RunID:   "run-1",
		NodeID:  "network/vpc",
		Type:    "NODE_FAILED",
		Attempt: 1,
		Message: "boom",
		Error:   &RunError{Class: "OTHER", Message: "boom", Digest: computeRunErrorDigest("OTHER", "boom")},
	}
	ev2.PrevDigest = ev1.Digest
	ev2.Digest, ev2.CRC32 = computeRunEventIntegrity(ev2)

	ev2b := ev2
	ev2b.Message = "boom!"
	ev2b.Digest, ev2b.CRC32 = computeRunEventIntegrity(ev2b)
	if ev2.Digest == ev2b.Digest {
		t.Fatalf("expected digest to change when message changes")
	}
	if ev2.CRC32 == ev2b.CRC32 {
		t.Fatalf("expected crc to change when message changes")
	}

	ev2c := ev2
	ev2c.PrevDigest = "sha256:forged"
	ev2c.Digest, ev2c.CRC32 = computeRunEventIntegrity(ev2c)
	if ev2.Digest == ev2c.Digest {
		t.Fatalf("expected digest to change when the chain link changes")
	}
}

func TestComputeRunPlanHash_IgnoresItsOwnField(t *testing.T) {
	p := &RunPlan{
		APIVersion:  runAPIVersion,
		RunID:       "run-1",
		StackRoot:   "/repo",
		ProjectName: "acme",
		Action:      "create",
		Concurrency: 4,
		FailMode:    "continue",
		Nodes:       []*ResolvedStack{testNode("network/vpc")},
	}
	h1, err := ComputeRunPlanHash(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("hash = %q, want sha256 prefix", h1)
	}

	p.PlanHash = h1
	h2, err := ComputeRunPlanHash(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash must ignore PlanHash: %s vs %s", h1, h2)
	}

	p.Nodes = append(p.Nodes, testNode("app/api", "network/vpc"))
	h3, err := ComputeRunPlanHash(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Fatalf("hash must change when the node set changes")
	}
}

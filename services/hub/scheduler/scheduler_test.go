package scheduler

import (
	"testing"

	"github.com/google/uuid"

	"masond/services/hub/registry"
)

func TestCanReport(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAllocated, StatusBuilding, true},
		{StatusAllocated, StatusFailed, true},
		{StatusAllocated, StatusCompleted, false},
		{StatusBuilding, StatusCompleted, true},
		{StatusBuilding, StatusFailed, true},
		{StatusBuilding, StatusBuilding, false},
		{StatusQueued, StatusBuilding, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusBuilding, false},
		{StatusBlocked, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := CanReport(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanReport(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusBlocked, StatusQueued, StatusAllocated, StatusBuilding} {
		if s.Terminal() {
			t.Fatalf("%s reported terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusFailed} {
		if !s.Terminal() {
			t.Fatalf("%s not reported terminal", s)
		}
	}
}

func TestBlockerID(t *testing.T) {
	got := BlockerID("nano", "x86_64", "core", "main")
	want := "nano_x86_64@core/main"
	if got != want {
		t.Fatalf("BlockerID = %q, want %q", got, want)
	}
}

func testBuilder(arch string) registry.Endpoint {
	a := arch
	return registry.Endpoint{
		ID:     uuid.New(),
		Status: registry.StatusOperational,
		Role:   registry.RoleBuilder,
		Arch:   &a,
	}
}

func TestPickBuilderArchMatch(t *testing.T) {
	amd := testBuilder("x86_64")
	arm := testBuilder("aarch64")
	builders := []registry.Endpoint{arm, amd}

	picked, ok := pickBuilder(builders, nil, "x86_64", 4)
	if !ok {
		t.Fatal("no builder picked")
	}
	if picked.ID != amd.ID {
		t.Fatalf("picked %s, want the x86_64 builder", picked.ID)
	}

	if _, ok := pickBuilder(builders, nil, "riscv64", 4); ok {
		t.Fatal("picked a builder for an arch nobody serves")
	}
}

func TestPickBuilderSkipsNoArch(t *testing.T) {
	b := registry.Endpoint{ID: uuid.New(), Role: registry.RoleBuilder}
	if _, ok := pickBuilder([]registry.Endpoint{b}, nil, "x86_64", 4); ok {
		t.Fatal("picked a builder with no declared arch")
	}
}

func TestPickBuilderRespectsCapacity(t *testing.T) {
	b1 := testBuilder("x86_64")
	b2 := testBuilder("x86_64")
	builders := []registry.Endpoint{b1, b2}
	active := map[uuid.UUID]int{b1.ID: 2, b2.ID: 2}

	if _, ok := pickBuilder(builders, active, "x86_64", 2); ok {
		t.Fatal("picked a builder at capacity")
	}

	active[b2.ID] = 1
	picked, ok := pickBuilder(builders, active, "x86_64", 2)
	if !ok {
		t.Fatal("no builder picked")
	}
	if picked.ID != b2.ID {
		t.Fatalf("picked %s, want the builder under capacity", picked.ID)
	}
}

func TestPickBuilderSpreadsLoad(t *testing.T) {
	b1 := testBuilder("x86_64")
	b2 := testBuilder("x86_64")
	b3 := testBuilder("x86_64")
	builders := []registry.Endpoint{b1, b2, b3}
	active := map[uuid.UUID]int{b1.ID: 3, b2.ID: 0, b3.ID: 1}

	picked, ok := pickBuilder(builders, active, "x86_64", 4)
	if !ok {
		t.Fatal("no builder picked")
	}
	if picked.ID != b2.ID {
		t.Fatalf("picked %s, want the least-loaded builder", picked.ID)
	}
}

func TestEligibleArches(t *testing.T) {
	amd := testBuilder("x86_64")
	arm := testBuilder("aarch64")
	noArch := registry.Endpoint{ID: uuid.New(), Role: registry.RoleBuilder}
	builders := []registry.Endpoint{amd, arm, noArch}

	got := eligibleArches(builders, nil, 2)
	if len(got) != 2 || got[0] != "x86_64" || got[1] != "aarch64" {
		t.Fatalf("eligibleArches = %v, want [x86_64 aarch64]", got)
	}
}

func TestEligibleArchesSkipsFullBuilders(t *testing.T) {
	amd := testBuilder("x86_64")
	arm := testBuilder("aarch64")
	builders := []registry.Endpoint{amd, arm}
	active := map[uuid.UUID]int{amd.ID: 2}

	got := eligibleArches(builders, active, 2)
	if len(got) != 1 || got[0] != "aarch64" {
		t.Fatalf("eligibleArches = %v, want [aarch64]", got)
	}
}

func TestEligibleArchesDedupes(t *testing.T) {
	full := testBuilder("x86_64")
	spare := testBuilder("x86_64")
	builders := []registry.Endpoint{full, spare}
	active := map[uuid.UUID]int{full.ID: 2}

	got := eligibleArches(builders, active, 2)
	if len(got) != 1 || got[0] != "x86_64" {
		t.Fatalf("eligibleArches = %v, want [x86_64]", got)
	}
}

func TestPickBuilderTieKeepsFirst(t *testing.T) {
	b1 := testBuilder("x86_64")
	b2 := testBuilder("x86_64")
	builders := []registry.Endpoint{b1, b2}

	picked, ok := pickBuilder(builders, map[uuid.UUID]int{}, "x86_64", 4)
	if !ok {
		t.Fatal("no builder picked")
	}
	if picked.ID != b1.ID {
		t.Fatalf("picked %s, want the first of the tied builders", picked.ID)
	}
}

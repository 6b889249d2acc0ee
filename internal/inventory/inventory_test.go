package inventory_test

import (
	"testing"

	"github.com/vcompanion/vcompanion/internal/inventory"
)

func TestCategoriesStableAndValid(t *testing.T) {
	t.Parallel()

	cats := inventory.Categories()
	if len(cats) != 7 {
		t.Fatalf("Categories = %d entries, want 7", len(cats))
	}
	seen := make(map[inventory.Category]bool, len(cats))
	for _, c := range cats {
		if !c.Valid() {
			t.Errorf("category %q not Valid", c)
		}
		if seen[c] {
			t.Errorf("category %q listed twice", c)
		}
		seen[c] = true
	}
	if inventory.Category("passwords").Valid() {
		t.Fatal("unknown category reported Valid")
	}
}

func TestVMHelpers(t *testing.T) {
	t.Parallel()

	vm := inventory.VM{
		PowerState: "poweredOn",
		Snapshots:  []inventory.Snapshot{{Name: "a"}, {Name: "b"}},
	}
	if !vm.PoweredOn() {
		t.Fatal("PoweredOn")
	}
	if got := vm.SnapshotCount(); got != 2 {
		t.Fatalf("SnapshotCount = %d", got)
	}
	if (inventory.VM{PowerState: "poweredOff"}).PoweredOn() {
		t.Fatal("poweredOff VM reported on")
	}
}

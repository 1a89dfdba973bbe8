package topology

import (
	"sort"
	"testing"
)

func TestVersionOrdering(t *testing.T) {
	vs := []Version{
		{Major: 3, Minor: 1},
		{Major: 1},
		{Major: 3},
		{},
		{Major: 2, Minor: 7},
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
	want := []Version{{}, {Major: 1}, {Major: 2, Minor: 7}, {Major: 3}, {Major: 3, Minor: 1}}
	for i := range want {
		if vs[i] != want[i] {
			t.Fatalf("order[%d]=%v want %v (all=%v)", i, vs[i], want[i], vs)
		}
	}
	if (Version{Major: 4}).Compare(Version{Major: 4}) != 0 {
		t.Fatalf("equal versions must compare 0")
	}
	if got := Max(Version{Major: 2}, Version{Major: 1, Minor: 9}); got != (Version{Major: 2}) {
		t.Fatalf("Max=%v", got)
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]Version{
		"7":      {Major: 7},
		"7.2":    {Major: 7, Minor: 2},
		" 12.0 ": {Major: 12},
	}
	for in, want := range cases {
		got, err := ParseVersion(in)
		if err != nil {
			t.Fatalf("ParseVersion(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseVersion(%q)=%v want %v", in, got, want)
		}
		if in == "7.2" && got.String() != "7.2" {
			t.Fatalf("String()=%q", got.String())
		}
	}
	for _, bad := range []string{"", "x", "1.y", "1.2.3"} {
		if _, err := ParseVersion(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestHashAffinityStableAndBounded(t *testing.T) {
	a := StringAffinity(16)
	if a.Partitions() != 16 {
		t.Fatalf("partitions=%d", a.Partitions())
	}
	for _, k := range []string{"a", "b", "user:1", "user:2", ""} {
		p := a.PartitionOf(k)
		if p < 0 || p >= 16 {
			t.Fatalf("partition %d out of range for %q", p, k)
		}
		if p != a.PartitionOf(k) {
			t.Fatalf("partition not deterministic for %q", k)
		}
	}
	if d := StringAffinity(0); d.Partitions() != DefaultPartitions {
		t.Fatalf("default partitions=%d", d.Partitions())
	}
	f := AffinityFunc[int](func(k int) int32 { return int32(k % 4) })
	if f.PartitionOf(6) != 2 {
		t.Fatalf("AffinityFunc mismatch")
	}
}

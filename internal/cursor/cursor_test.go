package cursor

import "testing"

func TestAfter(t *testing.T) {
	cases := []struct {
		name string
		a, b Cursor
		want bool
	}{
		{"later timestamp", Cursor{2, "a"}, Cursor{1, "z"}, true},
		{"earlier timestamp", Cursor{1, "z"}, Cursor{2, "a"}, false},
		{"same ts later id", Cursor{5, "msg-b"}, Cursor{5, "msg-a"}, true},
		{"same ts earlier id", Cursor{5, "msg-a"}, Cursor{5, "msg-b"}, false},
		{"equal is not after", Cursor{5, "msg-a"}, Cursor{5, "msg-a"}, false},
		{"zero vs set", Cursor{}, Cursor{1, "a"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.After(tc.b); got != tc.want {
				t.Fatalf("After(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestMax(t *testing.T) {
	a := Cursor{3, "x"}
	b := Cursor{3, "y"}
	if got := Max(a, b); got != b {
		t.Fatalf("Max = %v, want %v", got, b)
	}
	if got := Max(b, a); got != b {
		t.Fatalf("Max = %v, want %v", got, b)
	}
}

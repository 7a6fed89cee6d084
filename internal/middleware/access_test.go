package middleware

import "testing"

func TestAllowList(t *testing.T) {
	a := NewAllowList([]string{"42", "@Alice", "bob", " "})
	if a.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", a.Len())
	}

	cases := []struct {
		id       int64
		username string
		want     bool
	}{
		{42, "", true},
		{1, "alice", true},
		{1, "ALICE", true},
		{1, "@bob", true},
		{1, "bo", false},    // 不做子串匹配
		{1, "bobby", false}, // 不做前缀匹配
		{7, "", false},
		{43, "mallory", false},
	}
	for _, tc := range cases {
		if got := a.Allowed(tc.id, tc.username); got != tc.want {
			t.Errorf("Allowed(%d, %q) = %v, want %v", tc.id, tc.username, got, tc.want)
		}
	}
}

func TestAllowList_EmptyDeniesEveryone(t *testing.T) {
	a := NewAllowList(nil)
	if a.Allowed(1, "anyone") {
		t.Fatal("empty allow-list must deny")
	}
}

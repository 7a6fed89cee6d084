package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"dialogue", "show"}, {"dialogue", "reset"}, {"dialogue", "list"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}

func TestDialogueShowRequiresUser(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"dialogue", "show"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "user") {
		t.Fatalf("expected missing --user error, got %v", err)
	}
}

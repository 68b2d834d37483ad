package cmds

import "testing"

func TestCommandTree(t *testing.T) {
	root := New()
	want := map[string]bool{"lift": false, "cfg": false, "gadgets": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q missing from the tree", name)
		}
	}
}

func TestGadgetsFlagDefaults(t *testing.T) {
	root := New()
	gadgets, _, err := root.Find([]string{"gadgets"})
	if err != nil {
		t.Fatal(err)
	}
	if f := gadgets.Flag("solver"); f == nil || f.DefValue == "" {
		t.Error("gadgets has no solver default")
	}
	if f := gadgets.Flag("depth"); f == nil {
		t.Error("gadgets has no depth flag")
	}
}

package loader

import (
	"os"
	"runtime"
	"testing"

	"github.com/derekparker/trie"
)

func testImage(syms []Symbol) *Image {
	img := &Image{index: trie.New()}
	img.symbols = syms
	for i, s := range syms {
		img.index.Add(s.Name, i)
	}
	return img
}

func TestSymbolLookup(t *testing.T) {
	img := testImage([]Symbol{
		{Name: "read_input", Addr: 0x1000, Size: 0x40},
		{Name: "read_header", Addr: 0x1040, Size: 0x20},
		{Name: "write_output", Addr: 0x1060, Size: 0},
	})

	s, ok := img.Symbol("read_header")
	if !ok || s.Addr != 0x1040 {
		t.Errorf("Symbol(read_header) = %+v, %v; want addr 0x1040", s, ok)
	}
	if _, ok := img.Symbol("read"); ok {
		t.Error("Symbol matched a bare prefix; want exact names only")
	}

	got := img.SymbolsWithPrefix("read_")
	if len(got) != 2 || got[0].Name != "read_input" || got[1].Name != "read_header" {
		t.Errorf("SymbolsWithPrefix(read_) = %v; want read_input, read_header in address order", got)
	}
}

func TestSymbolAt(t *testing.T) {
	img := testImage([]Symbol{
		{Name: "a", Addr: 0x1000, Size: 0x10},
		{Name: "b", Addr: 0x1020, Size: 0},
	})
	tests := []struct {
		addr uint64
		want string
		ok   bool
	}{
		{0x0fff, "", false},
		{0x1000, "a", true},
		{0x100f, "a", true},
		{0x1010, "", false}, // past the end of a
		{0x1020, "b", true}, // zero-sized: exact address only
		{0x1021, "", false},
	}
	for _, tt := range tests {
		s, ok := img.SymbolAt(tt.addr)
		if ok != tt.ok || (ok && s.Name != tt.want) {
			t.Errorf("SymbolAt(%#x) = %q, %v; want %q, %v", tt.addr, s.Name, ok, tt.want, tt.ok)
		}
	}
}

func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("the test binary is only an ELF image on linux")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	img, err := Open(exe)
	if err != nil {
		t.Fatal(err)
	}
	if runtime.GOARCH == "amd64" && img.Arch != "amd64" {
		t.Errorf("Arch = %q; want amd64", img.Arch)
	}
	text, ok := img.Section(".text")
	if !ok || !text.Executable || len(text.Data) == 0 {
		t.Fatalf("missing or empty .text section")
	}
	if len(img.ExecutableSections()) == 0 {
		t.Error("no executable sections")
	}
	main, ok := img.Symbol("main.main")
	if !ok {
		t.Fatal("no main.main symbol in the test binary")
	}
	if s, ok := img.SymbolAt(main.Addr); !ok || s.Name != "main.main" {
		t.Errorf("SymbolAt(%#x) = %q, %v; want main.main", main.Addr, s.Name, ok)
	}
}

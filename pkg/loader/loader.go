// Package loader opens executable images and exposes their sections
// and symbols for static analysis. Only ELF is supported.
package loader

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/derekparker/trie"

	"github.com/scalpel-re/scalpel/pkg/logflags"
)

// Section is one allocated section of the image, with its raw
// contents.
type Section struct {
	Name string
	Addr uint64
	Data []byte
	// Executable marks sections mapped with execute permission; they
	// are the input of instruction scanning.
	Executable bool
}

// Symbol is one named address in the image.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// Image is a loaded executable.
type Image struct {
	Path  string
	Arch  string
	Entry uint64
	// Sections holds every allocated section with contents, in file
	// order.
	Sections []Section

	symbols []Symbol // sorted by address
	index   *trie.Trie
}

// ErrUnsupportedImage is returned for machine types scalpel cannot
// analyze.
type ErrUnsupportedImage struct {
	Machine elf.Machine
}

func (e *ErrUnsupportedImage) Error() string {
	return fmt.Sprintf("unsupported machine type %v", e.Machine)
}

func archName(m elf.Machine) (string, bool) {
	switch m {
	case elf.EM_X86_64:
		return "amd64", true
	case elf.EM_386:
		return "i386", true
	}
	return "", false
}

// Open loads the ELF image at path.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return New(f, path)
}

// New loads an already-opened ELF file. Section contents are read
// eagerly so the image stays usable after f is closed.
func New(f *elf.File, path string) (*Image, error) {
	arch, ok := archName(f.Machine)
	if !ok {
		return nil, &ErrUnsupportedImage{Machine: f.Machine}
	}
	img := &Image{
		Path:  path,
		Arch:  arch,
		Entry: f.Entry,
		index: trie.New(),
	}

	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, fmt.Errorf("reading section %s: %v", s.Name, err)
		}
		img.Sections = append(img.Sections, Section{
			Name:       s.Name,
			Addr:       s.Addr,
			Data:       data,
			Executable: s.Flags&elf.SHF_EXECINSTR != 0,
		})
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, err
	}
	for _, s := range syms {
		if s.Name == "" || s.Value == 0 {
			continue
		}
		img.symbols = append(img.symbols, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
	}
	sort.Slice(img.symbols, func(i, j int) bool { return img.symbols[i].Addr < img.symbols[j].Addr })
	for i, s := range img.symbols {
		img.index.Add(s.Name, i)
	}

	if logflags.Loader() {
		logflags.LoaderLogger().Debugf("loaded %s (%s): %d sections, %d symbols", path, arch, len(img.Sections), len(img.symbols))
	}
	return img, nil
}

// ExecutableSections returns the sections instruction scanning should
// cover.
func (img *Image) ExecutableSections() []Section {
	var out []Section
	for _, s := range img.Sections {
		if s.Executable {
			out = append(out, s)
		}
	}
	return out
}

// Section returns the named section.
func (img *Image) Section(name string) (Section, bool) {
	for _, s := range img.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Symbol looks up a symbol by exact name.
func (img *Image) Symbol(name string) (Symbol, bool) {
	n, ok := img.index.Find(name)
	if !ok {
		return Symbol{}, false
	}
	return img.symbols[n.Meta().(int)], true
}

// SymbolsWithPrefix returns every symbol whose name starts with
// prefix, in address order.
func (img *Image) SymbolsWithPrefix(prefix string) []Symbol {
	var out []Symbol
	for _, name := range img.index.PrefixSearch(prefix) {
		if s, ok := img.Symbol(name); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// SymbolAt returns the symbol containing addr. Zero-sized symbols
// match their exact address only.
func (img *Image) SymbolAt(addr uint64) (Symbol, bool) {
	i := sort.Search(len(img.symbols), func(i int) bool { return img.symbols[i].Addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	s := img.symbols[i-1]
	if s.Addr == addr || addr < s.Addr+s.Size {
		return s, true
	}
	return Symbol{}, false
}

package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/cfg"
	"github.com/scalpel-re/scalpel/pkg/config"
	"github.com/scalpel-re/scalpel/pkg/gadget"
	"github.com/scalpel-re/scalpel/pkg/lift"
	"github.com/scalpel-re/scalpel/pkg/loader"
	"github.com/scalpel-re/scalpel/pkg/logflags"
	"github.com/scalpel-re/scalpel/pkg/smt"
	"github.com/scalpel-re/scalpel/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// symbolName restricts analysis to one symbol of the image.
	symbolName string
	// liteMode drops flag updates from lifted code.
	liteMode bool
	// gadgetDepth is the maximum gadget length, in instructions.
	gadgetDepth int
	// verifyWorkers is the number of concurrent verifications.
	verifyWorkers int
	// solverPath is the SMT solver binary.
	solverPath string
	// solverTimeout is the per-query solver timeout, in seconds.
	solverTimeout int
	// cacheSize is the capacity of the verification result cache.
	cacheSize int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const scalpelCommandLongDesc = `Scalpel is a static binary analysis tool.

Scalpel lifts machine code to a small intermediate representation, rebuilds
control flow from it, and discovers return-oriented-programming gadgets whose
semantics it classifies and formally verifies with an SMT solver.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "scalpel",
		Short: "Scalpel is a static binary analysis tool.",
		Long:  scalpelCommandLongDesc,
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (loader,lift,cfg,smt,solver,gadget).")

	liftCommand := &cobra.Command{
		Use:   "lift <binary>",
		Short: "Lift the executable sections of a binary to intermediate code.",
		Long: `Lift disassembles the executable sections of a binary and prints the
intermediate representation of every instruction. Instructions outside the
supported subset are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: liftCmd,
	}
	liftCommand.Flags().StringVarP(&symbolName, "symbol", "s", "", "Lift only the named symbol.")
	liftCommand.Flags().BoolVar(&liteMode, "lite", false, "Omit flag register updates.")
	rootCommand.AddCommand(liftCommand)

	cfgCommand := &cobra.Command{
		Use:   "cfg <binary>",
		Short: "Reconstruct the control flow graph of a symbol.",
		Long: `Cfg lifts one symbol of a binary and prints its control flow graph: one
block per line followed by its outgoing edges. Indirect transfers whose
target cannot be resolved statically are listed at the end.`,
		Args: cobra.ExactArgs(1),
		RunE: cfgCmd,
	}
	cfgCommand.Flags().StringVarP(&symbolName, "symbol", "s", "main", "Symbol to analyze.")
	rootCommand.AddCommand(cfgCommand)

	gadgetsCommand := &cobra.Command{
		Use:   "gadgets <binary>",
		Short: "Discover, classify, and verify ROP gadgets.",
		Long: `Gadgets scans the executable sections of a binary for instruction
sequences ending in a return or an indirect transfer, classifies each
against a small catalog of semantic templates, and proves or refutes the
classification with an SMT solver. Refuted classifications are printed
with the counterexample input found by the solver.`,
		Args: cobra.ExactArgs(1),
		RunE: gadgetsCmd,
	}
	gadgetsCommand.Flags().IntVarP(&gadgetDepth, "depth", "n", intOr(conf.GadgetDepth, 4), "Maximum gadget length, in instructions.")
	gadgetsCommand.Flags().IntVar(&verifyWorkers, "workers", intOr(conf.VerifyWorkers, runtime.NumCPU()), "Number of concurrent verifications.")
	gadgetsCommand.Flags().StringVar(&solverPath, "solver", stringOr(conf.SolverPath, "z3"), "Path to the SMT solver binary.")
	gadgetsCommand.Flags().IntVar(&solverTimeout, "timeout", intOr(conf.SolverTimeout, config.DefaultSolverTimeout), "Per-query solver timeout, in seconds.")
	gadgetsCommand.Flags().IntVar(&cacheSize, "cache-size", intOr(conf.CacheSize, 4096), "Capacity of the verification result cache.")
	rootCommand.AddCommand(gadgetsCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Scalpel Analyzer\n%s\n", version.ScalpelVersion)
		},
	})

	return rootCommand
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func stringOr(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

// open loads the image and instantiates its architecture.
func open(path string) (*loader.Image, arch.Arch, error) {
	if err := logflags.Setup(log, logOutput); err != nil {
		return nil, nil, err
	}
	img, err := loader.Open(path)
	if err != nil {
		return nil, nil, err
	}
	a, err := arch.New(img.Arch)
	if err != nil {
		return nil, nil, err
	}
	return img, a, nil
}

// region returns the code bytes to analyze: the named symbol, or every
// executable section when name is empty.
func region(img *loader.Image, name string) ([]loader.Section, error) {
	if name == "" {
		secs := img.ExecutableSections()
		if len(secs) == 0 {
			return nil, errors.New("image has no executable sections")
		}
		return secs, nil
	}
	sym, ok := img.Symbol(name)
	if !ok {
		return nil, fmt.Errorf("no symbol %q in %s", name, img.Path)
	}
	if sym.Size == 0 {
		return nil, fmt.Errorf("symbol %q has no size", name)
	}
	for _, s := range img.ExecutableSections() {
		if sym.Addr >= s.Addr && sym.Addr+sym.Size <= s.Addr+uint64(len(s.Data)) {
			off := sym.Addr - s.Addr
			return []loader.Section{{
				Name: name,
				Addr: sym.Addr,
				Data: s.Data[off : off+sym.Size],
			}}, nil
		}
	}
	return nil, fmt.Errorf("symbol %q is not in an executable section", name)
}

// decodeAll linearly disassembles data, resynchronizing one byte at a
// time after undecodable input.
func decodeAll(a arch.Arch, data []byte, base uint64) []arch.NativeInstruction {
	var stream []arch.NativeInstruction
	for off := 0; off < len(data); {
		ins, err := a.Decode(data[off:], base+uint64(off))
		if err != nil {
			off++
			continue
		}
		stream = append(stream, ins)
		off += ins.Len
	}
	return stream
}

func liftCmd(cmd *cobra.Command, args []string) error {
	img, a, err := open(args[0])
	if err != nil {
		return err
	}
	secs, err := region(img, symbolName)
	if err != nil {
		return err
	}
	mode := lift.Full
	if liteMode {
		mode = lift.Lite
	}
	lifter := lift.New(a, mode)
	for _, sec := range secs {
		fmt.Printf("%s:\n", sec.Name)
		lifted, skipped := lifter.LiftAll(decodeAll(a, sec.Data, sec.Addr))
		for _, lf := range lifted {
			fmt.Printf("%#x: %s\n", lf.Native.Address, lf.Native.Text)
			for i := range lf.IR {
				fmt.Printf("\t%s\n", lf.IR[i].String())
			}
		}
		for _, sk := range skipped {
			fmt.Printf("%#x: skipped %s: %v\n", sk.Address, sk.Text, sk.Err)
		}
	}
	return nil
}

func cfgCmd(cmd *cobra.Command, args []string) error {
	img, a, err := open(args[0])
	if err != nil {
		return err
	}
	secs, err := region(img, symbolName)
	if err != nil {
		return err
	}
	lifter := lift.New(a, lift.Full)
	for _, sec := range secs {
		lifted, skipped := lifter.LiftAll(decodeAll(a, sec.Data, sec.Addr))
		g := cfg.Build(lifted)
		for _, start := range g.Order {
			b := g.Block(start)
			fmt.Printf("block %#x-%#x (%d instructions)\n", b.Start, b.End(), len(b.Instrs))
			for _, e := range b.Edges {
				if e.Kind == cfg.IndirectUnresolved {
					fmt.Printf("\t-> ? (%s)\n", e.Kind)
					continue
				}
				fmt.Printf("\t-> %#x (%s)\n", e.To, e.Kind)
			}
		}
		for _, addr := range g.Unresolved {
			fmt.Printf("unresolved indirect transfer at %#x\n", addr.Native())
		}
		for _, sk := range skipped {
			fmt.Printf("skipped %#x: %v\n", sk.Address, sk.Err)
		}
	}
	return nil
}

func gadgetsCmd(cmd *cobra.Command, args []string) error {
	img, a, err := open(args[0])
	if err != nil {
		return err
	}
	solver := smt.NewProcessSolver(solverPath, time.Duration(solverTimeout)*time.Second)
	if len(conf.SolverArgs) > 0 {
		solver.Args = conf.SolverArgs
	}
	pipeline, err := gadget.NewPipeline(a, solver, verifyWorkers, cacheSize)
	if err != nil {
		return err
	}

	total := &gadget.Report{}
	for _, sec := range img.ExecutableSections() {
		report, err := pipeline.Run(context.Background(), decodeAll(a, sec.Data, sec.Addr), gadgetDepth)
		if err != nil {
			return err
		}
		total.Gadgets = append(total.Gadgets, report.Gadgets...)
		total.Unclassified += report.Unclassified
		total.Inconclusive += report.Inconclusive
		total.Skipped = append(total.Skipped, report.Skipped...)
	}

	for _, g := range total.Gadgets {
		fmt.Printf("%#x: %s\n", g.Candidate.Start, g.Candidate.Text())
		fmt.Printf("\t%s\tstack %+d\t%s\n", g.Classification, g.Candidate.StackDelta, g.Result.Outcome)
		if g.Result.Outcome == gadget.Refuted && len(g.Result.Counterexample) > 0 {
			names := make([]string, 0, len(g.Result.Counterexample))
			for name := range g.Result.Counterexample {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("\tcounterexample: %s = %#x\n", name, g.Result.Counterexample[name])
			}
		}
	}
	fmt.Fprintf(os.Stderr, "%d gadgets, %d unclassified, %d inconclusive, %d skipped instructions\n",
		len(total.Gadgets), total.Unclassified, total.Inconclusive, len(total.Skipped))
	return nil
}

package smt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/scalpel-re/scalpel/pkg/logflags"
)

// Status is a solver verdict.
type Status int

const (
	// Sat: the assertions are satisfiable; Model holds a witness.
	Sat Status = iota
	// Unsat: the assertions are unsatisfiable.
	Unsat
	// Timeout: the query exceeded its deadline. Never a proof.
	Timeout
	// SolverError: the solver failed or answered unexpectedly. Never a
	// proof.
	SolverError
)

var statusNames = map[Status]string{
	Sat:         "sat",
	Unsat:       "unsat",
	Timeout:     "timeout",
	SolverError: "error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Verdict is the outcome of one satisfiability query. Model is
// populated on Sat with the values of the formula's bit-vector inputs.
type Verdict struct {
	Status Status
	Model  map[string]uint64
}

// Solver checks formulas for satisfiability. Implementations must be
// safe for concurrent use; each Check is independent.
type Solver interface {
	Check(ctx context.Context, f *Formula, extra ...Term) (Verdict, error)
}

// ProcessSolver runs an external SMT-LIB 2 solver as a subprocess per
// query. A fresh process per query means a cancelled or timed-out
// check leaves no residual solver state behind.
type ProcessSolver struct {
	// Path is the solver binary ("z3", "cvc5", or an absolute path).
	Path string
	// Args precede the script on the command line. For z3 use
	// {"-in", "-smt2"}; for cvc5 {"--lang", "smt2"}.
	Args []string
	// Timeout bounds one query when the caller's context carries no
	// earlier deadline.
	Timeout time.Duration
}

// NewProcessSolver returns a z3 subprocess solver.
func NewProcessSolver(path string, timeout time.Duration) *ProcessSolver {
	return &ProcessSolver{Path: path, Args: []string{"-in", "-smt2"}, Timeout: timeout}
}

// Check pipes the formula to a fresh solver process and reads the
// verdict. On sat it additionally queries the values of the formula's
// bit-vector inputs.
func (s *ProcessSolver) Check(ctx context.Context, f *Formula, extra ...Term) (Verdict, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	script := f.Script(extra...)
	if logflags.Solver() {
		logflags.SolverLogger().Debugf("query:\n%s", script)
	}

	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Verdict{Status: SolverError}, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Verdict{Status: SolverError}, err
	}
	if err := cmd.Start(); err != nil {
		return Verdict{Status: SolverError}, fmt.Errorf("starting solver %s: %w", s.Path, err)
	}
	defer func() {
		stdin.Close()
		cmd.Wait()
	}()

	if _, err := io.WriteString(stdin, script); err != nil {
		return s.failure(ctx, err)
	}
	r := bufio.NewReader(stdout)
	line, err := readLine(r)
	if err != nil {
		return s.failure(ctx, err)
	}
	if logflags.Solver() {
		logflags.SolverLogger().Debugf("verdict: %s", line)
	}

	switch line {
	case "unsat":
		return Verdict{Status: Unsat}, nil
	case "sat":
		model, err := s.model(f, stdin, r)
		if err != nil {
			// Sat without a readable model is still sat.
			return Verdict{Status: Sat}, nil
		}
		return Verdict{Status: Sat, Model: model}, nil
	case "unknown":
		return Verdict{Status: SolverError}, nil
	}
	return Verdict{Status: SolverError}, fmt.Errorf("unexpected solver answer %q", line)
}

// readLine reads one line from r and strips the trailing newline and
// any surrounding whitespace. A read error with no data is returned to
// the caller so a deadline kill surfaces as Timeout, not as a garbled
// answer.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// failure maps a pipe error to Timeout when the context deadline
// caused it.
func (s *ProcessSolver) failure(ctx context.Context, err error) (Verdict, error) {
	if ctx.Err() != nil {
		return Verdict{Status: Timeout}, nil
	}
	return Verdict{Status: SolverError}, err
}

// model queries the values of the formula's bit-vector input symbols.
func (s *ProcessSolver) model(f *Formula, stdin io.WriteCloser, r *bufio.Reader) (map[string]uint64, error) {
	var names []string
	for _, in := range f.Inputs {
		if sym, ok := in.(BitVecSymbol); ok {
			names = append(names, sym.Name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	if _, err := fmt.Fprintf(stdin, "(get-value (%s))\n", strings.Join(names, " ")); err != nil {
		return nil, err
	}
	stdin.Close()

	var sb strings.Builder
	depth := 0
	started := false
	for !started || depth > 0 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		sb.WriteByte(b)
		switch b {
		case '(':
			depth++
			started = true
		case ')':
			depth--
		}
	}
	return parseModel(sb.String())
}

// parseModel reads a get-value answer of the shape
// ((name value) (name value) ...).
func parseModel(s string) (map[string]uint64, error) {
	model := make(map[string]uint64)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '(' || r == ')' || r == ' ' || r == '\n' || r == '\t'
	})
	for i := 0; i < len(fields); {
		name := fields[i]
		i++
		// Indexed literals ((_ bvN W)) appear as three tokens.
		if i < len(fields) && fields[i] == "_" {
			i++
		}
		if i >= len(fields) {
			break
		}
		tok := fields[i]
		i++
		v, err := parseBitVecLiteral(tok)
		if err != nil {
			return nil, fmt.Errorf("model value for %s: %w", name, err)
		}
		if strings.HasPrefix(tok, "bv") && i < len(fields) && isDigits(fields[i]) {
			i++ // width token of the indexed form
		}
		model[name] = v
	}
	return model, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// parseBitVecLiteral accepts the #x, #b, and bvN literal shapes.
func parseBitVecLiteral(s string) (uint64, error) {
	switch {
	case strings.HasPrefix(s, "#x"):
		return strconv.ParseUint(s[2:], 16, 64)
	case strings.HasPrefix(s, "#b"):
		return strconv.ParseUint(s[2:], 2, 64)
	case strings.HasPrefix(s, "bv"):
		return strconv.ParseUint(s[2:], 10, 64)
	}
	return 0, fmt.Errorf("unrecognized literal %q", s)
}

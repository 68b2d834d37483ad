package gadget

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/scalpel-re/scalpel/pkg/arch"
	"github.com/scalpel-re/scalpel/pkg/lift"
	"github.com/scalpel-re/scalpel/pkg/logflags"
	"github.com/scalpel-re/scalpel/pkg/smt"
)

// Gadget is a verified (or inconclusively verified) candidate.
type Gadget struct {
	Candidate      *Candidate
	Classification *Classification
	Result         Result
}

// Report aggregates one pipeline run: successes and the skipped and
// inconclusive remainder, so partial failures stay visible.
type Report struct {
	// Gadgets holds every classified candidate with its verdict, in
	// discovery order.
	Gadgets []*Gadget
	// Unclassified counts candidates no template matched.
	Unclassified int
	// Inconclusive counts verifications that ended Unknown or
	// TimedOut.
	Inconclusive int
	// Skipped lists instructions the lifter rejected during the scan.
	Skipped []lift.SkippedInstruction
}

// Pipeline runs discovery, classification, and verification over a
// bounded worker pool. Verification results are cached by semantic
// signature; identical in-flight signatures share one solver query.
type Pipeline struct {
	arch       arch.Arch
	classifier *Classifier
	verifier   *Verifier
	workers    int

	group singleflight.Group
	cache *lru.Cache
}

// cached pairs a verification result with the classification it
// proves; signature-equal candidates share both.
type cached struct {
	cls *Classification
	res Result
}

// NewPipeline sizes the worker pool to the available solver capacity.
// cacheSize bounds the signature cache.
func NewPipeline(a arch.Arch, solver smt.Solver, workers, cacheSize int) (*Pipeline, error) {
	if workers < 1 {
		workers = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		arch:       a,
		classifier: NewClassifier(a),
		verifier:   NewVerifier(a, solver),
		workers:    workers,
		cache:      cache,
	}, nil
}

// verifySig classifies and verifies one candidate, deduplicating by
// signature: at most one verification per unique signature is in
// flight, and completed ones are served from the cache.
func (p *Pipeline) verifySig(ctx context.Context, c *Candidate) (*cached, error) {
	if v, ok := p.cache.Get(c.Signature); ok {
		return v.(*cached), nil
	}
	v, err, _ := p.group.Do(c.Signature, func() (interface{}, error) {
		if v, ok := p.cache.Get(c.Signature); ok {
			return v.(*cached), nil
		}
		cls, ok := p.classifier.Classify(c)
		if !ok {
			out := &cached{}
			p.cache.Add(c.Signature, out)
			return out, nil
		}
		res, err := p.verifier.Verify(ctx, c, cls)
		if err != nil {
			// Inconclusive results are cacheable; transient errors are
			// not.
			return &cached{cls: cls, res: res}, nil
		}
		out := &cached{cls: cls, res: res}
		if res.Outcome == Proven || res.Outcome == Refuted {
			p.cache.Add(c.Signature, out)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cached), nil
}

// Run scans the stream and verifies every candidate up to maxLen
// instructions long. Failures are local: an unliftable instruction or
// an inconclusive verdict never aborts the run.
func (p *Pipeline) Run(ctx context.Context, stream []arch.NativeInstruction, maxLen int) (*Report, error) {
	report := &Report{}
	_, report.Skipped = lift.New(p.arch, lift.Lite).LiftAll(stream)

	candidates := Find(p.arch, stream, maxLen)
	results := make([]*cached, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			r, err := p.verifySig(gctx, c)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, c := range candidates {
		r := results[i]
		if r == nil || r.cls == nil {
			report.Unclassified++
			continue
		}
		if r.res.Outcome == Unknown || r.res.Outcome == TimedOut {
			report.Inconclusive++
		}
		report.Gadgets = append(report.Gadgets, &Gadget{
			Candidate:      c,
			Classification: r.cls,
			Result:         r.res,
		})
	}

	if logflags.Gadget() {
		logflags.GadgetLogger().Debugf("run: %d gadgets, %d unclassified, %d inconclusive, %d skipped instructions",
			len(report.Gadgets), report.Unclassified, report.Inconclusive, len(report.Skipped))
	}
	return report, nil
}

package capability

import (
	"sort"
	"strings"

	"github.com/aura-labs/aura"
)

// Evaluation limits. A world that grows past them is refused rather than
// evaluated to completion.
const (
	MaxFacts      = 1000
	MaxIterations = 100
)

// World holds the facts and rules of one authorization.
type World struct {
	facts  map[string][]Predicate
	seen   map[string]bool
	rules  []Rule
	nfacts int
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{
		facts: make(map[string][]Predicate),
		seen:  make(map[string]bool),
	}
}

// AddFact adds a ground predicate. It returns false if it was known.
func (w *World) AddFact(p Predicate) bool {
	k := p.String()
	if w.seen[k] {
		return false
	}
	w.seen[k] = true
	w.facts[p.Name] = append(w.facts[p.Name], p)
	w.nfacts++
	return true
}

// AddRule adds a rule.
func (w *World) AddRule(r Rule) {
	w.rules = append(w.rules, r)
}

// AddBlock adds the facts and rules of b.
func (w *World) AddBlock(b *Block) {
	for _, f := range b.Facts {
		w.AddFact(f)
	}
	for _, r := range b.Rules {
		w.AddRule(r)
	}
}

// Run applies the rules until no new fact appears.
func (w *World) Run() error {
	for i := 0; i < MaxIterations; i++ {
		var fresh []Predicate
		for _, r := range w.rules {
			w.solve(r.Body, func(env map[string]Term) bool {
				head := substitute(r.Head, env)
				if !w.seen[head.String()] {
					fresh = append(fresh, head)
				}
				return false
			})
		}
		added := 0
		for _, f := range fresh {
			if w.AddFact(f) {
				added++
			}
		}
		if added == 0 {
			return nil
		}
		if w.nfacts > MaxFacts {
			return aura.Errorf(aura.KindInvalid, "datalog: more than %d facts", MaxFacts)
		}
	}
	return aura.Errorf(aura.KindInvalid, "datalog: no fixpoint after %d iterations", MaxIterations)
}

// Query returns true if some assignment satisfies b.
func (w *World) Query(b Body) bool {
	found := false
	w.solve(b, func(map[string]Term) bool {
		found = true
		return true
	})
	return found
}

// Facts returns all facts, sorted.
func (w *World) Facts() []Predicate {
	var out []Predicate
	for _, ps := range w.facts {
		out = append(out, ps...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// solve calls fn for every assignment satisfying b until fn returns true.
func (w *World) solve(b Body, fn func(env map[string]Term) bool) bool {
	return w.match(b, 0, make(map[string]Term), fn)
}

func (w *World) match(b Body, i int, env map[string]Term, fn func(map[string]Term) bool) bool {
	if i == len(b.Predicates) {
		for _, c := range b.Constraints {
			if !evalConstraint(c, env) {
				return false
			}
		}
		return fn(env)
	}
	p := b.Predicates[i]
	for _, f := range w.facts[p.Name] {
		if len(f.Terms) != len(p.Terms) {
			continue
		}
		bound, ok := unify(p, f, env)
		if ok && w.match(b, i+1, env, fn) {
			return true
		}
		for _, v := range bound {
			delete(env, v)
		}
	}
	return false
}

// unify binds the variables of p to the constants of f. It returns the
// variables it bound so that the caller can undo them.
func unify(p, f Predicate, env map[string]Term) ([]string, bool) {
	var bound []string
	for i, t := range p.Terms {
		c := f.Terms[i]
		if t.Kind == TermVar {
			if v, ok := env[t.Value]; ok {
				if v != c {
					return bound, false
				}
				continue
			}
			env[t.Value] = c
			bound = append(bound, t.Value)
			continue
		}
		if t != c {
			return bound, false
		}
	}
	return bound, true
}

func resolve(t Term, env map[string]Term) Term {
	if t.Kind == TermVar {
		return env[t.Value]
	}
	return t
}

func substitute(p Predicate, env map[string]Term) Predicate {
	out := Predicate{Name: p.Name, Terms: make([]Term, len(p.Terms))}
	for i, t := range p.Terms {
		out.Terms[i] = resolve(t, env)
	}
	return out
}

func evalConstraint(c Constraint, env map[string]Term) bool {
	l, r := resolve(c.Left, env), resolve(c.Right, env)
	switch c.Op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case opStartsWith:
		return l.Kind == TermString && r.Kind == TermString && strings.HasPrefix(l.Value, r.Value)
	}
	if l.Kind != r.Kind {
		return false
	}
	var cmp int
	switch l.Kind {
	case TermInt:
		switch {
		case l.Int < r.Int:
			cmp = -1
		case l.Int > r.Int:
			cmp = 1
		}
	case TermString:
		cmp = strings.Compare(l.Value, r.Value)
	default:
		return false
	}
	switch c.Op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

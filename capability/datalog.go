package capability

/*
The datalog dialect evaluated by the authorizer. Statements end with ';'.

	block      = { statement, ';' }
	statement  = check | policy | rule | fact
	check      = 'check if', body, { 'or', body }
	policy     = ( 'allow if' | 'deny if' ), body, { 'or', body }
	rule       = predicate, '<-', body
	fact       = predicate
	body       = element, { ',', element }
	element    = constraint | predicate
	predicate  = name, '(', term, { ',', term }, ')'
	constraint = term, ( '==' | '!=' | '<' | '<=' | '>' | '>=' ), term
	           | term, '.starts_with(', term, ')'
	term       = '$' name | string | integer

Examples:

	right("/storage/0f1e.../docs", "read");
	can($r, $op) <- right($r, $op);
	check if time($t), $t < 1700000000000;
	allow if resource($r), operation($op), right($p, $op), $r.starts_with($p);
*/

import (
	"strconv"
	"strings"

	"github.com/aura-labs/aura"
	parsec "github.com/prataprc/goparsec"
)

// TermKind enumerates datalog terms.
type TermKind uint8

// Term kinds.
const (
	TermVar TermKind = iota + 1
	TermString
	TermInt
)

// Term is a variable or a constant.
type Term struct {
	Kind  TermKind
	Value string
	Int   int64
}

// Var returns the variable $name.
func Var(name string) Term { return Term{Kind: TermVar, Value: name} }

// Str returns a string constant.
func Str(s string) Term { return Term{Kind: TermString, Value: s} }

// Int returns an integer constant.
func Int(n int64) Term { return Term{Kind: TermInt, Int: n} }

func (t Term) String() string {
	switch t.Kind {
	case TermVar:
		return "$" + t.Value
	case TermString:
		return strconv.Quote(t.Value)
	}
	return strconv.FormatInt(t.Int, 10)
}

// Predicate is name(terms...). Ground predicates are facts.
type Predicate struct {
	Name  string
	Terms []Term
}

// NewPredicate returns name(terms...).
func NewPredicate(name string, terms ...Term) Predicate {
	return Predicate{Name: name, Terms: terms}
}

func (p Predicate) String() string {
	ts := make([]string, len(p.Terms))
	for i, t := range p.Terms {
		ts[i] = t.String()
	}
	return p.Name + "(" + strings.Join(ts, ", ") + ")"
}

// Ground returns true if p has no variables.
func (p Predicate) Ground() bool {
	for _, t := range p.Terms {
		if t.Kind == TermVar {
			return false
		}
	}
	return true
}

// Constraint compares two terms.
type Constraint struct {
	Op          string
	Left, Right Term
}

const opStartsWith = "starts_with"

func (c Constraint) String() string {
	if c.Op == opStartsWith {
		return c.Left.String() + ".starts_with(" + c.Right.String() + ")"
	}
	return c.Left.String() + " " + c.Op + " " + c.Right.String()
}

// Body is a conjunction of predicates and constraints.
type Body struct {
	Predicates  []Predicate
	Constraints []Constraint
}

func (b Body) String() string {
	var parts []string
	for _, p := range b.Predicates {
		parts = append(parts, p.String())
	}
	for _, c := range b.Constraints {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ", ")
}

func queriesString(qs []Body) string {
	parts := make([]string, len(qs))
	for i, q := range qs {
		parts[i] = q.String()
	}
	return strings.Join(parts, " or ")
}

// Rule derives Head whenever Body holds.
type Rule struct {
	Head Predicate
	Body Body
}

func (r Rule) String() string {
	return r.Head.String() + " <- " + r.Body.String()
}

// Check passes if any of its queries matches.
type Check struct {
	Queries []Body
}

func (c Check) String() string {
	return "check if " + queriesString(c.Queries)
}

// Policy allows or denies when any of its queries matches.
type Policy struct {
	Allow   bool
	Queries []Body
}

func (p Policy) String() string {
	if p.Allow {
		return "allow if " + queriesString(p.Queries)
	}
	return "deny if " + queriesString(p.Queries)
}

// Block is a parsed datalog program.
type Block struct {
	Facts    []Predicate
	Rules    []Rule
	Checks   []Check
	Policies []Policy
}

func (b *Block) String() string {
	var sb strings.Builder
	for _, f := range b.Facts {
		sb.WriteString(f.String() + ";\n")
	}
	for _, r := range b.Rules {
		sb.WriteString(r.String() + ";\n")
	}
	for _, c := range b.Checks {
		sb.WriteString(c.String() + ";\n")
	}
	for _, p := range b.Policies {
		sb.WriteString(p.String() + ";\n")
	}
	return sb.String()
}

// Parse parses a datalog block.
func Parse(src string) (*Block, error) {
	v, s := blockParser(parsec.NewScanner([]byte(src)))
	_, s = s.SkipWS()
	if !s.Endof() {
		return nil, aura.NewError(aura.KindInvalidFormat, "datalog: parsing failed - scanner is not empty")
	}
	stmts, ok := v.([]parsec.ParsecNode)
	if !ok {
		return nil, aura.NewError(aura.KindInvalidFormat, "datalog: parsing failed")
	}
	b := &Block{}
	for _, st := range stmts {
		switch x := st.(type) {
		case Predicate:
			if !x.Ground() {
				return nil, aura.Errorf(aura.KindInvalidFormat, "datalog: fact %s has variables", x)
			}
			b.Facts = append(b.Facts, x)
		case Rule:
			if err := rangeRestricted(x.Body, x.Head.Terms); err != nil {
				return nil, err
			}
			b.Rules = append(b.Rules, x)
		case Check:
			for _, q := range x.Queries {
				if err := rangeRestricted(q, nil); err != nil {
					return nil, err
				}
			}
			b.Checks = append(b.Checks, x)
		case Policy:
			for _, q := range x.Queries {
				if err := rangeRestricted(q, nil); err != nil {
					return nil, err
				}
			}
			b.Policies = append(b.Policies, x)
		}
	}
	return b, nil
}

// rangeRestricted verifies that every variable of the constraints and of
// extra is bound by a predicate of the body.
func rangeRestricted(b Body, extra []Term) error {
	bound := make(map[string]bool)
	for _, p := range b.Predicates {
		for _, t := range p.Terms {
			if t.Kind == TermVar {
				bound[t.Value] = true
			}
		}
	}
	check := func(t Term) error {
		if t.Kind == TermVar && !bound[t.Value] {
			return aura.Errorf(aura.KindInvalidFormat, "datalog: unbound variable $%s in %s", t.Value, b)
		}
		return nil
	}
	for _, c := range b.Constraints {
		if err := check(c.Left); err != nil {
			return err
		}
		if err := check(c.Right); err != nil {
			return err
		}
	}
	for _, t := range extra {
		if err := check(t); err != nil {
			return err
		}
	}
	return nil
}

var blockParser = initParser()

func initParser() parsec.Parser {
	var term, predicate, element, body, queries parsec.Parser

	comma := tok(`,`, "COMMA")
	semi := tok(`;`, "SEMI")
	openparan := tok(`\(`, "OPENPARAN")
	closeparan := tok(`\)`, "CLOSEPARAN")
	arrow := tok(`<-`, "ARROW")
	or := tok(`or\b`, "OR")
	checkIf := tok(`check\s+if\b`, "CHECK")
	allowIf := tok(`allow\s+if\b`, "ALLOW")
	denyIf := tok(`deny\s+if\b`, "DENY")
	cmp := tok(`==|!=|<=|>=|<|>`, "CMP")
	startsWith := tok(`\.starts_with\(`, "STARTSWITH")
	name := tok(`[a-z_][a-zA-Z0-9_]*`, "NAME")

	// term -> variable | string | integer
	term = parsec.OrdChoice(termNode,
		tok(`\$[a-zA-Z0-9_]+`, "VAR"),
		tok(`"(?:[^"\\]|\\.)*"`, "STRING"),
		tok(`-?[0-9]+`, "INT"))

	// predicate -> name "(" term ("," term)* ")"
	terms := parsec.And(listNode, &term, parsec.Kleene(nil, parsec.And(many2many, comma, &term), nil))
	predicate = parsec.And(predicateNode, name, openparan, terms, closeparan)

	// constraint -> term op term | term ".starts_with(" term ")"
	constraint := parsec.OrdChoice(one2one,
		parsec.And(compareNode, &term, cmp, &term),
		parsec.And(startsWithNode, &term, startsWith, &term, closeparan))

	element = parsec.OrdChoice(one2one, constraint, &predicate)

	// body -> element ("," element)*
	body = parsec.And(bodyNode, &element, parsec.Kleene(nil, parsec.And(many2many, comma, &element), nil))

	// queries -> body ("or" body)*
	queries = parsec.And(queriesNode, &body, parsec.Kleene(nil, parsec.And(many2many, or, &body), nil))

	check := parsec.And(checkNode, checkIf, &queries)
	policy := parsec.And(policyNode, parsec.OrdChoice(one2one, allowIf, denyIf), &queries)
	rule := parsec.And(ruleNode, &predicate, arrow, &body)

	statement := parsec.OrdChoice(one2one, check, policy, rule, &predicate)
	return parsec.Kleene(nil, parsec.And(one2one, statement, semi), nil)
}

// tok skips leading blanks before matching the token.
func tok(pattern, name string) parsec.Parser {
	return func(s parsec.Scanner) (parsec.ParsecNode, parsec.Scanner) {
		_, s = s.SkipAny(`^[ \n\t\r]+`)
		p := parsec.Token(pattern, name)
		return p(s)
	}
}

func termNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) == 0 {
		return nil
	}
	t, ok := ns[0].(*parsec.Terminal)
	if !ok {
		return nil
	}
	switch t.Name {
	case "VAR":
		return Var(t.Value[1:])
	case "STRING":
		s, err := strconv.Unquote(t.Value)
		if err != nil {
			return nil
		}
		return Str(s)
	case "INT":
		n, err := strconv.ParseInt(t.Value, 10, 64)
		if err != nil {
			return nil
		}
		return Int(n)
	}
	return nil
}

// listNode flattens "x (sep x)*" into a slice.
func listNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) == 0 {
		return nil
	}
	out := []parsec.ParsecNode{ns[0]}
	rest, _ := ns[1].([]parsec.ParsecNode)
	for _, x := range rest {
		y := x.([]parsec.ParsecNode)
		out = append(out, y[1])
	}
	return out
}

func predicateNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) < 4 {
		return nil
	}
	p := Predicate{Name: ns[0].(*parsec.Terminal).Value}
	for _, t := range ns[2].([]parsec.ParsecNode) {
		p.Terms = append(p.Terms, t.(Term))
	}
	return p
}

func compareNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) < 3 {
		return nil
	}
	return Constraint{Op: ns[1].(*parsec.Terminal).Value, Left: ns[0].(Term), Right: ns[2].(Term)}
}

func startsWithNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) < 3 {
		return nil
	}
	return Constraint{Op: opStartsWith, Left: ns[0].(Term), Right: ns[2].(Term)}
}

func bodyNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	list, ok := listNode(ns).([]parsec.ParsecNode)
	if !ok {
		return nil
	}
	var b Body
	for _, x := range list {
		switch e := x.(type) {
		case Predicate:
			b.Predicates = append(b.Predicates, e)
		case Constraint:
			b.Constraints = append(b.Constraints, e)
		}
	}
	return b
}

func queriesNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	list, ok := listNode(ns).([]parsec.ParsecNode)
	if !ok {
		return nil
	}
	qs := make([]Body, len(list))
	for i, x := range list {
		qs[i] = x.(Body)
	}
	return qs
}

func checkNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) < 2 {
		return nil
	}
	return Check{Queries: ns[1].([]Body)}
}

func policyNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) < 2 {
		return nil
	}
	return Policy{Allow: ns[0].(*parsec.Terminal).Name == "ALLOW", Queries: ns[1].([]Body)}
}

func ruleNode(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) < 3 {
		return nil
	}
	return Rule{Head: ns[0].(Predicate), Body: ns[2].(Body)}
}

func one2one(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) == 0 {
		return nil
	}
	return ns[0]
}

func many2many(ns []parsec.ParsecNode) parsec.ParsecNode {
	if len(ns) == 0 {
		return nil
	}
	return ns
}

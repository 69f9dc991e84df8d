// Package query compiles Boolean search expressions into CNF term lists.
// An expression like
//
//	alpha AND (beta OR gamma) AND NOT delta
//
// parses into a {Leaf, And, Or, Not} tree and normalizes into clauses of
// literals; each clause becomes one alternation pattern for the matcher,
// with negated clauses driving line rejection. The transformation is pure
// and independent of the concurrency core.
package query

import (
	"fmt"
	"strings"
)

// Kind tags an AST node.
type Kind int

const (
	Leaf Kind = iota
	And
	Or
	Not
)

// Node is one vertex of the parsed Boolean expression.
type Node struct {
	Kind    Kind
	Pattern string  // Leaf only
	Kids    []*Node // And/Or: 2 children; Not: 1
}

// Literal is one possibly negated pattern inside a CNF clause.
type Literal struct {
	Pattern string
	Negated bool
}

// Clause is a disjunction of literals; a line satisfies the clause when
// any positive literal matches or any negated literal fails to match.
type Clause []Literal

// Parse builds the AST for a Boolean expression. Operators: AND (or '&'),
// OR (or '|'), NOT (or '-' prefix), parentheses for grouping; bare terms
// separated by whitespace are implicitly ANDed, mirroring web-query
// conventions. Quoted terms keep their spaces.
func Parse(input string) (*Node, error) {
	p := &parser{tokens: tokenize(input)}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected token %q in query", p.peek())
	}
	return node, nil
}

// Normalize rewrites the tree into conjunctive normal form and flattens it
// into a clause list. Double negations cancel; De Morgan's laws push NOT
// down to leaves; OR distributes over AND.
func Normalize(n *Node) []Clause {
	return flatten(distribute(pushNot(n, false)))
}

// OrPattern renders the clause's positive literals as one alternation
// pattern for the matcher, or "" when the clause is purely negative.
func (c Clause) OrPattern() string {
	var parts []string
	for _, lit := range c {
		if !lit.Negated {
			parts = append(parts, "(?:"+lit.Pattern+")")
		}
	}
	return strings.Join(parts, "|")
}

// pushNot eliminates Not nodes by propagating negation down to the leaves.
func pushNot(n *Node, negated bool) *Node {
	switch n.Kind {
	case Leaf:
		if negated {
			return &Node{Kind: Not, Kids: []*Node{n}}
		}
		return n
	case Not:
		return pushNot(n.Kids[0], !negated)
	case And, Or:
		kind := n.Kind
		if negated {
			if kind == And {
				kind = Or
			} else {
				kind = And
			}
		}
		return &Node{
			Kind: kind,
			Kids: []*Node{pushNot(n.Kids[0], negated), pushNot(n.Kids[1], negated)},
		}
	}
	return n
}

// distribute applies OR-over-AND distribution until the tree is in CNF.
// Input must be negation-normal (Not only above leaves).
func distribute(n *Node) *Node {
	switch n.Kind {
	case And:
		return &Node{Kind: And, Kids: []*Node{distribute(n.Kids[0]), distribute(n.Kids[1])}}
	case Or:
		left := distribute(n.Kids[0])
		right := distribute(n.Kids[1])
		if left.Kind == And {
			return &Node{Kind: And, Kids: []*Node{
				distribute(&Node{Kind: Or, Kids: []*Node{left.Kids[0], right}}),
				distribute(&Node{Kind: Or, Kids: []*Node{left.Kids[1], right}}),
			}}
		}
		if right.Kind == And {
			return &Node{Kind: And, Kids: []*Node{
				distribute(&Node{Kind: Or, Kids: []*Node{left, right.Kids[0]}}),
				distribute(&Node{Kind: Or, Kids: []*Node{left, right.Kids[1]}}),
			}}
		}
		return &Node{Kind: Or, Kids: []*Node{left, right}}
	default:
		return n
	}
}

// flatten turns a CNF tree into the clause list.
func flatten(n *Node) []Clause {
	if n.Kind == And {
		return append(flatten(n.Kids[0]), flatten(n.Kids[1])...)
	}
	return []Clause{clauseOf(n)}
}

func clauseOf(n *Node) Clause {
	switch n.Kind {
	case Or:
		return append(clauseOf(n.Kids[0]), clauseOf(n.Kids[1])...)
	case Not:
		return Clause{{Pattern: n.Kids[0].Pattern, Negated: true}}
	default:
		return Clause{{Pattern: n.Pattern}}
	}
}

// --- lexer / recursive-descent parser ---

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) take() string {
	tok := p.peek()
	p.pos++
	return tok
}

// parseOr handles the lowest-precedence operator.
func (p *parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for isOr(p.peek()) {
		p.take()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: Or, Kids: []*Node{left, right}}
	}
	return left, nil
}

// parseAnd handles explicit AND and the implicit AND between adjacent
// terms.
func (p *parser) parseAnd() (*Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch {
		case isAnd(tok):
			p.take()
		case tok == "" || isOr(tok) || tok == ")":
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: And, Kids: []*Node{left, right}}
	}
}

func (p *parser) parseNot() (*Node, error) {
	if isNot(p.peek()) {
		p.take()
		kid, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: Not, Kids: []*Node{kid}}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (*Node, error) {
	tok := p.take()
	switch {
	case tok == "":
		return nil, fmt.Errorf("query ended where a term was expected")
	case tok == "(":
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.take() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return node, nil
	case tok == ")":
		return nil, fmt.Errorf("unbalanced closing parenthesis")
	case isOr(tok) || isAnd(tok) || isNot(tok):
		return nil, fmt.Errorf("operator %q where a term was expected", tok)
	}
	return &Node{Kind: Leaf, Pattern: tok}, nil
}

func isAnd(tok string) bool { return tok == "AND" || tok == "&" }
func isOr(tok string) bool  { return tok == "OR" || tok == "|" }
func isNot(tok string) bool { return tok == "NOT" || tok == "-" }

// tokenize splits the query into terms, operators and parentheses. Quoted
// strings become single terms with the quotes stripped; a '-' prefix on a
// term is the NOT shorthand.
func tokenize(input string) []string {
	var tokens []string
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')' || c == '|' || c == '&':
			tokens = append(tokens, string(c))
			i++
		case c == '-':
			tokens = append(tokens, "-")
			i++
		case c == '"':
			end := strings.IndexByte(input[i+1:], '"')
			if end < 0 {
				tokens = append(tokens, input[i+1:])
				i = len(input)
			} else {
				tokens = append(tokens, input[i+1:i+1+end])
				i += end + 2
			}
		default:
			j := i
			for j < len(input) && !strings.ContainsAny(string(input[j]), " \t\n()|&\"") {
				j++
			}
			tokens = append(tokens, input[i:j])
			i = j
		}
	}
	return tokens
}

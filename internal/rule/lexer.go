package rule

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokWord
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokColon
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// isWordByte reports whether c may appear inside a bare word. Words cover
// attribute names, values, paths and numeric literals.
func isWordByte(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '&', '|', '(', ')', ':', '<', '>', '=', '!':
		return false
	}
	return true
}

func lex(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '&':
			toks = append(toks, token{kind: tokAnd, text: "&", pos: i})
			i++
			if i < len(expr) && expr[i] == '&' {
				i++
			}
		case c == '|':
			toks = append(toks, token{kind: tokOr, text: "|", pos: i})
			i++
			if i < len(expr) && expr[i] == '|' {
				i++
			}
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ':':
			toks = append(toks, token{kind: tokColon, text: ":", pos: i})
			i++
		case c == '<' || c == '>' || c == '=' || c == '!':
			start := i
			i++
			if i < len(expr) && expr[i] == '=' {
				i++
			}
			text := expr[start:i]
			if text == "=" || text == "!" {
				return nil, &ParseError{Expr: expr, Pos: start, Msg: "unknown operator " + quote(text)}
			}
			toks = append(toks, token{kind: tokOp, text: text, pos: start})
		default:
			start := i
			for i < len(expr) && isWordByte(expr[i]) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: expr[start:i], pos: start})
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(expr)})
	return toks, nil
}

func quote(s string) string {
	return "\"" + s + "\""
}

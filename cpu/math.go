/*
 * ossim - CPU: math expression parsing and flat, no-precedence evaluation.
 *
 * Copyright 2026, ossim contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

package cpu

import (
	"fmt"
	"strconv"
	"strings"
)

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// identifiers returns every maximal run of identifier bytes in expr, in
// left-to-right order of appearance, duplicates included.
func identifiers(expr string) []string {
	var out []string
	i := 0
	for i < len(expr) {
		if isIdentByte(expr[i]) {
			j := i + 1
			for j < len(expr) && (isIdentByte(expr[j]) || (expr[j] >= '0' && expr[j] <= '9')) {
				j++
			}
			out = append(out, expr[i:j])
			i = j
			continue
		}
		i++
	}
	return out
}

// mathOperands returns the identifiers appearing in expr that name a
// cached variable for pid, in left-to-right order of appearance. This
// is phase one of math evaluation: deciding what needs to be read.
func (c *CPU) mathOperands(pid int, expr string) []string {
	var out []string
	for _, name := range identifiers(expr) {
		if _, ok := c.varAddr(pid, name); ok {
			out = append(out, name)
		}
	}
	return out
}

// substituteOperands replaces every variable-naming identifier in expr
// with the next value from data, in left-to-right order of appearance.
// Non-variable identifiers are left untouched (evalExpr will reject
// them if any survive).
func (c *CPU) substituteOperands(pid int, expr string, data []string) (string, error) {
	var b strings.Builder
	i := 0
	next := 0
	for i < len(expr) {
		if isIdentByte(expr[i]) {
			j := i + 1
			for j < len(expr) && (isIdentByte(expr[j]) || (expr[j] >= '0' && expr[j] <= '9')) {
				j++
			}
			name := expr[i:j]
			if _, ok := c.varAddr(pid, name); ok {
				if next >= len(data) {
					return "", fmt.Errorf("not enough operand values for %q", expr)
				}
				b.WriteString(data[next])
				next++
			} else {
				b.WriteString(name)
			}
			i = j
			continue
		}
		b.WriteByte(expr[i])
		i++
	}
	return b.String(), nil
}

// evalExpr repeatedly extracts the innermost parenthesised
// subexpression (scanning forward for the first ')' and its nearest
// preceding unmatched '(') and evaluates it flat, left to right, with
// no operator precedence, until no parentheses remain; the residual
// expression is then evaluated the same way.
func evalExpr(expr string) (float64, error) {
	for {
		close := strings.IndexByte(expr, ')')
		if close < 0 {
			break
		}
		open := strings.LastIndexByte(expr[:close], '(')
		if open < 0 {
			return 0, fmt.Errorf("unbalanced parentheses in %q", expr)
		}
		v, err := evalFlat(expr[open+1 : close])
		if err != nil {
			return 0, err
		}
		expr = expr[:open] + formatNumber(v) + expr[close+1:]
	}
	return evalFlat(expr)
}

// evalFlat evaluates a parenthesis-free expression strictly left to
// right: no operator precedence.
func evalFlat(expr string) (float64, error) {
	tokens, err := tokenizeFlat(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("empty expression")
	}
	result, err := strconv.ParseFloat(tokens[0], 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", tokens[0])
	}
	for i := 1; i+1 < len(tokens); i += 2 {
		op := tokens[i]
		rhs, err := strconv.ParseFloat(tokens[i+1], 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", tokens[i+1])
		}
		switch op {
		case "+":
			result += rhs
		case "-":
			result -= rhs
		case "*":
			result *= rhs
		case "/":
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			result /= rhs
		case "%":
			if rhs == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			result = float64(int64(result) % int64(rhs))
		default:
			return 0, fmt.Errorf("unknown operator %q", op)
		}
	}
	return result, nil
}

// tokenizeFlat splits a parenthesis-free expression into alternating
// operand/operator tokens. A '-' is treated as a sign on the operand
// it introduces, rather than a binary operator, whenever it appears at
// the start of an operand (position 0, or right after another
// operator) - this keeps negative intermediate results produced by
// evalExpr's paren substitution usable as operands.
func tokenizeFlat(expr string) ([]string, error) {
	var tokens []string
	start := 0
	i := 0
	for i < len(expr) {
		switch expr[i] {
		case '+', '-', '*', '/', '%':
			if expr[i] == '-' && i == start {
				i++
				continue
			}
			tokens = append(tokens, expr[start:i], string(expr[i]))
			start = i + 1
		}
		i++
	}
	tokens = append(tokens, expr[start:])
	for _, t := range tokens {
		if t == "" {
			return nil, fmt.Errorf("malformed expression %q", expr)
		}
	}
	return tokens, nil
}

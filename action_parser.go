package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ========================================
// Action parser - 模型动作解析器
// ========================================
//
// The model's action text is a single function call in one of two shapes:
//
//	do(action="<verb>", <kwargs>)
//	finish(message="<text>")
//
// Parsing is purely lexical; nothing is evaluated. Anything outside these
// two shapes is a malformed response.

// argValue is one parsed kwarg value: a quoted string or a two-int list.
type argValue struct {
	str    string
	isStr  bool
	list   []int
	isList bool
}

// ParseAction parses one action call into a typed Action.
func ParseAction(text string) (Action, error) {
	text = strings.TrimSpace(text)

	switch {
	case strings.HasPrefix(text, "finish("):
		args, err := parseCallArgs(text[len("finish("):])
		if err != nil {
			return nil, malformed("finish", err)
		}
		msg, _ := stringArg(args, "message")
		return FinishAction{Message: msg}, nil

	case strings.HasPrefix(text, "do("):
		args, err := parseCallArgs(text[len("do("):])
		if err != nil {
			return nil, malformed("do", err)
		}
		return actionFromArgs(args)

	default:
		return nil, agentErr(KindMalformedResponse, "parse_action",
			"unknown call shape: "+truncate(text, 80), nil)
	}
}

func malformed(call string, err error) error {
	return agentErr(KindMalformedResponse, "parse_action", call+" call", err)
}

// actionFromArgs maps a parsed do(...) call onto its Action variant.
func actionFromArgs(args map[string]argValue) (Action, error) {
	verb, ok := stringArg(args, "action")
	if !ok {
		return nil, agentErr(KindMalformedResponse, "parse_action", "do() without action kwarg", nil)
	}

	// The model emits both spaced and compact verb spellings.
	switch strings.ReplaceAll(verb, " ", "") {
	case "Launch":
		app, ok := stringArg(args, "app")
		if !ok {
			return nil, agentErr(KindMalformedResponse, "parse_action", "Launch without app", nil)
		}
		return LaunchAction{App: app}, nil

	case "Tap":
		p, err := pointArg(args, "element")
		if err != nil {
			return nil, err
		}
		msg, _ := stringArg(args, "message")
		return TapAction{Point: p, SensitiveMessage: msg}, nil

	case "DoubleTap":
		p, err := pointArg(args, "element")
		if err != nil {
			return nil, err
		}
		return DoubleTapAction{Point: p}, nil

	case "LongPress":
		p, err := pointArg(args, "element")
		if err != nil {
			return nil, err
		}
		return LongPressAction{Point: p}, nil

	case "Swipe":
		start, err := pointArg(args, "start")
		if err != nil {
			return nil, err
		}
		end, err := pointArg(args, "end")
		if err != nil {
			return nil, err
		}
		return SwipeAction{Start: start, End: end}, nil

	case "Type":
		text, ok := stringArg(args, "text")
		if !ok {
			return nil, agentErr(KindMalformedResponse, "parse_action", "Type without text", nil)
		}
		return TypeAction{Text: text}, nil

	case "Back":
		return BackAction{}, nil

	case "Home":
		return HomeAction{}, nil

	case "Wait":
		raw, ok := stringArg(args, "duration")
		if !ok {
			return nil, agentErr(KindMalformedResponse, "parse_action", "Wait without duration", nil)
		}
		d, err := parseSeconds(raw)
		if err != nil {
			return nil, agentErr(KindMalformedResponse, "parse_action", "Wait duration", err)
		}
		return WaitAction{Duration: d}, nil

	case "TakeOver":
		msg, _ := stringArg(args, "message")
		return TakeOverAction{Message: msg}, nil

	default:
		return nil, agentErr(KindMalformedResponse, "parse_action", "unknown action verb: "+verb, nil)
	}
}

func stringArg(args map[string]argValue, key string) (string, bool) {
	v, ok := args[key]
	if !ok || !v.isStr {
		return "", false
	}
	return v.str, true
}

func pointArg(args map[string]argValue, key string) (RelPoint, error) {
	v, ok := args[key]
	if !ok || !v.isList || len(v.list) != 2 {
		return RelPoint{}, agentErr(KindMalformedResponse, "parse_action",
			fmt.Sprintf("missing or invalid %s=[x,y]", key), nil)
	}
	return RelPoint{X: v.list[0], Y: v.list[1]}, nil
}

// parseSeconds parses durations like "3 seconds", "0.5 second" or "3s".
func parseSeconds(raw string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimSuffix(s, "seconds")
	s = strings.TrimSuffix(s, "second")
	s = strings.TrimSuffix(s, "secs")
	s = strings.TrimSuffix(s, "sec")
	s = strings.TrimSuffix(s, "s")
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse duration %q", raw)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// ========================================
// Kwarg tokenizer
// ========================================

// parseCallArgs scans `k=v, k2=v2)` — the inside of a call, up to and
// including the closing parenthesis. Values are quoted strings (with escaped
// quotes), two-integer lists, or bare tokens.
func parseCallArgs(s string) (map[string]argValue, error) {
	args := make(map[string]argValue)
	i := 0

	skipSpace := func() {
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
	}

	for {
		skipSpace()
		if i >= len(s) {
			return nil, fmt.Errorf("unterminated call")
		}
		if s[i] == ')' {
			return args, nil
		}

		// key
		start := i
		for i < len(s) && (isIdentChar(s[i])) {
			i++
		}
		if i == start {
			return nil, fmt.Errorf("expected kwarg name at position %d", i)
		}
		key := s[start:i]

		skipSpace()
		if i >= len(s) || s[i] != '=' {
			return nil, fmt.Errorf("expected '=' after %q", key)
		}
		i++
		skipSpace()
		if i >= len(s) {
			return nil, fmt.Errorf("missing value for %q", key)
		}

		var val argValue
		switch s[i] {
		case '"', '\'':
			str, next, err := scanQuoted(s, i)
			if err != nil {
				return nil, err
			}
			val = argValue{str: str, isStr: true}
			i = next
		case '[':
			list, next, err := scanIntList(s, i)
			if err != nil {
				return nil, err
			}
			val = argValue{list: list, isList: true}
			i = next
		default:
			// bare token up to comma or closing paren
			start := i
			for i < len(s) && s[i] != ',' && s[i] != ')' {
				i++
			}
			val = argValue{str: strings.TrimSpace(s[start:i]), isStr: true}
		}
		args[key] = val

		skipSpace()
		if i < len(s) && s[i] == ',' {
			i++
			continue
		}
		if i < len(s) && s[i] == ')' {
			return args, nil
		}
		return nil, fmt.Errorf("expected ',' or ')' after value of %q", key)
	}
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// scanQuoted reads a quoted string starting at s[i], honoring backslash
// escapes, and returns the unescaped value and the index past the closing
// quote.
func scanQuoted(s string, i int) (string, int, error) {
	quote := s[i]
	i++
	var b strings.Builder
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '\\', '"', '\'':
				b.WriteByte(next)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte('\\')
				b.WriteByte(next)
			}
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", i, fmt.Errorf("unterminated string")
}

// scanIntList reads a [x, y] integer list starting at s[i].
func scanIntList(s string, i int) ([]int, int, error) {
	i++ // past '['
	var list []int
	for {
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= len(s) {
			return nil, i, fmt.Errorf("unterminated list")
		}
		if s[i] == ']' {
			return list, i + 1, nil
		}
		start := i
		if s[i] == '-' || s[i] == '+' {
			i++
		}
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		n, err := strconv.Atoi(strings.TrimSpace(s[start:i]))
		if err != nil {
			return nil, i, fmt.Errorf("invalid list element at position %d", start)
		}
		list = append(list, n)

		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i < len(s) && s[i] == ',' {
			i++
			continue
		}
		if i < len(s) && s[i] == ']' {
			return list, i + 1, nil
		}
		return nil, i, fmt.Errorf("expected ',' or ']' in list")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package netbroker

import (
	"strconv"
	"strings"
)

// ParseShortIdentity recognizes the three short-form identity replies a
// terminal-mode peer may answer the identity probe with: the literal
// "client", "client <name>", or "service <name>" (spec.md §4.2 step 3).
// Grounded on original_source/msl/network/utils.py:parse_terminal_input's
// "client"/"service" branches.
func ParseShortIdentity(line string) (role, name string, err error) {
	line = strings.TrimSpace(line)
	lower := strings.ToLower(line)

	switch {
	case lower == "client":
		return "client", "Client", nil
	case strings.HasPrefix(lower, "client "):
		return "client", strings.TrimSpace(line[len("client "):]), nil
	case strings.HasPrefix(lower, "service "):
		return "service", strings.TrimSpace(line[len("service "):]), nil
	default:
		return "", "", ErrMalformedFrame("identity-error: unrecognized short identity %q", line)
	}
}

func parseShortIdentity(line string) (role, name string, err error) { return ParseShortIdentity(line) }

// ParseTerminalLine turns one line of free-form terminal input into a
// RequestFrame, the way a human typing into a raw terminal session
// (telnet, Putty) would expect "identity", "link <name>", "disconnect"/"exit", and
// "<service> <attribute> [args...] [key=value...]" to behave. Grounded
// on original_source/msl/network/utils.py:parse_terminal_input,
// reimplemented with Go's strconv/strings instead of Python's
// ast.literal_eval and named-group regexes.
func ParseTerminalLine(line string) (*RequestFrame, error) {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)

	switch {
	case lower == "identity":
		return NewRequestFrame(ManagerService, "identity", nil, nil, ""), nil
	case lower == "disconnect" || lower == "exit":
		return NewRequestFrame("self", "disconnect", nil, nil, ""), nil
	case strings.HasPrefix(lower, "link "):
		target := strings.Trim(strings.TrimSpace(trimmed[len("link "):]), `"`)
		return NewRequestFrame(ManagerService, "link", []interface{}{target}, nil, ""), nil
	case strings.HasPrefix(lower, "unlink "):
		target := strings.Trim(strings.TrimSpace(trimmed[len("unlink "):]), `"`)
		return NewRequestFrame(ManagerService, "unlink", []interface{}{target}, nil, ""), nil
	}

	items := strings.Fields(trimmed)
	if len(items) < 2 {
		return nil, ErrInvalidRequest("expected \"<service> <attribute> [args...]\", got %q", line)
	}

	service := strings.Trim(items[0], `"`)
	attribute := strings.Trim(items[1], `"`)
	if len(items) == 2 {
		return NewRequestFrame(service, attribute, nil, nil, ""), nil
	}

	args, kwargs := splitArgsAndKwargs(items[2:])
	return NewRequestFrame(service, attribute, args, kwargs, ""), nil
}

func splitArgsAndKwargs(tokens []string) ([]interface{}, map[string]interface{}) {
	var args []interface{}
	kwargs := make(map[string]interface{})

	for _, tok := range tokens {
		if key, value, ok := strings.Cut(tok, "="); ok && key != "" {
			kwargs[key] = convertTerminalValue(value)
		} else {
			args = append(args, convertTerminalValue(tok))
		}
	}
	return args, kwargs
}

// convertTerminalValue mirrors parse_terminal_input's convert_value:
// recognize booleans and null by keyword, fall back to a number, and
// finally leave the token as a plain string.
func convertTerminalValue(tok string) interface{} {
	switch strings.ToLower(tok) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	tok = strings.Trim(tok, `"`)
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	return tok
}

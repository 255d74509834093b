/*Package cmdsrv implements the text command protocol: a TCP line server
that parses commands and dispatches them against a registry of named
tools.

Each connection runs on its own goroutine with no shared lock, so an
operator can send abort on one connection while expose blocks another.
Handler errors and panics are formatted as ERROR replies; they never
terminate the connection.
*/
package cmdsrv

import (
	"strings"

	"github.com/observatory-tools/goacq/errkind"
)

// Command is one parsed request line.
type Command struct {
	Tool   string
	Method string
	Args   []string
	Kwargs map[string]string
}

// Tokenize splits a command line into tokens, honoring single- and
// double-quoted substrings.  Quotes are stripped; an unterminated quote
// is a protocol error.
func Tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == ' ' || r == '\t':
			flush()
		case r == '\'' || r == '"':
			quote := r
			i++
			for ; i < len(runes) && runes[i] != quote; i++ {
				cur.WriteRune(runes[i])
			}
			if i >= len(runes) {
				return nil, errkind.Newf(errkind.Protocol, "unterminated %c quote", quote)
			}
			inToken = true
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	flush()
	return tokens, nil
}

// QuoteJoin joins items with spaces, quoting any item containing a space
// so the result tokenizes back to the same list.
func QuoteJoin(items []string) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte(' ')
		}
		if strings.ContainsAny(item, " \t") {
			b.WriteByte('\'')
			b.WriteString(item)
			b.WriteByte('\'')
		} else {
			b.WriteString(item)
		}
	}
	return b.String()
}

// ParseCommand parses one request line into tool, method and arguments.
// A bare method name resolves against defaultTool.  Arguments after the
// first key=value token must all be key=value pairs; mixing positional
// and keyword forms in one call is not supported.
func ParseCommand(line, defaultTool string) (Command, error) {
	tokens, err := Tokenize(line)
	if err != nil {
		return Command{}, err
	}
	if len(tokens) == 0 {
		return Command{}, errkind.New(errkind.Protocol, "empty command")
	}

	cmd := Command{}
	name := tokens[0]
	switch parts := strings.Split(name, "."); len(parts) {
	case 1:
		if defaultTool == "" {
			return Command{}, errkind.Newf(errkind.Protocol, "command not recognized: %s", name)
		}
		cmd.Tool, cmd.Method = defaultTool, parts[0]
	case 2:
		cmd.Tool, cmd.Method = parts[0], parts[1]
	default:
		return Command{}, errkind.Newf(errkind.Protocol, "bad command name: %s", name)
	}
	if cmd.Tool == "" || cmd.Method == "" {
		return Command{}, errkind.Newf(errkind.Protocol, "bad command name: %s", name)
	}

	for _, tok := range tokens[1:] {
		if !strings.Contains(tok, "=") {
			if len(cmd.Kwargs) > 0 {
				return Command{}, errkind.New(errkind.Protocol,
					"cannot mix positional and key=value arguments")
			}
			cmd.Args = append(cmd.Args, tok)
			continue
		}
		if len(cmd.Args) > 0 {
			return Command{}, errkind.New(errkind.Protocol,
				"cannot mix positional and key=value arguments")
		}
		kv := strings.SplitN(tok, "=", 2)
		if kv[0] == "" {
			return Command{}, errkind.Newf(errkind.Protocol, "bad keyword argument: %s", tok)
		}
		if cmd.Kwargs == nil {
			cmd.Kwargs = make(map[string]string)
		}
		cmd.Kwargs[kv[0]] = kv[1]
	}
	return cmd, nil
}

package bot

import (
	"strconv"
	"strings"
)

// Prefix marks a chat message as a command.
const Prefix = "!"

// Command is a parsed chat command.
type Command struct {
	Name string   // lower-case, without the prefix
	Args []string // whitespace separated, original case
}

// Parse splits content into a command. ok is false for ordinary chat.
func Parse(content string) (cmd Command, ok bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], Prefix) {
		return Command{}, false
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], Prefix))
	if name == "" {
		return Command{}, false
	}
	return Command{Name: name, Args: fields[1:]}, true
}

// Arg returns argument i or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// LastArg returns the final argument or "".
func (c Command) LastArg() string {
	return c.Arg(len(c.Args) - 1)
}

// parseInt accepts an optionally signed base-10 integer and nothing else.
func parseInt(raw string) (int64, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil
}

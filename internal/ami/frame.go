package ami

import (
	"bufio"
	"fmt"
	"sort"
	"strings"
)

// Action is an outbound manager-protocol request. Name maps to the Action
// header; Fields carry the remaining headers.
type Action struct {
	Name   string
	Fields map[string]string
}

// Response is the immediate reply to an Action, matched by ActionID.
type Response struct {
	Fields map[string]string
}

// Success reports whether the PBX accepted the action.
func (r Response) Success() bool {
	return r.Fields["Response"] == "Success"
}

// Message returns the response's Message header.
func (r Response) Message() string {
	return r.Fields["Message"]
}

// encodeAction serializes an action as CRLF-separated "Key: Value" lines
// terminated by a blank line. Field order is stable for testability.
func encodeAction(a Action) []byte {
	var b strings.Builder
	b.WriteString("Action: ")
	b.WriteString(a.Name)
	b.WriteString("\r\n")

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(a.Fields[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// readFrame reads one blank-line-terminated frame of "Key: Value" lines.
// Lines without a colon are skipped; an empty frame at EOF returns the
// reader's error.
func readFrame(r *bufio.Reader) (map[string]string, error) {
	fields := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if len(fields) > 0 {
				return fields, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(fields) == 0 {
				continue // stray keep-alive blank line
			}
			return fields, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// validateBanner checks the protocol greeting sent on connect.
func validateBanner(line string) error {
	if !strings.HasPrefix(line, "Asterisk Call Manager") {
		return fmt.Errorf("unexpected manager banner %q", strings.TrimSpace(line))
	}
	return nil
}

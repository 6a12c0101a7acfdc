// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package executor

import (
	"bufio"
	"strconv"
	"strings"

	"grimm.is/ratewall/internal/errors"
)

// Object is one parsed line of firewall CLI output.
type Object interface{ isObject() }

// Add is a successful "add rule" response carrying the new rule's handle.
type Add struct{ Handle int }

func (Add) isObject() {}

// Other is any output line that isn't a recognized handle line, kept
// verbatim so callers can log it without losing information.
type Other struct{ Raw string }

func (Other) isObject() {}

// ParseOutput turns one command's raw response into a sequence of Objects.
// When the firewall CLI is run with echo+handle output, a mutated rule is
// reported as the echoed command with a trailing "# handle <n>" comment;
// every line without one is passed through as Other.
func ParseOutput(raw string) ([]Object, error) {
	var objs []Object
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isCaretLine(line) {
			continue
		}
		if h, ok := parseHandleLine(line); ok {
			objs = append(objs, Add{Handle: h})
			continue
		}
		objs = append(objs, Other{Raw: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindParseError, "scan firewall output")
	}
	return objs, nil
}

// FirstHandle returns the handle carried by the leading Add object. Output
// that is empty or does not begin with an Add is a parse error: the handle
// is the one value the core must not guess at.
func FirstHandle(objs []Object) (int, error) {
	if len(objs) == 0 {
		return 0, errors.New(errors.KindParseError, "empty firewall output")
	}
	a, ok := objs[0].(Add)
	if !ok {
		return 0, errors.Errorf(errors.KindParseError, "no handle in firewall output: %v", objs[0])
	}
	return a.Handle, nil
}

// isCaretLine matches the CLI's error position indicator, a run of '^'
// characters pointing at the offending input. It carries no information of
// its own and can straddle response boundaries, so it is always dropped.
func isCaretLine(line string) bool {
	for _, r := range line {
		if r != '^' {
			return false
		}
	}
	return true
}

func parseHandleLine(line string) (int, bool) {
	const marker = "# handle "
	i := strings.LastIndex(line, marker)
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[i+len(marker):]))
	if err != nil {
		return 0, false
	}
	return n, true
}

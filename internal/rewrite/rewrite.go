// Package rewrite transforms privilege-escalation invocations into
// non-interactive equivalents.
//
// An LLM-driven caller has no terminal, so a remote "sudo" that prompts for
// a password blocks forever and stalls the whole session. This package
// rewrites each pipeline segment that directly invokes sudo so that it
// either reads the password from stdin ("sudo -S -p ''") or fails fast
// ("sudo -n") when no password is configured. The password itself is never
// placed into the command line: the session engine streams it on the remote
// process's stdin, so neither logs nor the caller-visible result ever
// contain it.
//
// The package is pure text transformation with no I/O, which keeps it
// trivially testable.
package rewrite

import "strings"

// Result describes the outcome of a Rewrite call.
type Result struct {
	// Command is the (possibly) transformed command line.
	Command string
	// Rewritten reports whether any segment was changed.
	Rewritten bool
	// SecretFeeds is the number of rewritten segments that expect one line
	// of secret on stdin. The session engine writes this many lines.
	SecretFeeds int
}

// segment is one top-level piece of a command line: either a command
// between separators or a separator itself.
type segment struct {
	text string
	sep  bool
}

// split breaks a command line into top-level segments at |, ||, &&, and ;
// boundaries, preserving quoting and the separators themselves. Separators
// inside single or double quotes do not split.
func split(command string) []segment {
	var segs []segment
	var cur strings.Builder

	flush := func() {
		segs = append(segs, segment{text: cur.String()})
		cur.Reset()
	}

	var inSingle, inDouble, escaped bool
	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if escaped {
			cur.WriteRune(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			cur.WriteRune(c)
			escaped = true
			continue
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		}
		if inSingle || inDouble {
			cur.WriteRune(c)
			continue
		}

		switch c {
		case ';':
			flush()
			segs = append(segs, segment{text: ";", sep: true})
			continue
		case '|':
			flush()
			if i+1 < len(runes) && runes[i+1] == '|' {
				segs = append(segs, segment{text: "||", sep: true})
				i++
			} else {
				segs = append(segs, segment{text: "|", sep: true})
			}
			continue
		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				flush()
				segs = append(segs, segment{text: "&&", sep: true})
				i++
				continue
			}
		}
		cur.WriteRune(c)
	}
	flush()
	return segs
}

// fields tokenizes a segment on whitespace, honoring quotes and escapes.
// Quote characters are kept in the tokens; only the boundaries matter here.
func fields(seg string) []string {
	var tokens []string
	var cur strings.Builder
	var inSingle, inDouble, escaped bool

	for _, c := range seg {
		if escaped {
			cur.WriteRune(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			cur.WriteRune(c)
			escaped = true
			continue
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		}
		if !inSingle && !inDouble && (c == ' ' || c == '\t') {
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(c)
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// leadingToken returns the first token of a segment, or "".
func leadingToken(seg string) string {
	toks := fields(seg)
	if len(toks) == 0 {
		return ""
	}
	return toks[0]
}

// hasNonInteractiveFlag reports whether the sudo flags already make the
// invocation non-interactive (-S/--stdin or -n/--non-interactive). Only
// the flag run directly after "sudo" is inspected; "-n" as an argument to
// the wrapped command must not count.
func hasNonInteractiveFlag(seg string) bool {
	toks := fields(seg)
	for _, t := range toks[1:] {
		if !strings.HasPrefix(t, "-") {
			break
		}
		switch t {
		case "-S", "--stdin", "-n", "--non-interactive":
			return true
		}
		// Bundled short flags like -kS
		if !strings.HasPrefix(t, "--") && (strings.ContainsRune(t, 'S') || strings.ContainsRune(t, 'n')) {
			return true
		}
	}
	return false
}

// Detect reports whether the command directly invokes a privilege-escalation
// utility, i.e. whether any top-level segment's leading token is sudo or su.
// Occurrences deeper in a segment (arguments, file names) do not count.
func Detect(command string) bool {
	for _, seg := range split(command) {
		if seg.sep {
			continue
		}
		switch leadingToken(seg.text) {
		case "sudo", "su":
			return true
		}
	}
	return false
}

// Rewrite transforms every segment whose leading token is sudo into a
// non-interactive form. With hasSecret set, "sudo" becomes "sudo -S -p ''"
// and the caller must feed one secret line on stdin per such segment;
// without a secret, "sudo" becomes "sudo -n" so the remote fails fast with
// a clear authorization error instead of hanging on a prompt.
//
// Segments that already carry -S or -n are left alone, as are segments not
// leading with sudo ("su" included: it has no stdin password contract worth
// automating, so it passes through and fails fast on its own). With autoFix
// disabled, the command is always returned unchanged.
//
// Rewrite never fails; the zero-change case returns the input verbatim.
func Rewrite(command string, hasSecret, autoFix bool) Result {
	if !autoFix {
		return Result{Command: command}
	}

	segs := split(command)
	var out strings.Builder
	rewritten := false
	feeds := 0

	for _, seg := range segs {
		if seg.sep {
			out.WriteString(seg.text)
			continue
		}
		text := seg.text
		if leadingToken(text) == "sudo" && !hasNonInteractiveFlag(text) {
			idx := strings.Index(text, "sudo")
			if hasSecret {
				text = text[:idx] + "sudo -S -p ''" + text[idx+len("sudo"):]
				feeds++
			} else {
				text = text[:idx] + "sudo -n" + text[idx+len("sudo"):]
			}
			rewritten = true
		}
		out.WriteString(text)
	}

	if !rewritten {
		return Result{Command: command}
	}
	return Result{Command: out.String(), Rewritten: true, SecretFeeds: feeds}
}

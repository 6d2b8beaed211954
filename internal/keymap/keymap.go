// Package keymap implements the keychord notation grammar from the
// original CLI's fullscreen keymap (crates/rip-cli/src/fullscreen/keymap.rs):
// parsing "C-x", "ctrl+shift+p", or "M-S-Tab" style chord strings into a
// single canonical notation. It exists to satisfy the Round-trips and laws
// property normalize(normalize(x)) == normalize(x) named in spec §8; it is
// not wired to any transport (keymap loading is out of scope per §1).
package keymap

import (
	"strconv"
	"strings"
)

// namedKeys maps every accepted spelling of a non-character key to its
// canonical name, mirroring the original's normalize_notation match arms.
var namedKeys = map[string]string{
	"enter":     "Enter",
	"tab":       "Tab",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"esc":       "Esc",
	"backspace": "Backspace",
	"delete":    "Delete",
	"home":      "Home",
	"end":       "End",
	"pageup":    "PageUp",
	"pagedown":  "PageDown",
}

// Normalize parses a keychord string in either "-"-separated ("C-x",
// "M-S-Tab") or "+"-separated ("ctrl+shift+p") form and returns its
// canonical notation, or "" if the chord names an unknown modifier or key.
// Canonical modifier order is always ctrl<alt<shift, matching the
// original's out.push_str ordering (C- then M- then S-).
func Normalize(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	sep := "-"
	if strings.Contains(input, "+") {
		sep = "+"
	}
	parts := splitNonEmpty(input, sep)
	if len(parts) == 0 {
		return ""
	}

	mods := parts[:len(parts)-1]
	key := parts[len(parts)-1]

	var ctrl, alt, shift bool
	for _, m := range mods {
		switch strings.ToLower(m) {
		case "c", "ctrl", "control":
			ctrl = true
		case "m", "alt", "meta":
			alt = true
		case "s", "shift":
			shift = true
		default:
			return ""
		}
	}

	name, ok := canonicalKey(key)
	if !ok {
		return ""
	}

	var b strings.Builder
	if ctrl {
		b.WriteString("C-")
	}
	if alt {
		b.WriteString("M-")
	}
	if shift {
		b.WriteString("S-")
	}
	b.WriteString(name)
	return b.String()
}

// canonicalKey resolves the trailing chord component to its canonical
// spelling: a named key (case-insensitive), a function key ("F" or "f"
// followed by any positive integer, e.g. "F1", "f12"), or a single
// lowercased rune.
func canonicalKey(key string) (string, bool) {
	if name, ok := namedKeys[strings.ToLower(key)]; ok {
		return name, true
	}
	if n := utf8RuneCount(key); n == 1 {
		return strings.ToLower(key), true
	}
	if len(key) >= 2 && (key[0] == 'F' || key[0] == 'f') {
		if n, err := strconv.Atoi(key[1:]); err == nil && n > 0 {
			return "F" + strconv.Itoa(n), true
		}
	}
	return "", false
}

func utf8RuneCount(s string) int {
	return len([]rune(s))
}

func splitNonEmpty(s, sep string) []string {
	raw := strings.Split(s, sep)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package keymap

import "testing"

func TestNormalize_AcceptsCommonForms(t *testing.T) {
	cases := map[string]string{
		"C-c":      "C-c",
		"c":        "c",
		"Tab":      "Tab",
		"M-Tab":    "M-Tab",
		"S-Enter":  "S-Enter",
		"ctrl+shift+p": "C-S-p",
		"M-S-Tab":  "M-S-Tab",
		"F5":       "F5",
		"f12":      "F12",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalize_RejectsUnknownModifiersAndKeys(t *testing.T) {
	cases := []string{"Z-x", "C-Unknown", "", "   "}
	for _, in := range cases {
		if got := Normalize(in); got != "" {
			t.Errorf("Normalize(%q) = %q, want \"\"", in, got)
		}
	}
}

func TestNormalize_IsIdempotent(t *testing.T) {
	inputs := []string{"C-c", "ctrl+shift+p", "Tab", "M-S-Tab", "F5", "x", "Z-x", "", "C-F12"}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: Normalize(x)=%q, Normalize(Normalize(x))=%q", in, once, twice)
		}
	}
}

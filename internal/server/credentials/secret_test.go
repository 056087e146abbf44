package credentials

import (
	"strings"
	"testing"
)

func TestGenerateRandomPassword_ShapeAndAlphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		pw, err := GenerateRandomPassword()
		if err != nil {
			t.Fatalf("GenerateRandomPassword: %v", err)
		}
		if len(pw) != RandomPasswordLength {
			t.Fatalf("length = %d, want %d", len(pw), RandomPasswordLength)
		}
		for _, c := range pw {
			if !strings.ContainsRune(passwordAlphabet, c) {
				t.Fatalf("character %q outside alphabet", c)
			}
		}
	}
}

func TestGenerateRandomPassword_Distinct(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		pw, err := GenerateRandomPassword()
		if err != nil {
			t.Fatalf("GenerateRandomPassword: %v", err)
		}
		if _, dup := seen[pw]; dup {
			t.Fatalf("duplicate password %q", pw)
		}
		seen[pw] = struct{}{}
	}
}

func TestGenerateRandomPassword_CoversAlphabet(t *testing.T) {
	counts := make(map[rune]int)
	for i := 0; i < 500; i++ {
		pw, _ := GenerateRandomPassword()
		for _, c := range pw {
			counts[c]++
		}
	}
	// 6000 draws over 70 symbols: every symbol shows up with overwhelming probability
	if len(counts) != len(passwordAlphabet) {
		t.Fatalf("saw %d distinct symbols, want %d", len(counts), len(passwordAlphabet))
	}
}

func TestRandomPassword_FailsClosed(t *testing.T) {
	pw, err := randomPassword(failingReader{})
	if err == nil || pw != "" {
		t.Fatalf("expected failure, got %q, %v", pw, err)
	}
	if !strings.Contains(err.Error(), "entropy exhausted") {
		t.Fatalf("unexpected error: %v", err)
	}
}

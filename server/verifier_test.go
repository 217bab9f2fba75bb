package server

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/dwexpr/manifest"
	"github.com/chazu/dwexpr/pkg/bytecode"
)

func TestVerifier_Check(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		accepted  bool
		result    uint64
	}{
		{"flag", challengeFlag, true, 0x401246},
		{"wrong flag", string(wrongFlag()), false, 0x4012AF},
		{"prefix only", "ARKAV{", false, 0x4012AF},
		{"first block right", "ARKAV{th", false, 0x4012AF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := testVerifier.Check([]byte(tt.candidate))
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if v.Err != nil {
				t.Fatalf("Check() evaluation error = %v", v.Err)
			}
			if v.Accepted != tt.accepted {
				t.Errorf("Check() accepted = %v, want %v", v.Accepted, tt.accepted)
			}
			if v.Result != tt.result {
				t.Errorf("Check() result = 0x%x, want 0x%x", v.Result, tt.result)
			}
			if v.Steps == 0 {
				t.Error("Check() reported zero steps")
			}
		})
	}
}

func TestVerifier_InvalidCandidate(t *testing.T) {
	if _, err := testVerifier.Check(nil); !errors.Is(err, ErrEmptyCandidate) {
		t.Errorf("Check(nil) error = %v, want ErrEmptyCandidate", err)
	}
	long := []byte(challengeFlag + "x")
	if _, err := testVerifier.Check(long); !errors.Is(err, ErrCandidateTooLong) {
		t.Errorf("Check(57 bytes) error = %v, want ErrCandidateTooLong", err)
	}
}

func TestVerifier_NoOutcomes(t *testing.T) {
	b, err := buildBundle(filepath.Join("..", "examples", "treacherous"), func(m *manifest.Manifest) {
		m.Outcomes = nil
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(b)
	if err != nil {
		t.Fatal(err)
	}

	got, err := v.Check([]byte(challengeFlag))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Accepted || got.Result != 1 {
		t.Errorf("Check(flag) = %+v, want accepted with result 1", got)
	}
	got, err = v.Check(wrongFlag())
	if err != nil {
		t.Fatal(err)
	}
	if got.Accepted || got.Result != 0 {
		t.Errorf("Check(wrong) = %+v, want rejected with result 0", got)
	}
}

func TestVerifier_EvaluationError(t *testing.T) {
	b, err := buildBundle(filepath.Join("..", "examples", "treacherous"), func(m *manifest.Manifest) {
		m.Machine.StepLimit = 100
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewVerifier(b)
	if err != nil {
		t.Fatal(err)
	}

	got, err := v.Check([]byte(challengeFlag))
	if err != nil {
		t.Fatalf("Check() error = %v, want the failure in Verdict.Err", err)
	}
	if !errors.Is(got.Err, bytecode.StepLimitExceeded) {
		t.Errorf("Check() Verdict.Err = %v, want StepLimitExceeded", got.Err)
	}
	if got.Accepted {
		t.Error("a failed evaluation must not be accepted")
	}
	if got.Steps != 100 {
		t.Errorf("Check() steps = %d, want 100", got.Steps)
	}
}

func TestVerifier_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidate := []byte(challengeFlag)
			if i%2 == 1 {
				candidate = wrongFlag()
			}
			v, err := testVerifier.Check(candidate)
			if err != nil {
				errs <- err
				return
			}
			if v.Accepted != (i%2 == 0) {
				errs <- errors.New("verdict depends on concurrent checks")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestNewVerifier_TamperedBundle(t *testing.T) {
	b := *testBundle
	b.Expression = append([]byte(nil), testBundle.Expression...)
	b.Expression[len(b.Expression)-1] ^= 0xff
	if _, err := NewVerifier(&b); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("NewVerifier(tampered) error = %v, want hash mismatch", err)
	}
}

func TestVerifier_Disassemble(t *testing.T) {
	listing, err := testVerifier.Disassemble(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"; === treacherous ===", "bra", "skip", "addr 0x401246"} {
		if !strings.Contains(listing, want) {
			t.Errorf("Disassemble(nil) missing %q", want)
		}
	}

	listing, err = testVerifier.Disassemble([]byte{0x31, 0x32, 0x22})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(listing, "plus") || strings.Contains(listing, "treacherous") {
		t.Errorf("Disassemble(code) = %q", listing)
	}

	if _, err := testVerifier.Disassemble([]byte{0x03, 0x01}); err == nil {
		t.Error("Disassemble(truncated addr) should fail")
	}
}

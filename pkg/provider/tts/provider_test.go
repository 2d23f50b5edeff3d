package tts

import (
	"context"
	"errors"
	"testing"
)

func TestCleanText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "Thank you.", want: "Thank you."},
		{name: "collapses whitespace", in: "  Thank \n\t you.  ", want: "Thank you."},
		{name: "drops control chars", in: "Hi\x00 there\x07", want: "Hi there"},
		{name: "keeps unicode letters", in: "Grüße, José!", want: "Grüße, José!"},
		{name: "empty", in: "", wantErr: true},
		{name: "whitespace only", in: " \n\t ", wantErr: true},
		{name: "punctuation only", in: "...!?", wantErr: true},
		{name: "replacement chars only", in: "��", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := CleanText(tc.in)
			if tc.wantErr {
				if !errors.Is(err, ErrUnsupportedText) {
					t.Fatalf("err = %v, want ErrUnsupportedText", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()
	if Wrap("x", nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
	err := Wrap("openai", context.DeadlineExceeded)
	if !errors.Is(err, ErrSynthesis) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrSynthesis and DeadlineExceeded in chain", err)
	}
	if again := Wrap("openai", err); again != err {
		t.Errorf("double wrap changed the error: %v", again)
	}
}

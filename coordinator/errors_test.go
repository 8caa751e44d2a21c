package coordinator

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrorsAreDistinct(t *testing.T) {
	for _, pair := range [][2]error{
		{ErrNilLeaderID, ErrNilSegment},
		{ErrNilLeaderID, ErrEmptyReplicas},
		{ErrNilSegment, ErrEmptyReplicas},
	} {
		if errors.Is(pair[0], pair[1]) {
			t.Errorf("expected %v and %v to be distinct", pair[0], pair[1])
		}
	}
}

func TestSentinelErrorsWrapCleanly(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"nil leader id", ErrNilLeaderID},
		{"nil segment", ErrNilSegment},
		{"empty replicas", ErrEmptyReplicas},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("take lead: %w", tt.err)
			if !errors.Is(wrapped, tt.err) {
				t.Fatalf("wrapped error %v does not match sentinel %v", wrapped, tt.err)
			}
			if wrapped.Error() == "" {
				t.Fatalf("expected non-empty wrapped message")
			}
		})
	}
}

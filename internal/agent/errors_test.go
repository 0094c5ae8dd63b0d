package agent

import (
	"errors"
	"testing"
)

func TestErrNoProviderIsDistinct(t *testing.T) {
	if errors.Is(ErrNoProvider, ErrNoRegistry) {
		t.Fatalf("ErrNoProvider and ErrNoRegistry must be distinct sentinels")
	}
}

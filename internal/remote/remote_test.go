package remote

import (
	"errors"
	"fmt"
	"testing"
)

func TestProbe(t *testing.T) {
	exists := Probe(42, nil)
	if exists.Presence != Exists || exists.Value != 42 || exists.Err != nil {
		t.Errorf("Probe(value, nil) = %+v", exists)
	}

	absent := Probe(0, fmt.Errorf("get folder: %w", ErrNotFound))
	if absent.Presence != Absent || absent.Err != nil {
		t.Errorf("Probe(wrapped ErrNotFound) = %+v", absent)
	}

	boom := errors.New("503 service unavailable")
	failed := Probe(0, boom)
	if failed.Presence != LookupFailed || !errors.Is(failed.Err, boom) {
		t.Errorf("Probe(other error) = %+v", failed)
	}

	ambiguous := Probe[*Handle](nil, fmt.Errorf("x: %w", ErrAmbiguous))
	if ambiguous.Presence != LookupFailed || !errors.Is(ambiguous.Err, ErrAmbiguous) {
		t.Errorf("Probe(ErrAmbiguous) = %+v", ambiguous)
	}
}

func TestPresenceString(t *testing.T) {
	for p, want := range map[Presence]string{Absent: "absent", Exists: "exists", LookupFailed: "lookup-failed"} {
		if got := p.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", p, got, want)
		}
	}
}

func TestPaths(t *testing.T) {
	if got := CollectionSegment("Kern River Field"); got != "KernRiverField" {
		t.Errorf("CollectionSegment() = %q", got)
	}
	if got := SubCollectionPath("Kern River", "0412345678"); got != "/KernRiver/0412345678" {
		t.Errorf("SubCollectionPath() = %q", got)
	}
	if got := DocumentPath("Kern River", "0412345678", "log.pdf"); got != "/KernRiver/0412345678/log.pdf" {
		t.Errorf("DocumentPath() = %q", got)
	}
}

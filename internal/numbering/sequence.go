// Package numbering issues document numbers such as SO202403/000042 and
// reuses numbers released by cancelled drafts before advancing the counter.
package numbering

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes the document series.
type Kind string

const (
	// KindSales numbers sales transactions.
	KindSales Kind = "SO"
	// KindPurchase numbers purchase transactions.
	KindPurchase Kind = "PO"
)

const seqWidth = 6

var (
	// ErrInvalidKind indicates an unsupported document series.
	ErrInvalidKind = errors.New("numbering: unknown document kind")
	// ErrMalformedNumber indicates a number that does not follow the format.
	ErrMalformedNumber = errors.New("numbering: malformed document number")
	// ErrUnknownNumber indicates a number that is neither next nor recycled.
	ErrUnknownNumber = errors.New("numbering: number is not available")
	// ErrVersionConflict indicates the sequence changed since it was read.
	ErrVersionConflict = errors.New("numbering: sequence modified concurrently")
	// ErrAssignmentNotFound indicates no number is bound to the document.
	ErrAssignmentNotFound = errors.New("numbering: no number assigned to document")
	// ErrDocRefRequired indicates a request without a document reference.
	ErrDocRefRequired = errors.New("numbering: document reference required")
	// ErrAlreadyFinal indicates the document number is permanently used.
	ErrAlreadyFinal = errors.New("numbering: document already finalized")
)

// ParseKind accepts SO/PO or the long sales/purchase aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SO", "SALES":
		return KindSales, nil
	case "PO", "PURCHASE", "PURCHASES":
		return KindPurchase, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Format renders {PREFIX}{YYYY}{MM}/{seq:06d}.
func Format(kind Kind, at time.Time, seq int64) string {
	return fmt.Sprintf("%s%04d%02d/%0*d", kind, at.Year(), int(at.Month()), seqWidth, seq)
}

// Parse splits a document number into its kind and sequence.
func Parse(number string) (Kind, int64, error) {
	head, tail, ok := strings.Cut(number, "/")
	if !ok || len(head) != 8 || len(tail) < seqWidth {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	kind := Kind(head[:2])
	if kind != KindSales && kind != KindPurchase {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	if _, err := time.Parse("200601", head[2:]); err != nil {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	seq, err := strconv.ParseInt(tail, 10, 64)
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	return kind, seq, nil
}

// Sequence is the numbering state of one document kind. Counter is the next
// sequence to issue; Recycled holds released numbers, smallest first.
type Sequence struct {
	Kind     Kind
	Counter  int64
	Recycled []string
	Version  int64
}

// NewSequence starts a fresh series at 1.
func NewSequence(kind Kind) Sequence {
	return Sequence{Kind: kind, Counter: 1}
}

// PeekNext returns the number the next transaction would receive without
// consuming it.
func (s Sequence) PeekNext(at time.Time) string {
	if len(s.Recycled) > 0 {
		return s.Recycled[0]
	}
	return Format(s.Kind, at, s.counter())
}

// Consume marks number as permanently used. A recycled number leaves the
// recycled set; the current counter number advances the counter.
func (s Sequence) Consume(number string) (Sequence, error) {
	kind, seq, err := Parse(number)
	if err != nil {
		return s, err
	}
	if kind != s.Kind {
		return s, fmt.Errorf("%w: %s is not a %s number", ErrUnknownNumber, number, s.Kind)
	}
	out := s.clone()
	for i, r := range out.Recycled {
		if r == number {
			out.Recycled = append(out.Recycled[:i], out.Recycled[i+1:]...)
			return out, nil
		}
	}
	if seq != s.counter() {
		return s, fmt.Errorf("%w: %s", ErrUnknownNumber, number)
	}
	out.Counter = s.counter() + 1
	return out, nil
}

// Recycle returns a previously issued number to the pool.
func (s Sequence) Recycle(number string) (Sequence, error) {
	kind, seq, err := Parse(number)
	if err != nil {
		return s, err
	}
	if kind != s.Kind || seq >= s.counter() {
		return s, fmt.Errorf("%w: %s was never issued", ErrUnknownNumber, number)
	}
	out := s.clone()
	for _, r := range out.Recycled {
		if r == number {
			return out, nil
		}
	}
	out.Recycled = append(out.Recycled, number)
	sortRecycled(out.Recycled)
	return out, nil
}

func (s Sequence) counter() int64 {
	if s.Counter < 1 {
		return 1
	}
	return s.Counter
}

// clone never returns a nil Recycled slice; pgx binds nil as NULL.
func (s Sequence) clone() Sequence {
	out := s
	out.Recycled = make([]string, len(s.Recycled))
	copy(out.Recycled, s.Recycled)
	return out
}

func sortRecycled(numbers []string) {
	sort.SliceStable(numbers, func(i, j int) bool {
		_, a, _ := Parse(numbers[i])
		_, b, _ := Parse(numbers[j])
		if a != b {
			return a < b
		}
		return numbers[i] < numbers[j]
	})
}

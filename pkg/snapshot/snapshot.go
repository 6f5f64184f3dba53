// Package snapshot captures the exact inputs of a step execution and derives a
// stable fingerprint from them.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
)

const (
	// EntitySetSlot holds the molecule set a step reads or writes.
	EntitySetSlot = "entity_set"

	recordSlotPrefix = "record:"
)

// RecordSlot returns the slot name for records of a property.
func RecordSlot(property string) string {
	return recordSlotPrefix + property
}

// IsRecordSlot reports whether slot names a record slot and returns its property.
func IsRecordSlot(slot string) (string, bool) {
	if !strings.HasPrefix(slot, recordSlotPrefix) {
		return "", false
	}

	return strings.TrimPrefix(slot, recordSlotPrefix), true
}

// Snapshot maps input slots to identifiers and keeps literal parameters. It
// never holds mutable values, only ids of frozen data.
type Snapshot struct {
	Slots      map[string][]string `json:"slots,omitempty"`
	Parameters map[string]any      `json:"parameters,omitempty"`
}

// New returns an empty snapshot.
func New() Snapshot {
	return Snapshot{
		Slots:      make(map[string][]string),
		Parameters: make(map[string]any),
	}
}

// IsZero reports whether nothing has been captured.
func (s Snapshot) IsZero() bool {
	return len(s.Slots) == 0 && len(s.Parameters) == 0
}

// Set stores ids under slot, sorted and without duplicates.
func (s *Snapshot) Set(slot string, ids ...string) {
	if s.Slots == nil {
		s.Slots = make(map[string][]string)
	}

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	s.Slots[slot] = slices.Compact(sorted)
}

// Get returns the ids captured under slot.
func (s Snapshot) Get(slot string) []string {
	return s.Slots[slot]
}

// First returns the first id of slot, or "".
func (s Snapshot) First(slot string) string {
	ids := s.Slots[slot]
	if len(ids) == 0 {
		return ""
	}

	return ids[0]
}

// SlotNames returns the captured slots in lexical order.
func (s Snapshot) SlotNames() []string {
	names := slices.Collect(maps.Keys(s.Slots))
	sort.Strings(names)

	return names
}

// WithParameters returns a copy whose parameters are overlaid with overrides.
func (s Snapshot) WithParameters(overrides map[string]any) Snapshot {
	c := s.Clone()
	if c.Parameters == nil {
		c.Parameters = make(map[string]any)
	}

	maps.Copy(c.Parameters, overrides)

	return c
}

// Clone returns a deep copy of the slots and a shallow copy of the parameters.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		Slots:      make(map[string][]string, len(s.Slots)),
		Parameters: make(map[string]any, len(s.Parameters)),
	}

	for slot, ids := range s.Slots {
		c.Slots[slot] = slices.Clone(ids)
	}

	maps.Copy(c.Parameters, s.Parameters)

	return c
}

// Canonical serializes the snapshot deterministically: slots sorted by name,
// ids sorted within each slot, map keys sorted at every depth and numbers
// normalized so that 1 and 1.0 serialize identically.
func (s Snapshot) Canonical() ([]byte, error) {
	slots := make(map[string][]string, len(s.Slots))

	for slot, ids := range s.Slots {
		sorted := slices.Clone(ids)
		slices.Sort(sorted)
		slots[slot] = slices.Compact(sorted)
	}

	params, err := Normalize(s.Parameters)
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Slots      map[string][]string `json:"slots"`
		Parameters any                 `json:"parameters"`
	}{
		Slots:      slots,
		Parameters: params,
	})
}

// Fingerprint is the hex SHA-256 of the canonical form.
func (s Snapshot) Fingerprint() (string, error) {
	canonical, err := s.Canonical()
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize snapshot: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// Equal compares two snapshots by fingerprint.
func (s Snapshot) Equal(other Snapshot) bool {
	a, errA := s.Fingerprint()
	b, errB := other.Fingerprint()

	return errA == nil && errB == nil && a == b
}

// HashParameters fingerprints a parameter map on its own. Providers use it to
// recognise repeated invocations.
func HashParameters(params map[string]any) (string, error) {
	normalized, err := Normalize(params)
	if err != nil {
		return "", err
	}

	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to serialize parameters: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// Normalize round-trips a value through JSON so numbers become float64 and
// typed maps or slices become their generic form.
func Normalize(value map[string]any) (any, error) {
	if len(value) == 0 {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("parameters are not serializable: %w", err)
	}

	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize parameters: %w", err)
	}

	return normalized, nil
}

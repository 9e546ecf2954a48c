package session

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidID is returned for ids that cannot be mapped to object keys.
var ErrInvalidID = errors.New("invalid id")

// ID identifies a session.
type ID struct {
	InstrumentID string `json:"instrument_id"`
	SessionID    string `json:"session_id"`
}

func (id ID) String() string {
	return id.InstrumentID + "/" + id.SessionID
}

// Normalize returns id in Unicode NFC form. Devices may send visually
// identical ids with different encodings; normalising keeps them on one
// set of keys.
func (id ID) Normalize() (ID, error) {
	iid, err := normalizeComponent("instrument_id", id.InstrumentID)
	if err != nil {
		return ID{}, err
	}
	sid, err := normalizeComponent("session_id", id.SessionID)
	if err != nil {
		return ID{}, err
	}
	return ID{InstrumentID: iid, SessionID: sid}, nil
}

// NormalizeInstrument applies the same rules as Normalize to a bare
// instrument id.
func NormalizeInstrument(instrumentID string) (string, error) {
	return normalizeComponent("instrument_id", instrumentID)
}

func normalizeComponent(field, s string) (string, error) {
	s = norm.NFC.String(strings.TrimSpace(s))
	switch {
	case s == "":
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidID, field)
	case s == "." || s == "..":
		return "", fmt.Errorf("%w: %s %q", ErrInvalidID, field, s)
	case strings.ContainsAny(s, "/\\"):
		return "", fmt.Errorf("%w: %s %q contains a path separator", ErrInvalidID, field, s)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: %s contains a control character", ErrInvalidID, field)
		}
	}
	return s, nil
}

// Layout builds object keys under a deployment prefix such as "prod" or
// "test". Ids passed to Layout methods must already be normalised.
type Layout struct {
	Prefix string
}

func (l Layout) join(parts ...string) string {
	if l.Prefix != "" {
		parts = append([]string{l.Prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// SessionPrefix is the directory holding everything for one session,
// with a trailing slash.
func (l Layout) SessionPrefix(id ID) string {
	return l.join("instr_"+id.InstrumentID, "session_"+id.SessionID) + "/"
}

// ControlKey is the key of the session's control record.
func (l Layout) ControlKey(id ID) string {
	return l.SessionPrefix(id) + "control.json"
}

// CanonicalPrefix is the directory of canonical snapshots.
func (l Layout) CanonicalPrefix(id ID) string {
	return l.SessionPrefix(id) + "canonical/"
}

// CanonicalKey names a snapshot holding fragments 0..watermark. The suffix
// makes concurrent writers of the same watermark land on different keys.
func (l Layout) CanonicalKey(id ID, watermark int, suffix string) string {
	return fmt.Sprintf("%s%d-%s.json", l.CanonicalPrefix(id), watermark, suffix)
}

// FragmentPrefix is the directory of not-yet-reclaimed fragments.
func (l Layout) FragmentPrefix(id ID) string {
	return l.SessionPrefix(id) + "fragments/"
}

// FragmentKey is the key of fragment seq. Zero padding makes the store's
// lexical listing order match numeric order.
func (l Layout) FragmentKey(id ID, seq int) string {
	return fmt.Sprintf("%s%010d.json", l.FragmentPrefix(id), seq)
}

// LogPrefix is the directory of daily audit logs.
func (l Layout) LogPrefix() string {
	return l.join("logs") + "/"
}

// LogKey is the audit log object for the UTC calendar date of t.
func (l Layout) LogKey(t time.Time) string {
	return l.LogPrefix() + t.UTC().Format(time.DateOnly) + ".jsonl"
}

// ParseFragmentKey extracts the sequence number from a fragment key. It
// reports false for keys that are not fragment objects.
func ParseFragmentKey(key string) (int, bool) {
	name := path.Base(key)
	digits, ok := strings.CutSuffix(name, ".json")
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	seq, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return seq, true
}

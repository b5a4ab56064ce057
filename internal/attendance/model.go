package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Authority identifies the instructor that opened a session.
type Authority struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SectionKey addresses one (branch, section, year) roster bucket.
type SectionKey struct {
	Branch  string `json:"branch"`
	Section string `json:"section"`
	Year    int    `json:"year"`
}

// Normalize trims the labels in place of a raw request value.
func (k SectionKey) Normalize() SectionKey {
	return SectionKey{
		Branch:  strings.TrimSpace(k.Branch),
		Section: strings.TrimSpace(k.Section),
		Year:    k.Year,
	}
}

// Validate rejects keys with a missing label or non-positive year.
func (k SectionKey) Validate() error {
	if k.Branch == "" || k.Section == "" || k.Year <= 0 {
		return fmt.Errorf("%w: each section needs branch, section and year", ErrValidation)
	}
	return nil
}

func (k SectionKey) String() string {
	return fmt.Sprintf("%s-%s-%d", k.Branch, k.Section, k.Year)
}

// RosterEntry is one student's presence record inside a section group.
type RosterEntry struct {
	RollNo       string `json:"rollNo"`
	Name         string `json:"name"`
	Present      bool   `json:"present"`
	FailedTokens int    `json:"failedTokens,omitempty"`
}

// SectionGroup is the roster snapshot for one section, taken when the session was created.
type SectionGroup struct {
	Branch   string        `json:"branch"`
	Section  string        `json:"section"`
	Year     int           `json:"year"`
	Students []RosterEntry `json:"students"`
}

// Key returns the group's address.
func (g SectionGroup) Key() SectionKey {
	return SectionKey{Branch: g.Branch, Section: g.Section, Year: g.Year}
}

type entryRef struct {
	group int
	pos   int
}

// Session is an active attendance-taking instance.
type Session struct {
	ID        string         `json:"id"`
	Token     string         `json:"token"`
	Subject   string         `json:"subject"`
	Authority Authority      `json:"authority"`
	Groups    []SectionGroup `json:"groups"`
	CreatedAt time.Time      `json:"createdAt"`

	index map[string]entryRef
}

// reindex rebuilds the roll index. A roll listed in several groups resolves
// to the first group in insertion order.
func (s *Session) reindex() {
	s.index = make(map[string]entryRef)
	for gi, g := range s.Groups {
		for si, st := range g.Students {
			if _, seen := s.index[st.RollNo]; seen {
				continue
			}
			s.index[st.RollNo] = entryRef{group: gi, pos: si}
		}
	}
}

func (s *Session) lookup(rollNo string) (entryRef, bool) {
	if s.index == nil {
		s.reindex()
	}
	ref, ok := s.index[rollNo]
	return ref, ok
}

// HasGroup reports whether the session carries a roster bucket for key.
func (s *Session) HasGroup(key SectionKey) bool {
	for _, g := range s.Groups {
		if g.Key() == key {
			return true
		}
	}
	return false
}

// TotalStudents counts roster entries across every group.
func (s *Session) TotalStudents() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Students)
	}
	return n
}

// Clone returns a deep copy safe to hand outside a store lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Groups = cloneGroups(s.Groups)
	out.index = nil
	return &out
}

func cloneGroups(in []SectionGroup) []SectionGroup {
	if in == nil {
		return nil
	}
	out := make([]SectionGroup, len(in))
	for i, g := range in {
		out[i] = g
		out[i].Students = append([]RosterEntry(nil), g.Students...)
	}
	return out
}

// MarkResult is the confirmation snapshot returned by MarkPresent.
type MarkResult struct {
	Token     string      `json:"token"`
	Student   RosterEntry `json:"student"`
	Branch    string      `json:"branch"`
	Section   string      `json:"section"`
	Year      int         `json:"year"`
	Subject   string      `json:"subject"`
	Authority Authority   `json:"authority"`
}

// markPresent flips the roll's flag and reports whether state changed.
func (s *Session) markPresent(rollNo string) (MarkResult, bool, error) {
	ref, ok := s.lookup(rollNo)
	if !ok {
		return MarkResult{}, false, fmt.Errorf("%w: roll %q is not on session %q", ErrNotFound, rollNo, s.Token)
	}
	g := &s.Groups[ref.group]
	entry := &g.Students[ref.pos]
	changed := !entry.Present
	entry.Present = true
	return MarkResult{
		Token:     s.Token,
		Student:   *entry,
		Branch:    g.Branch,
		Section:   g.Section,
		Year:      g.Year,
		Subject:   s.Subject,
		Authority: s.Authority,
	}, changed, nil
}

// ArchivedSession is the immutable historical copy of a completed session.
type ArchivedSession struct {
	ID          string         `json:"id"`
	Token       string         `json:"token"`
	Subject     string         `json:"subject"`
	Authority   Authority      `json:"authority"`
	Groups      []SectionGroup `json:"groups"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt time.Time      `json:"completedAt"`
}

// ArchiveInput carries a caller-corrected snapshot. Non-empty fields take
// precedence over the stored session.
type ArchiveInput struct {
	Token     string         `json:"token"`
	Subject   string         `json:"subject,omitempty"`
	Authority *Authority     `json:"authority,omitempty"`
	Groups    []SectionGroup `json:"groups,omitempty"`
}

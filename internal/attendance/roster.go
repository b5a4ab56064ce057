package attendance

import (
	"math"
	"time"
)

// Counts aggregates presence for a set of roster entries.
type Counts struct {
	Total                int     `json:"total"`
	Present              int     `json:"present"`
	Absent               int     `json:"absent"`
	AttendancePercentage float64 `json:"attendancePercentage"`
}

func (c *Counts) add(o Counts) {
	c.Total += o.Total
	c.Present += o.Present
}

func (c *Counts) finish() {
	c.Absent = c.Total - c.Present
	c.AttendancePercentage = Percentage(c.Present, c.Total)
}

// Percentage returns round(100*present/total, 2), or 0 for an empty total.
func Percentage(present, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(present)*100*100/float64(total)) / 100
}

// SectionRoster is one group with its students and counts.
type SectionRoster struct {
	Section  string        `json:"section"`
	Year     int           `json:"year"`
	Counts   Counts        `json:"counts"`
	Students []RosterEntry `json:"students,omitempty"`
}

// BranchRoster groups the sections of one branch.
type BranchRoster struct {
	Branch   string          `json:"branch"`
	Counts   Counts          `json:"counts"`
	Sections []SectionRoster `json:"sections"`
}

// Roster is the grouped live view of a session.
type Roster struct {
	SessionID string         `json:"sessionId"`
	Token     string         `json:"token"`
	Subject   string         `json:"subject"`
	Authority Authority      `json:"authority"`
	CreatedAt time.Time      `json:"createdAt"`
	Overall   Counts         `json:"overall"`
	Branches  []BranchRoster `json:"branches"`
}

// Summary is a Roster without per-student detail.
type Summary Roster

// BuildRoster groups a session's sections by branch, keeping the order in
// which branches first appear, and computes counts at every level.
func BuildRoster(s *Session) Roster {
	r := Roster{
		SessionID: s.ID,
		Token:     s.Token,
		Subject:   s.Subject,
		Authority: s.Authority,
		CreatedAt: s.CreatedAt,
		Branches:  []BranchRoster{},
	}
	pos := make(map[string]int)
	for _, g := range s.Groups {
		sec := SectionRoster{
			Section:  g.Section,
			Year:     g.Year,
			Students: append([]RosterEntry{}, g.Students...),
		}
		sec.Counts.Total = len(g.Students)
		for _, st := range g.Students {
			if st.Present {
				sec.Counts.Present++
			}
		}
		sec.Counts.finish()

		i, ok := pos[g.Branch]
		if !ok {
			i = len(r.Branches)
			pos[g.Branch] = i
			r.Branches = append(r.Branches, BranchRoster{Branch: g.Branch})
		}
		b := &r.Branches[i]
		b.Sections = append(b.Sections, sec)
		b.Counts.add(sec.Counts)
		r.Overall.add(sec.Counts)
	}
	for i := range r.Branches {
		r.Branches[i].Counts.finish()
	}
	r.Overall.finish()
	return r
}

// Summarize drops student detail from a roster.
func Summarize(r Roster) Summary {
	out := Summary(r)
	out.Branches = make([]BranchRoster, len(r.Branches))
	for i, b := range r.Branches {
		nb := BranchRoster{Branch: b.Branch, Counts: b.Counts, Sections: make([]SectionRoster, len(b.Sections))}
		for j, sec := range b.Sections {
			nb.Sections[j] = SectionRoster{Section: sec.Section, Year: sec.Year, Counts: sec.Counts}
		}
		out.Branches[i] = nb
	}
	return out
}

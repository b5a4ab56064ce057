package attendance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentage(t *testing.T) {
	cases := []struct {
		present, total int
		want           float64
	}{
		{0, 0, 0},
		{1, 2, 50},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{7, 7, 100},
		{0, 5, 0},
		{1, 8, 12.5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Percentage(tc.present, tc.total), "%d/%d", tc.present, tc.total)
	}
}

func TestBuildRosterGroupsByBranch(t *testing.T) {
	s := &Session{
		ID:    "id",
		Token: "tok",
		Groups: []SectionGroup{
			{Branch: "CSE", Section: "A", Year: 1, Students: []RosterEntry{{RollNo: "1", Present: true}, {RollNo: "2"}}},
			{Branch: "ECE", Section: "A", Year: 1, Students: []RosterEntry{{RollNo: "3"}}},
			{Branch: "CSE", Section: "B", Year: 1, Students: []RosterEntry{{RollNo: "4", Present: true}}},
			{Branch: "ME", Section: "A", Year: 2},
		},
	}
	r := BuildRoster(s)

	assert.Equal(t, []string{"CSE", "ECE", "ME"}, []string{r.Branches[0].Branch, r.Branches[1].Branch, r.Branches[2].Branch})
	assert.Equal(t, Counts{Total: 3, Present: 2, Absent: 1, AttendancePercentage: 66.67}, r.Branches[0].Counts)
	assert.Len(t, r.Branches[0].Sections, 2)
	assert.Equal(t, Counts{}, r.Branches[2].Counts)
	assert.Equal(t, Counts{Total: 4, Present: 2, Absent: 2, AttendancePercentage: 50}, r.Overall)

	sum := Summarize(r)
	assert.Nil(t, sum.Branches[0].Sections[0].Students)
	assert.Len(t, r.Branches[0].Sections[0].Students, 2)
}

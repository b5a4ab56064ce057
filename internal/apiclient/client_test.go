package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxattend/internal/analytics"
	"proxattend/internal/attendance"
	"proxattend/internal/directory"
	"proxattend/internal/handler"
	"proxattend/internal/identity"
	"proxattend/internal/queue"
)

var cseA1 = attendance.SectionKey{Branch: "CSE", Section: "A", Year: 1}

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := directory.NewMemory()
	dir.AddAuthority("Teacher", "t@x.edu")
	dir.AddStudents(
		directory.Student{RollNo: "01", Name: "Alice", SectionKey: cseA1},
		directory.Student{RollNo: "02", Name: "Bob", SectionKey: cseA1},
	)
	svc, err := attendance.NewService(attendance.NewMemoryStore(), dir)
	require.NoError(t, err)

	r := gin.New()
	handler.New(handler.Deps{
		Sessions: svc,
		Devices:  directory.NewMemoryDevices(),
		Logs:     analytics.NewQueueSink(queue.NewInMemory(8)),
		Auth:     handler.AuthConfig{Issuer: "proxattend", SigningKey: "k", AccessTTL: time.Hour, RefreshTTL: time.Hour},
	}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func registered(t *testing.T, baseURL, role string) *Client {
	t.Helper()
	c := New(baseURL+"/", "")
	require.NoError(t, c.RegisterDevice(context.Background(), "dev-"+role, role))
	require.NotEmpty(t, c.Token)
	return c
}

func TestClientAgainstAPI(t *testing.T) {
	srv := newAPI(t)
	ctx := context.Background()
	teacher := registered(t, srv.URL, "authority")
	student := registered(t, srv.URL, "student")

	none, err := student.FindActiveSession(ctx, cseA1)
	require.NoError(t, err)
	assert.Nil(t, none)

	sess, err := teacher.CreateSession(ctx, attendance.CreateInput{
		AuthorityEmail: "t@x.edu", Subject: "DS", Token: "ab12", Sections: []attendance.SectionKey{cseA1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sess.TotalStudents())

	found, err := student.FindActiveSession(ctx, cseA1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ab12", found.Token)

	res, err := student.MarkPresent(ctx, "ab12", "01")
	require.NoError(t, err)
	assert.Equal(t, "DS", res.Subject)

	_, err = student.MarkPresent(ctx, "ab12", "99")
	assert.ErrorIs(t, err, attendance.ErrNotFound)

	_, err = student.GetRoster(ctx, "ab12")
	assert.ErrorIs(t, err, attendance.ErrPermission, "students cannot read the roster")

	roster, err := teacher.GetRoster(ctx, "ab12")
	require.NoError(t, err)
	assert.Equal(t, 1, roster.Overall.Present)

	sum, err := teacher.GetSummary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, sum.Overall.AttendancePercentage)

	require.NoError(t, teacher.Submit(ctx, analytics.LogEntry{
		Token: "ab12", Year: 1, Branch: "CSE", Section: "A", Subject: "DS",
		Date: time.Now().UTC(), Attendance: []analytics.Mark{{RollNo: "01", Present: true}},
	}))
	assert.ErrorIs(t, teacher.Submit(ctx, analytics.LogEntry{}), attendance.ErrValidation)

	require.Len(t, roster.Branches, 1)
	corrected := []attendance.SectionGroup{{Branch: "CSE", Section: "A", Year: 1, Students: []attendance.RosterEntry{
		{RollNo: "01", Name: "Alice", Present: true}, {RollNo: "02", Name: "Bob", Present: true},
	}}}
	archived, err := teacher.Archive(ctx, "ab12", &attendance.ArchiveInput{Token: "ab12", Groups: corrected})
	require.NoError(t, err)
	assert.True(t, archived.Groups[0].Students[1].Present)

	_, err = teacher.Archive(ctx, "ab12", nil)
	assert.ErrorIs(t, err, attendance.ErrConflict)

	assert.ErrorIs(t, teacher.DeleteSession(ctx, "ab12"), attendance.ErrNotFound)

	_, err = student.Verify(ctx, identity.Request{RollNo: "01", ImageURL: "https://img/01.jpg"})
	assert.ErrorIs(t, err, attendance.ErrTransient, "no verifier configured")
}

func TestKindForStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          attendance.ErrValidation,
		http.StatusNotFound:            attendance.ErrNotFound,
		http.StatusConflict:            attendance.ErrConflict,
		http.StatusUnauthorized:        attendance.ErrPermission,
		http.StatusForbidden:           attendance.ErrPermission,
		http.StatusTooManyRequests:     attendance.ErrTransient,
		http.StatusServiceUnavailable:  attendance.ErrTransient,
		http.StatusInternalServerError: attendance.ErrTransient,
	}
	for status, want := range cases {
		assert.Equal(t, want, kindForStatus(status), "status %d", status)
	}
	assert.Nil(t, kindForStatus(http.StatusTeapot))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, "t").DeleteSession(context.Background(), "ab12")
	assert.ErrorIs(t, err, attendance.ErrTransient)
}

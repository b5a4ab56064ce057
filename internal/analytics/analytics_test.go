package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxattend/internal/attendance"
	"proxattend/internal/queue"
)

var testDate = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func testEntry() LogEntry {
	return LogEntry{
		Token:      "ab12",
		Year:       1,
		Branch:     "CSE",
		Section:    "A",
		Subject:    "DS",
		Date:       testDate,
		Attendance: []Mark{{RollNo: "01", Present: true}, {RollNo: "02", Present: false}},
	}
}

type failingQueue struct{}

func (failingQueue) Publish(context.Context, queue.Message) error { return errors.New("redis down") }
func (failingQueue) Consume(context.Context) (<-chan queue.Message, error) {
	return nil, errors.New("redis down")
}

func TestQueueSinkRoundTrip(t *testing.T) {
	q := queue.NewInMemory(4)
	sink := NewQueueSink(q)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sink.Submit(ctx, testEntry()))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	got, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, testEntry(), got)
}

func TestQueueSinkErrors(t *testing.T) {
	ctx := context.Background()

	bad := testEntry()
	bad.Subject = ""
	err := NewQueueSink(queue.NewInMemory(1)).Submit(ctx, bad)
	assert.ErrorIs(t, err, attendance.ErrValidation)

	err = NewQueueSink(failingQueue{}).Submit(ctx, testEntry())
	assert.ErrorIs(t, err, attendance.ErrTransient)
}

func TestDecodeRejectsOtherTypes(t *testing.T) {
	_, err := Decode(queue.Message{Type: "checkin", Body: []byte(`{}`)})
	assert.Error(t, err)
	_, err = Decode(queue.Message{Type: queue.TypeAttendanceLog, Body: []byte(`{`)})
	assert.Error(t, err)
}

func TestLogEntryValidate(t *testing.T) {
	e := testEntry()
	assert.NoError(t, e.Validate())

	e.Attendance = []Mark{}
	assert.NoError(t, e.Validate(), "an empty section still logs")

	e.Attendance = nil
	assert.ErrorIs(t, e.Validate(), attendance.ErrValidation)

	e = testEntry()
	e.Date = time.Time{}
	assert.ErrorIs(t, e.Validate(), attendance.ErrValidation)
}

func TestRepositorySave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO attendance_logs (.+) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7,\$8,\$9\),\(\$10,(.+)\) ON CONFLICT \(token, branch, section, year, roll_no\) DO UPDATE`).
		WithArgs(
			sqlmock.AnyArg(), "ab12", 1, "CSE", "A", "DS", "01", true, testDate,
			sqlmock.AnyArg(), "ab12", 1, "CSE", "A", "DS", "02", false, testDate,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, NewRepository(db).Save(context.Background(), testEntry()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositorySaveEmptySection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := testEntry()
	e.Attendance = []Mark{}
	require.NoError(t, NewRepository(db).Save(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	day2 := testDate.AddDate(0, 0, 1)
	mock.ExpectQuery(`SELECT roll_no, recorded_at, present FROM attendance_logs WHERE (.+) AND recorded_at >= \$5 ORDER BY roll_no, recorded_at`).
		WithArgs("CSE", "A", "DS", 1, testDate).
		WillReturnRows(sqlmock.NewRows([]string{"roll_no", "recorded_at", "present"}).
			AddRow("01", testDate, true).
			AddRow("01", day2, false).
			AddRow("02", testDate, false))

	got, err := NewRepository(db).Query(context.Background(), Filter{Year: 1, Branch: "CSE", Section: "A", Subject: "DS", From: testDate})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "01", got[0].RollNo)
	assert.Equal(t, []DayMark{{Date: testDate, Present: true}, {Date: day2, Present: false}}, got[0].Attendance)
	assert.Len(t, got[1].Attendance, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

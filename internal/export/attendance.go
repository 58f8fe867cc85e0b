// Package export выгружает посещаемость занятия в xlsx.
package export

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/roster"
)

const (
	SummarySheet    = "Summary"
	AttendanceSheet = "Attendance"

	timeLayout = "02.01.2006 15:04"
)

type Source interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListStudents(ctx context.Context) ([]models.User, error)
	ListAttendance(ctx context.Context, sessionID string) ([]models.AttendeeRow, error)
}

type Report struct {
	Filename string
	File     *excelize.File
}

func (r *Report) Write(w io.Writer) error {
	if _, err := r.File.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func (r *Report) Close() error { return r.File.Close() }

// SessionReport: лист сводки и лист со всеми студентами, отмеченными и нет.
func SessionReport(ctx context.Context, src Source, sessionID string, loc *time.Location) (*Report, error) {
	if loc == nil {
		loc = time.UTC
	}
	s, err := src.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	students, err := src.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	rows, err := src.ListAttendance(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}

	byStudent := make(map[string]models.AttendeeRow, len(rows))
	for _, r := range rows {
		byStudent[r.StudentID] = r
	}

	present := 0
	table := make([][]string, 0, len(students)+len(rows))
	seen := make(map[string]bool, len(students))
	for _, st := range students {
		seen[st.ID] = true
		r, ok := byStudent[st.ID]
		if !ok {
			table = append(table, []string{st.FullName, "absent", "", "", "", ""})
			continue
		}
		present++
		table = append(table, attendeeLine(st.FullName, r, loc))
	}
	// отметки студентов, которых уже нет в справочнике
	for _, r := range rows {
		if !seen[r.StudentID] {
			present++
			table = append(table, attendeeLine(r.StudentName, r, loc))
		}
	}

	total := len(students)
	summary := [][]string{
		{"Class", s.ClassName},
		{"Room", s.Room},
		{"Status", string(s.Status)},
		{"Hardware required", yesNo(s.HardwareRequired)},
		{"Geofence mode", string(s.GeofenceMode)},
		{"Created", s.CreatedAt.In(loc).Format(timeLayout)},
		{"Started", formatTime(s.StartedAt, loc)},
		{"Ended", formatTime(s.EndedAt, loc)},
		{"Present", strconv.Itoa(present)},
		{"Total", strconv.Itoa(total)},
		{"Percentage", strconv.Itoa(roster.Percentage(present, total)) + "%"},
	}

	f, err := NewWorkbook([]SheetSpec{
		{Title: SummarySheet, Header: []string{"Field", "Value"}, Rows: summary},
		{
			Title:  AttendanceSheet,
			Header: []string{"Student", "Status", "Method", "Bluetooth", "Location", "Marked at"},
			Rows:   table,
		},
	})
	if err != nil {
		return nil, err
	}
	day := s.CreatedAt
	if s.StartedAt != nil {
		day = *s.StartedAt
	}
	return &Report{
		Filename: BuildSessionReportFilename(s.ClassName, s.Room, day.In(loc)),
		File:     f,
	}, nil
}

func attendeeLine(name string, r models.AttendeeRow, loc *time.Location) []string {
	return []string{
		name,
		string(r.Status),
		string(r.Method),
		yesNo(r.BluetoothVerified),
		yesNo(r.LocationVerified),
		r.MarkedAt.In(loc).Format(timeLayout),
	}
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

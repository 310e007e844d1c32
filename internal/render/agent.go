package render

import (
	"fmt"
	"io"
	"strconv"

	"murmurscreen/internal/store"
)

// SubmissionsTable lists inbox submissions of the agent.
func SubmissionsTable(w io.Writer, subs []store.Submission) error {
	if len(subs) == 0 {
		_, err := io.WriteString(w, "No submissions yet.\n")
		return err
	}
	t := newTable("File", "Patient", "Site", "Status", "Request", "Concern", "Updated")
	for _, s := range subs {
		status := s.Status
		if s.LastError != nil {
			status += ": " + *s.LastError
		}
		t.Row(s.Filename, s.PatientID, s.Site, status, orDash(s.RequestID), orDash(s.ConcernLevel),
			s.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// JobsTable lists runner jobs.
func JobsTable(w io.Writer, jobs []store.Job) error {
	if len(jobs) == 0 {
		_, err := io.WriteString(w, "No jobs yet.\n")
		return err
	}
	t := newTable("Job", "Subject", "Stage", "Status", "Created")
	for _, j := range jobs {
		t.Row(strconv.FormatInt(j.ID, 10), j.Subject, j.Stage, j.Status, j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

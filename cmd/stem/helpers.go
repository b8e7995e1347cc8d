package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"stemd/internal/ipc"
)

var stemTitle = cases.Title(language.English)

// stemLabels renders stem names for table output ("vocals" -> "Vocals").
func stemLabels(stems []string) string {
	labels := make([]string, 0, len(stems))
	for _, stem := range stems {
		labels = append(labels, stemTitle.String(stem))
	}
	return strings.Join(labels, ", ")
}

func formatProgress(job ipc.Job) string {
	if job.ProgressStage == "" {
		return fmt.Sprintf("%.0f%%", job.ProgressPercent)
	}
	return fmt.Sprintf("%s %.0f%%", job.ProgressStage, job.ProgressPercent)
}

func formatCreated(created string) string {
	parsed, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return created
	}
	return parsed.Local().Format("2006-01-02 15:04")
}

func buildQueueListRows(jobs []ipc.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			fmt.Sprintf("%d", job.ID),
			filepath.Base(job.SourcePath),
			stemLabels(job.Stems),
			job.Status,
			formatProgress(job),
			formatCreated(job.CreatedAt),
		})
	}
	return rows
}

package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const jobColumns = "id, uuid, source_path, output_dir, options_json, status, remote_ref, progress_stage, progress_percent, progress_message, result_json, error_message, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              int64
		jobUUID         string
		sourcePath      string
		outputDir       string
		optionsJSON     string
		statusStr       string
		remoteRef       sql.NullString
		progressStage   sql.NullString
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		resultJSON      sql.NullString
		errorMessage    sql.NullString
		createdRaw      string
		updatedRaw      string
	)

	if err := scanner.Scan(
		&id,
		&jobUUID,
		&sourcePath,
		&outputDir,
		&optionsJSON,
		&statusStr,
		&remoteRef,
		&progressStage,
		&progressPercent,
		&progressMessage,
		&resultJSON,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		UUID:            jobUUID,
		SourcePath:      sourcePath,
		OutputDir:       outputDir,
		Status:          Status(statusStr),
		RemoteRef:       remoteRef.String,
		ProgressStage:   progressStage.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
		ErrorMessage:    errorMessage.String,
	}

	if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("parse stem options: %w", err)
	}
	if trimmed := strings.TrimSpace(resultJSON.String); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &job.Result); err != nil {
			return nil, fmt.Errorf("parse result mapping: %w", err)
		}
	}

	var err error
	if job.CreatedAt, err = parseTimestamp(createdRaw); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTimestamp(updatedRaw); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return job, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func marshalResult(result map[string]string) (any, error) {
	if len(result) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result mapping: %w", err)
	}
	return string(encoded), nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

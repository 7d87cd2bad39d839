// Package types holds the shared value types of the ingestion core: run and
// sheet-run records, reject reason codes, and report payloads. Both the
// pipeline and its consumers (CLI, worker, gate) depend on this package
// rather than on each other.
package types

import "time"

// RejectReason classifies why a staging row was refused entry to a core
// table. Every business row is either merged or lands in a rejects table
// with exactly one of these codes.
type RejectReason string

const (
	RejectNullConflictKey   RejectReason = "NULL_CONFLICT_KEY"
	RejectNullRequiredField RejectReason = "NULL_REQUIRED_FIELD"
	RejectInvalidTimeRange  RejectReason = "INVALID_TIME_RANGE"
	RejectForeignKey        RejectReason = "FOREIGN_KEY_VIOLATION"
	RejectInvalidGravidade  RejectReason = "INVALID_GRAVIDADE"
	RejectNullRequired      RejectReason = "NULL_REQUIRED"
	RejectMappingError      RejectReason = "MAPPING_ERROR"
	RejectUpsertError       RejectReason = "UPSERT_ERROR"
)

// RunStatus tracks an ingestion run through its stage transitions.
type RunStatus string

const (
	RunRunning      RunStatus = "running"
	RunMergeRunning RunStatus = "merge_running"
	RunMergeDone    RunStatus = "merge_done"
	RunMergeFailed  RunStatus = "merge_failed"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
)

// SheetRunStatus is the per-sheet outcome within a run.
type SheetRunStatus string

const (
	SheetCompleted SheetRunStatus = "completed"
	SheetFailed    SheetRunStatus = "failed"
	SheetSkipped   SheetRunStatus = "skipped"
)

// IngestionRun mirrors one row of ingestion_runs.
type IngestionRun struct {
	RunID        int64      `db:"run_id" json:"run_id"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Status       RunStatus  `db:"status" json:"status"`
	SourceSHA256 string     `db:"source_sha256" json:"source_sha256"`
	TotalSheets  int        `db:"total_sheets" json:"total_sheets"`
	ProcessedRows int64     `db:"processed_rows" json:"processed_rows"`
	RejectedRows  int64     `db:"rejected_rows" json:"rejected_rows"`
	ErrorMessage  *string   `db:"error_message" json:"error_message,omitempty"`
}

// SheetExtraction is the per-sheet record of the extraction report.
type SheetExtraction struct {
	SheetName  string `json:"sheet_name"`
	FilePath   string `json:"file_path"`
	RowCount   int64  `json:"row_count"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
}

// ExtractionReport is written to data/processed/extraction_report.json.
type ExtractionReport struct {
	SourcePath   string                     `json:"source_path"`
	SourceSHA256 string                     `json:"source_sha256"`
	Sheets       map[string]SheetExtraction `json:"sheets"`
	TotalRows    int64                      `json:"total_rows_extracted"`
	ExtractedAt  time.Time                  `json:"extracted_at"`
}

// SheetLoad is the per-sheet record of the load report.
type SheetLoad struct {
	SheetName      string  `json:"sheet_name"`
	StagingTable   string  `json:"staging_table"`
	RowCount       int64   `json:"row_count"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Error          string  `json:"error,omitempty"`
}

// LoadReport is written to data/processed/load_report.json.
type LoadReport struct {
	LoadedSheets int                  `json:"loaded_sheets"`
	Results      map[string]SheetLoad `json:"results"`
	LoadedAt     time.Time            `json:"loaded_at"`
}

// SheetMerge is the per-sheet record of the merge report.
type SheetMerge struct {
	SheetName      string  `json:"sheet_name"`
	StagingCount   int64   `json:"staging_count"`
	Processed      int64   `json:"processed"`
	Rejected       int64   `json:"rejected"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Error          string  `json:"error,omitempty"`
}

// MergeReport is written to data/processed/merge_report.json.
type MergeReport struct {
	RunID          int64                 `json:"run_id"`
	MergedSheets   int                   `json:"merged_sheets"`
	TotalProcessed int64                 `json:"total_processed"`
	TotalRejected  int64                 `json:"total_rejected"`
	Results        map[string]SheetMerge `json:"results"`
}

// ValidationSummary is embedded in the final ingestion report.
type ValidationSummary struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Mismatches int    `json:"mismatches,omitempty"`
}

// IngestionReport is the run-level report written to
// data/processed/ingestion_report.json and reports/ingestion_<run_id>.json.
type IngestionReport struct {
	RunID          int64              `json:"run_id"`
	SourceSHA256   string             `json:"source_sha256"`
	TotalProcessed int64              `json:"total_processed"`
	TotalRejected  int64              `json:"total_rejected"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	Idempotent     bool               `json:"idempotent"`
	Extraction     *ExtractionReport  `json:"extraction,omitempty"`
	Load           *LoadReport        `json:"load,omitempty"`
	Merge          *MergeReport       `json:"merge,omitempty"`
	Validation     *ValidationSummary `json:"validation,omitempty"`
}

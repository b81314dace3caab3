package model

// Stage identifies a phase of the matching pipeline
type Stage string

const (
	StageExtract  Stage = "extract"
	StageSearch   Stage = "search"
	StageFetch    Stage = "fetch"
	StageEvaluate Stage = "evaluate"
	StageRank     Stage = "rank"
	StageDone     Stage = "done"
)

// ProgressEvent is a discrete pipeline status update. Events are a UI
// side-channel only and never influence control flow or results.
type ProgressEvent struct {
	Stage   Stage  `json:"stage"`
	Index   int    `json:"index,omitempty"` // 1-based position within the stage, 0 when not applicable
	Total   int    `json:"total,omitempty"`
	Message string `json:"message"`
}

// ProgressFunc receives progress events at stage boundaries. A nil
// ProgressFunc disables reporting.
type ProgressFunc func(ProgressEvent)

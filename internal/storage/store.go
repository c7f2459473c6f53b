package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kage/internal/model"
)

// Store is the persistence contract shared by every backend (Postgres, SQLite,
// in-memory). Components depend on the narrow sub-interfaces they need.
type Store interface {
	RuleStore
	DecisionStore
	FeedbackStore
	AdjustmentStore
	ReviewStore

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// RuleStore persists rule documents and experiments.
type RuleStore interface {
	// InsertRule stores a new document. Returns ErrDuplicate if the
	// (tool, version) pair already exists. Documents are never updated.
	InsertRule(ctx context.Context, doc model.RuleDocument) (model.RuleDocument, error)
	GetRule(ctx context.Context, tool, version string) (model.RuleDocument, error)
	// ListRules returns every version of tool ordered by creation, or every
	// document when tool is empty.
	ListRules(ctx context.Context, tool string) ([]model.RuleDocument, error)
	ListActiveRules(ctx context.Context) ([]model.RuleDocument, error)
	GetLatestActive(ctx context.Context, tool string) (model.RuleDocument, error)
	// ActivateRule marks version as the single active version of tool.
	ActivateRule(ctx context.Context, tool, version string) error

	UpsertExperiment(ctx context.Context, exp model.Experiment) (model.Experiment, error)
	DeleteExperiment(ctx context.Context, tool string) error
	ListExperiments(ctx context.Context) ([]model.Experiment, error)
}

// DecisionStore persists the decision log.
type DecisionStore interface {
	// UpsertDecision writes d once. A second write with the same ID is a no-op
	// and reports inserted=false.
	UpsertDecision(ctx context.Context, d model.Decision) (inserted bool, err error)
	GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error)
	// AnnotateDecisions sets annotations[key] = value on each decision that
	// does not already carry key. Existing keys are never overwritten.
	AnnotateDecisions(ctx context.Context, ids []uuid.UUID, key string, value any) (int, error)
	// ListToolVersions returns the distinct (tool, version) pairs with
	// decisions created at or after since.
	ListToolVersions(ctx context.Context, since time.Time) ([]model.ToolVersion, error)
	WindowStats(ctx context.Context, tv model.ToolVersion, since, until time.Time) (model.WindowStats, error)
	// WorstDecisions returns up to limit decisions in the window, mismatched
	// shadow comparisons first, then by ascending confidence.
	WorstDecisions(ctx context.Context, tv model.ToolVersion, since time.Time, limit int) ([]model.Decision, error)
}

// FeedbackStore persists outcome feedback.
type FeedbackStore interface {
	// InsertFeedback returns ErrNotFound if the referenced decision does not exist.
	InsertFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error)
	// FeedbackWindow returns feedback created at or after since for decisions
	// of tv, joined to the decision's raw confidence.
	FeedbackWindow(ctx context.Context, tv model.ToolVersion, since time.Time) ([]model.FeedbackSample, error)
}

// AdjustmentStore persists adjustment factor history.
type AdjustmentStore interface {
	InsertAdjustmentFactor(ctx context.Context, f model.AdjustmentFactor) error
	// LatestAdjustmentFactors returns the newest factor per (tool, version).
	LatestAdjustmentFactors(ctx context.Context) ([]model.AdjustmentFactor, error)
	AdjustmentHistory(ctx context.Context, tv model.ToolVersion, limit int) ([]model.AdjustmentFactor, error)
}

// ReviewStore persists the manual-review queue.
type ReviewStore interface {
	// EnqueueReview adds items, skipping decisions already queued. Returns the
	// number of new rows.
	EnqueueReview(ctx context.Context, items []model.ReviewItem) (int, error)
	ListReviewQueue(ctx context.Context, tool string, limit int) ([]model.ReviewItem, error)
}

// SuccessOutcomes are the outcome types counted as success when a feedback
// row carries no explicit outcome_positive.
var SuccessOutcomes = []model.OutcomeType{model.OutcomeConverted, model.OutcomeEngaged}

// Package importer loads entity records in bulk from JSON Lines input.
// Records are independent: a malformed or rejected record is counted and
// logged, and never affects records already committed.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"golang.org/x/time/rate"

	"github.com/scrypster/typedex/pkg/types"
)

// Sink is the subset of the persistence facade the importer writes through.
type Sink interface {
	CreateEntity(ctx context.Context, entity *types.Entity) (*types.Entity, error)
	CreateUser(ctx context.Context, user *types.User) (*types.User, error)
	AddRating(ctx context.Context, rating *types.Rating) (string, error)
	AddEmbedding(ctx context.Context, entityID string, vec []float32) error
}

// RatingInput is one typing vote carried by an import record.
type RatingInput struct {
	System     string  `json:"system"`
	TypeCode   string  `json:"type_code"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Record is one line of JSONL input: an entity with optional ratings and an
// optional embedding vector. ExternalID, when present, becomes the entity ID
// so re-imports of the same source are rejected instead of duplicated.
type Record struct {
	ExternalID  string                 `json:"external_id,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Source      string                 `json:"source,omitempty"`
	Notes       string                 `json:"notes,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Ratings     []RatingInput          `json:"ratings,omitempty"`
	Embedding   []float32              `json:"embedding,omitempty"`
}

// Result summarizes one import run.
type Result struct {
	Imported int
	Failed   int
	Ratings  int
}

// Importer streams records into a Sink. Ratings carried by records are
// attributed to a single designated import user, created on first use.
type Importer struct {
	sink    Sink
	limiter *rate.Limiter // nil means unthrottled
	userID  string
}

// Option configures an Importer.
type Option func(*Importer)

// WithRateLimit throttles record processing to n records per second. Zero or
// negative n leaves the importer unthrottled.
func WithRateLimit(n float64) Option {
	return func(im *Importer) {
		if n > 0 {
			im.limiter = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// WithUserID sets the user that imported ratings are attributed to.
func WithUserID(id string) Option {
	return func(im *Importer) {
		im.userID = id
	}
}

// New creates an importer writing to sink.
func New(sink Sink, opts ...Option) *Importer {
	im := &Importer{sink: sink, userID: "importer"}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Run reads JSONL records from r until EOF and imports each one. Blank
// lines are skipped. Run fails only on a read error or a cancelled context;
// per-record failures are reflected in the Result.
func (im *Importer) Run(ctx context.Context, r io.Reader) (*Result, error) {
	if _, err := im.sink.CreateUser(ctx, &types.User{
		ID:          im.userID,
		DisplayName: "Bulk Importer",
	}); err != nil {
		return nil, fmt.Errorf("importer: failed to ensure import user: %w", err)
	}

	result := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if im.limiter != nil {
			if err := im.limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		ratings, err := im.importRecord(ctx, []byte(line))
		if err != nil {
			log.Printf("importer: line %d rejected: %v", lineNo, err)
			result.Failed++
			continue
		}
		result.Imported++
		result.Ratings += ratings
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("importer: read failed at line %d: %w", lineNo, err)
	}

	log.Printf("importer: done, %d imported, %d failed, %d ratings", result.Imported, result.Failed, result.Ratings)
	return result, nil
}

// importRecord commits a single record: entity first, then its ratings and
// embedding. Rating and embedding failures after the entity committed are
// logged but do not fail the record; the entity itself stays.
func (im *Importer) importRecord(ctx context.Context, line []byte) (int, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, fmt.Errorf("malformed record: %w", err)
	}

	kind := types.EntityKind(rec.Kind)
	if rec.Kind == "" {
		kind = types.KindPerson
	}

	entity, err := im.sink.CreateEntity(ctx, &types.Entity{
		ID:          rec.ExternalID,
		Name:        rec.Name,
		Description: rec.Description,
		Kind:        kind,
		Category:    rec.Category,
		Source:      rec.Source,
		Notes:       rec.Notes,
		Metadata:    rec.Metadata,
	})
	if err != nil {
		return 0, err
	}

	ratings := 0
	for _, ri := range rec.Ratings {
		_, err := im.sink.AddRating(ctx, &types.Rating{
			EntityID:   entity.ID,
			UserID:     im.userID,
			System:     ri.System,
			TypeCode:   ri.TypeCode,
			Confidence: ri.Confidence,
			Rationale:  ri.Rationale,
		})
		if err != nil {
			log.Printf("importer: rating %s/%s for %q rejected: %v", ri.System, ri.TypeCode, rec.Name, err)
			continue
		}
		ratings++
	}

	if len(rec.Embedding) > 0 {
		if err := im.sink.AddEmbedding(ctx, entity.ID, rec.Embedding); err != nil {
			log.Printf("importer: embedding for %q rejected: %v", rec.Name, err)
		}
	}

	return ratings, nil
}

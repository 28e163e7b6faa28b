package canvas

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/canvas-engine/internal/queue"
	"github.com/example/canvas-engine/internal/storage"
	"github.com/example/canvas-engine/internal/types"
)

// AutoNameJobName is the queue job that titles a canvas in the background.
const AutoNameJobName = "autoNameCanvas"

const maxStepRunes = 1000

// AutoNamePayload is the body of an AutoNameJobName job.
type AutoNamePayload struct {
	UID      types.UserID   `json:"uid"`
	CanvasID types.CanvasID `json:"canvasId"`
}

// AutoName generates a title from the canvas content. AI responses targeting
// the canvas take priority over related documents and resources; responses
// with neither a question nor an answer count as no content. A canvas
// with no content yields an empty title without calling the model. With
// directUpdate a non-empty title is applied through Update.
func (s *Service) AutoName(ctx context.Context, uid types.UserID, canvasID types.CanvasID, directUpdate bool) (string, error) {
	if _, err := s.store.GetCanvas(ctx, uid, canvasID); err != nil {
		return "", lookupError(opAutoName, err)
	}

	input, err := s.gatherContent(ctx, canvasID)
	if err != nil {
		return "", newServiceError(opAutoName, reasonStorage, err)
	}
	if input == "" {
		return "", nil
	}
	if s.titles == nil {
		return "", newServiceError(opAutoName, reasonGenerate, errors.New("title generation is not configured"))
	}

	model, err := s.titles.DefaultModel(ctx, uid)
	if err != nil {
		return "", newServiceError(opAutoName, reasonGenerate, err)
	}
	title, err := s.titles.GenerateTitle(ctx, model, input)
	if err != nil {
		return "", newServiceError(opAutoName, reasonGenerate, err)
	}

	if directUpdate && title != "" {
		if _, err := s.Update(ctx, uid, canvasID, UpdateParams{Title: &title}); err != nil {
			return "", err
		}
	}
	return title, nil
}

func (s *Service) gatherContent(ctx context.Context, canvasID types.CanvasID) (string, error) {
	results, err := s.entities.ListActionResultsByTarget(ctx, canvasID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range results {
		question := strings.TrimSpace(r.Query)
		if question == "" {
			question = strings.TrimSpace(r.Title)
		}
		answers := make([]string, 0, len(r.Steps))
		for _, step := range r.Steps {
			if text := truncateRunes(strings.TrimSpace(step.Content), maxStepRunes); text != "" {
				answers = append(answers, text)
			}
		}
		if question == "" && len(answers) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Question: %s\nAnswer: %s\n\n", question, strings.Join(answers, "\n"))
	}
	if b.Len() > 0 {
		return strings.TrimSpace(b.String()), nil
	}

	relations, err := s.store.ListRelationsByCanvas(ctx, canvasID)
	if err != nil {
		return "", err
	}
	entities := make([]types.Entity, 0, len(relations))
	for _, r := range relations {
		entities = append(entities, r.Entity())
	}
	summaries, err := s.entities.ListSummaries(ctx, entities)
	if err != nil {
		return "", err
	}
	for _, e := range summaries {
		if e.Title == "" && e.ContentPreview == "" {
			continue
		}
		fmt.Fprintf(&b, "Title: %s\nPreview: %s\n\n", e.Title, e.ContentPreview)
	}
	return strings.TrimSpace(b.String()), nil
}

// EnqueueAutoName schedules background naming. Repeated requests for the
// same canvas collapse while one is pending.
func (s *Service) EnqueueAutoName(ctx context.Context, uid types.UserID, canvasID types.CanvasID) error {
	job, err := queue.NewJob(AutoNameJobName, string(uid)+":"+string(canvasID), AutoNamePayload{UID: uid, CanvasID: canvasID})
	if err != nil {
		return newServiceError(opAutoName, reasonEnqueue, err)
	}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		return newServiceError(opAutoName, reasonEnqueue, err)
	}
	return nil
}

// HandleAutoNameJob is the queue handler for AutoNameJobName. It does nothing
// when the user no longer exists.
func (s *Service) HandleAutoNameJob(ctx context.Context, job queue.Job) error {
	var payload AutoNamePayload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	if _, err := s.store.GetUser(ctx, payload.UID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug().Str("uid", string(payload.UID)).Msg("auto-name skipped for missing user")
			return nil
		}
		return err
	}
	_, err := s.AutoName(ctx, payload.UID, payload.CanvasID, true)
	return err
}

// RegisterJobs wires the canvas job handlers into w.
func (s *Service) RegisterJobs(w *queue.Worker) {
	w.Handle(AutoNameJobName, s.HandleAutoNameJob)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

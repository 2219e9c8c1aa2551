package simulate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/stagestream/internal/publisher"
)

// Stage names used by the demo pipeline.
const (
	StageRewrite         = "rewrite"
	StageStoryboard      = "storyboard"
	StageImageGeneration = "image_generation"
	StageCameraMovement  = "camera_movement"
	StageVideoGeneration = "video_generation"
)

// Stage statuses carried by stage_update events.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const defaultText = "Once upon a time a small robot learned to paint the sea."

// Request describes one simulated run.
type Request struct {
	// Text is streamed word by word by text stages.
	Text string `json:"text"`
	// Items is the batch size for batch stages (default 4).
	Items int `json:"items"`
	// FailAt makes the run fail at this token or item index. Zero never fails.
	FailAt int `json:"fail_at"`
}

// IsBatchStage reports whether stage produces items rather than text.
func IsBatchStage(stage string) bool {
	return stage == StageImageGeneration || stage == StageVideoGeneration
}

// TaskFor picks the executor for stage.
func TaskFor(stage string, req Request, delay time.Duration) publisher.Task {
	if IsBatchStage(stage) {
		return BatchTask(req, delay)
	}
	return TextTask(req, delay)
}

// TextTask streams req.Text as word tokens and finishes with the full text.
func TextTask(req Request, delay time.Duration) publisher.Task {
	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = defaultText
	}
	return func(ctx context.Context, pub *publisher.Publisher) error {
		pub.EmitStageUpdate(StatusProcessing, 0, "generation started")
		words := strings.Fields(text)
		var sb strings.Builder
		for i, word := range words {
			if req.FailAt > 0 && i+1 == req.FailAt {
				return fmt.Errorf("generation failed at token %d", i+1)
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			if i > 0 {
				word = " " + word
			}
			sb.WriteString(word)
			pub.EmitToken(word, sb.String())
		}
		pub.EmitDone(sb.String(), map[string]any{"tokens": len(words)})
		return nil
	}
}

// BatchTask reports progress for req.Items items.
func BatchTask(req Request, delay time.Duration) publisher.Task {
	total := req.Items
	if total <= 0 {
		total = 4
	}
	return func(ctx context.Context, pub *publisher.Publisher) error {
		pub.EmitStageUpdate(StatusProcessing, 0, fmt.Sprintf("generating %d items", total))
		for i := 1; i <= total; i++ {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			if req.FailAt > 0 && i == req.FailAt {
				return fmt.Errorf("item %d failed", i)
			}
			pub.EmitProgress(i, total, fmt.Sprintf("item %d", i))
		}
		pub.EmitDone("", map[string]any{"items": total})
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

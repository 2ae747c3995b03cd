// Package classifier turns a citizen's chat message into an assistant reply
// carrying the external classification result as opaque metadata.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
)

// Result is what a classifier reports for one message.
type Result struct {
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
	// Reply is an optional assistant response composed by the classifier.
	Reply string `json:"reply,omitempty"`
}

// Classifier classifies issue text.
type Classifier interface {
	Classify(ctx context.Context, text string, history []model.Message) (*Result, error)
	Name() string
}

const (
	DefaultMinConfidence = 0.5
	DefaultTimeout       = 10 * time.Second

	fallbackReply = "Thanks for reaching out. We could not categorize your report automatically, " +
		"so a city staff member will review it and reply here."
)

// Assistant produces assistant replies. A failed or unconfident
// classification still yields a reply, flagged as a fallback.
type Assistant struct {
	cls           Classifier
	minConfidence float64
	timeout       time.Duration
	log           *logger.Logger
}

// NewAssistant creates an assistant. A nil classifier always falls back.
func NewAssistant(cls Classifier, minConfidence float64, timeout time.Duration, log *logger.Logger) *Assistant {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Assistant{cls: cls, minConfidence: minConfidence, timeout: timeout, log: log.Named("assistant")}
}

// Reply classifies text and returns the unsaved assistant message.
func (a *Assistant) Reply(ctx context.Context, text string, history []model.Message) *model.Message {
	res, err := a.classify(ctx, text, history)
	if err != nil {
		a.log.Warn("classification unavailable, replying with fallback", zap.Error(err))
		return &model.Message{
			Sender:   model.SenderAssistant,
			Body:     fallbackReply,
			Metadata: &model.MessageMetadata{Fallback: true, Error: err.Error()},
		}
	}

	conf := res.Confidence
	body := res.Reply
	if body == "" {
		body = composeReply(res)
	}
	return &model.Message{
		Sender: model.SenderAssistant,
		Body:   body,
		Metadata: &model.MessageMetadata{
			Category:   res.Category,
			Priority:   res.Priority,
			Confidence: &conf,
		},
	}
}

func (a *Assistant) classify(ctx context.Context, text string, history []model.Message) (*Result, error) {
	if a.cls == nil {
		return nil, fmt.Errorf("%w: no classifier configured", model.ErrClassificationUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	res, err := a.cls.Classify(ctx, text, history)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		err = fmt.Errorf("%w: %s: %v", model.ErrClassificationUnavailable, a.cls.Name(), err)
	case res.Category == "" || res.Confidence < a.minConfidence:
		outcome = "low_confidence"
		err = fmt.Errorf("%w: confidence %.2f below %.2f", model.ErrClassificationUnavailable, res.Confidence, a.minConfidence)
	}
	metrics.RecordClassification(a.cls.Name(), outcome, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return res, nil
}

func composeReply(res *Result) string {
	category := strings.ReplaceAll(res.Category, "_", " ")
	if res.Priority == "" {
		return fmt.Sprintf("Thanks for your report. We've filed it under %s and routed it to the right department.", category)
	}
	return fmt.Sprintf("Thanks for your report. We've filed it under %s with %s priority and routed it to the right department.",
		category, res.Priority)
}

// Package bridge turns HTTP-originated actions into one store write followed
// by one dispatcher publish. Nothing is published when the write fails.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/civic-connect/realtime-core/internal/classifier"
	"github.com/civic-connect/realtime-core/internal/dispatch"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/store"
	"github.com/civic-connect/realtime-core/pkg/logger"
	"github.com/civic-connect/realtime-core/pkg/metrics"
	"github.com/civic-connect/realtime-core/pkg/tracing"
)

// historyWindow is how many earlier messages the classifier sees.
const historyWindow = 20

// Deps are the collaborators of a Bridge.
type Deps struct {
	Conversations store.ConversationStore
	Notifications store.NotificationStore
	Announcements store.AnnouncementStore
	Dispatcher    *dispatch.Dispatcher
	Assistant     *classifier.Assistant
	Logger        *logger.Logger
}

// Bridge pairs persisted mutations with their live broadcast.
type Bridge struct {
	convs     store.ConversationStore
	notes     store.NotificationStore
	anns      store.AnnouncementStore
	disp      *dispatch.Dispatcher
	assistant *classifier.Assistant
	tracer    trace.Tracer
	log       *logger.Logger
	now       func() time.Time
}

// New creates a bridge.
func New(d Deps) *Bridge {
	return &Bridge{
		convs:     d.Conversations,
		notes:     d.Notifications,
		anns:      d.Announcements,
		disp:      d.Dispatcher,
		assistant: d.Assistant,
		tracer:    tracing.Tracer("bridge"),
		log:       d.Logger.Named("bridge"),
		now:       time.Now,
	}
}

// begin starts a span for an action. The returned function ends it and
// records the outcome.
func (b *Bridge) begin(ctx context.Context, action string, ident model.Identity, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs,
		attribute.String("user.id", ident.UserID),
		attribute.String("user.role", string(ident.Role)),
	)
	ctx, span := b.tracer.Start(ctx, "bridge."+action, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordBridgeAction(action, err)
	}
}

func requireAuth(ident model.Identity) error {
	if !ident.Authenticated() {
		return model.ErrAuthenticationRequired
	}
	return nil
}

func requireAdmin(ident model.Identity) error {
	if err := requireAuth(ident); err != nil {
		return err
	}
	if !ident.Role.IsAdmin() {
		return fmt.Errorf("%w: admin role required", model.ErrAuthorizationDenied)
	}
	return nil
}

func requireStaff(ident model.Identity) error {
	if err := requireAuth(ident); err != nil {
		return err
	}
	if !ident.Role.IsStaff() {
		return fmt.Errorf("%w: staff role required", model.ErrAuthorizationDenied)
	}
	return nil
}

// storeErr keeps domain sentinels and classifies everything else as a
// persistence failure.
func storeErr(op string, err error) error {
	for _, known := range []error{
		model.ErrConversationNotFound,
		model.ErrConversationClosed,
		model.ErrNotFound,
		model.ErrStoreUnavailable,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}

func (b *Bridge) newNotification(userID string, typ model.NotificationType, title, body string, data map[string]any) *model.Notification {
	return &model.Notification{
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: b.now().UTC(),
	}
}

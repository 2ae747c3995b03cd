package bridge

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/civic-connect/realtime-core/internal/model"
)

// PublishAnnouncement persists an announcement and publishes it to its
// audience.
func (b *Bridge) PublishAnnouncement(ctx context.Context, ident model.Identity, req model.PublishAnnouncementRequest) (a *model.Announcement, err error) {
	ctx, finish := b.begin(ctx, "publish_announcement", ident, attribute.String("audience", string(req.Audience)))
	defer func() { finish(err) }()

	if err := requireAdmin(ident); err != nil {
		return nil, err
	}

	title, content := strings.TrimSpace(req.Title), strings.TrimSpace(req.Content)
	if title == "" || content == "" {
		return nil, fmt.Errorf("%w: title and content are required", model.ErrInvalidEvent)
	}
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	}
	if req.Audience == "" {
		req.Audience = model.AudienceAll
	}
	if !req.Priority.Valid() || !req.Audience.Valid() {
		return nil, fmt.Errorf("%w: unknown priority or audience", model.ErrInvalidEvent)
	}

	author := ident.Name
	if author == "" {
		author = ident.UserID
	}
	a = &model.Announcement{
		Title:     title,
		Content:   content,
		Priority:  req.Priority,
		Audience:  req.Audience,
		Author:    author,
		AuthorID:  ident.UserID,
		Tags:      req.Tags,
		CreatedAt: b.now().UTC(),
	}
	if err := b.anns.CreateAnnouncement(ctx, a); err != nil {
		return nil, storeErr("create announcement", err)
	}

	b.disp.PublishAnnouncement(a)
	return a, nil
}

// UpdateIssueStatus records an issue status change, already persisted by
// the issue service, in the owner's notifications and publishes issue_update
// to the owner and the issue's watchers.
func (b *Bridge) UpdateIssueStatus(ctx context.Context, ident model.Identity, issueID string, req model.IssueStatusRequest) (p *model.IssueUpdatePayload, err error) {
	ctx, finish := b.begin(ctx, "update_issue_status", ident,
		attribute.String("issue.id", issueID),
		attribute.String("issue.status", req.Status),
	)
	defer func() { finish(err) }()

	if err := requireStaff(ident); err != nil {
		return nil, err
	}
	status := strings.TrimSpace(req.Status)
	if issueID == "" || status == "" || req.OwnerID == "" {
		return nil, fmt.Errorf("%w: issue id, owner and status are required", model.ErrInvalidEvent)
	}

	now := b.now().UTC()
	timeline := req.Timeline
	if len(timeline) == 0 {
		timeline = []model.TimelineEntry{{Status: status, Note: req.Note, Actor: ident.UserID, Timestamp: now}}
	}
	p = &model.IssueUpdatePayload{IssueID: issueID, Status: status, UpdatedAt: now, Timeline: timeline}

	typ, title := model.NotificationIssueUpdate, "Your issue was updated"
	if status == "resolved" {
		typ, title = model.NotificationIssueResolved, "Your issue was resolved"
	}
	body := fmt.Sprintf("Status changed to %s.", strings.ReplaceAll(status, "_", " "))
	if req.Title != "" {
		body = fmt.Sprintf("%q: status changed to %s.", req.Title, strings.ReplaceAll(status, "_", " "))
	}
	n := b.newNotification(req.OwnerID, typ, title, body, map[string]any{"issueId": issueID, "status": status})
	if err := b.notes.CreateNotification(ctx, n); err != nil {
		return nil, storeErr("create notification", err)
	}

	b.disp.PublishIssueUpdate(req.OwnerID, *p)
	return p, nil
}

// AssignIssue notifies the assignee of an issue assignment, already
// persisted by the issue service, and tells the owner and watchers.
func (b *Bridge) AssignIssue(ctx context.Context, ident model.Identity, issueID string, req model.IssueAssignRequest) (n *model.Notification, err error) {
	ctx, finish := b.begin(ctx, "assign_issue", ident, attribute.String("issue.id", issueID))
	defer func() { finish(err) }()

	if err := requireAdmin(ident); err != nil {
		return nil, err
	}
	if issueID == "" || req.AssigneeID == "" {
		return nil, fmt.Errorf("%w: issue id and assignee are required", model.ErrInvalidEvent)
	}

	body := "A new issue was assigned to you."
	if req.Title != "" {
		body = fmt.Sprintf("%q was assigned to you.", req.Title)
	}
	n = b.newNotification(req.AssigneeID, model.NotificationIssueAssigned, "Issue assigned", body,
		map[string]any{"issueId": issueID, "assignedBy": ident.UserID})
	if err := b.notes.CreateNotification(ctx, n); err != nil {
		return nil, storeErr("create notification", err)
	}

	b.disp.NotifyUser(n)
	if req.OwnerID != "" {
		now := b.now().UTC()
		b.disp.PublishIssueUpdate(req.OwnerID, model.IssueUpdatePayload{
			IssueID:   issueID,
			Status:    "assigned",
			UpdatedAt: now,
			Timeline:  []model.TimelineEntry{{Status: "assigned", Actor: ident.UserID, Timestamp: now}},
		})
	}
	return n, nil
}

// RecordContribution publishes funding progress for a contribution already
// persisted by the funding service, and thanks the contributor.
func (b *Bridge) RecordContribution(ctx context.Context, ident model.Identity, campaignID string, req model.ContributionRequest) (p *model.FundingUpdatePayload, err error) {
	ctx, finish := b.begin(ctx, "record_contribution", ident, attribute.String("campaign.id", campaignID))
	defer func() { finish(err) }()

	if err := requireAuth(ident); err != nil {
		return nil, err
	}
	if campaignID == "" || req.Amount <= 0 || req.GoalAmount <= 0 || req.CurrentAmount < 0 {
		return nil, fmt.Errorf("%w: campaign, positive amount and goal are required", model.ErrInvalidEvent)
	}

	p = FundingProgress(campaignID, req)

	contributor := req.ContributorID
	if contributor == "" {
		contributor = ident.UserID
	}
	n := b.newNotification(contributor, model.NotificationFundingUpdate, "Thank you for your contribution",
		fmt.Sprintf("The campaign is now %.0f%% funded.", p.ProgressPercentage),
		map[string]any{"campaignId": campaignID, "amount": req.Amount})
	if err := b.notes.CreateNotification(ctx, n); err != nil {
		return nil, storeErr("create notification", err)
	}

	b.disp.PublishFunding(*p)
	return p, nil
}

// FundingProgress derives the funding_update payload from campaign totals.
func FundingProgress(campaignID string, req model.ContributionRequest) *model.FundingUpdatePayload {
	progress := math.Round(req.CurrentAmount/req.GoalAmount*10000) / 100
	if progress > 100 {
		progress = 100
	}
	completed := req.CurrentAmount >= req.GoalAmount

	status := req.FundingStatus
	if status == "" {
		status = "active"
		if completed {
			status = "completed"
		}
	}
	return &model.FundingUpdatePayload{
		CampaignID:         campaignID,
		CurrentAmount:      req.CurrentAmount,
		ProgressPercentage: progress,
		TotalContributors:  req.TotalContributors,
		IsCompleted:        completed,
		FundingStatus:      status,
	}
}

// Moderate records a moderation action, already applied to the account by
// the user service, as a notification. Suspensions and bans then
// disconnect the user's live connections, after the notification was
// queued to them.
func (b *Bridge) Moderate(ctx context.Context, ident model.Identity, userID string, req model.ModerationRequest) (n *model.Notification, err error) {
	ctx, finish := b.begin(ctx, "moderate", ident,
		attribute.String("target.id", userID),
		attribute.String("moderation.action", string(req.Action)),
	)
	defer func() { finish(err) }()

	if err := requireAdmin(ident); err != nil {
		return nil, err
	}
	typ, ok := req.Action.NotificationType()
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: unknown moderation action %q", model.ErrInvalidEvent, req.Action)
	}
	if userID == ident.UserID {
		return nil, fmt.Errorf("%w: cannot moderate yourself", model.ErrAuthorizationDenied)
	}

	data := map[string]any{"action": string(req.Action), "reason": req.Reason}
	if req.Until != nil {
		data["until"] = req.Until.UTC()
	}
	n = b.newNotification(userID, typ, moderationTitle(req.Action), req.Reason, data)
	if err := b.notes.CreateNotification(ctx, n); err != nil {
		return nil, storeErr("create notification", err)
	}

	if !req.Action.Disconnects() {
		b.disp.NotifyUser(n)
		return n, nil
	}

	closed := b.disp.DisconnectUser(n)
	b.log.Info("user disconnected by moderation",
		zap.String("user_id", userID),
		zap.String("action", string(req.Action)),
		zap.Int("connections", closed),
	)
	return n, nil
}

func moderationTitle(a model.ModerationAction) string {
	switch a {
	case model.ModerationWarn:
		return "You have received a warning"
	case model.ModerationSuspend:
		return "Your account has been suspended"
	case model.ModerationBan:
		return "Your account has been banned"
	default:
		return "Your account has been restored"
	}
}

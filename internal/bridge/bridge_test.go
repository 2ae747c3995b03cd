package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/classifier"
	"github.com/civic-connect/realtime-core/internal/dispatch"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/presence"
	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/internal/realtime/realtimetest"
	"github.com/civic-connect/realtime-core/internal/store"
	"github.com/civic-connect/realtime-core/internal/store/sqlstore"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

var (
	citizen = model.Identity{UserID: "citizen-1", Role: model.RoleCitizen, Name: "Dana"}
	admin   = model.Identity{UserID: "admin-1", Role: model.RoleAdmin, Name: "City Desk"}
	worker  = model.Identity{UserID: "worker-1", Role: model.RoleWorker}
)

type fixedClassifier struct {
	res *classifier.Result
	err error
}

func (f fixedClassifier) Classify(context.Context, string, []model.Message) (*classifier.Result, error) {
	return f.res, f.err
}

func (f fixedClassifier) Name() string { return "fixed" }

type failingAnnouncements struct{ store.AnnouncementStore }

func (failingAnnouncements) CreateAnnouncement(context.Context, *model.Announcement) error {
	return errors.New("disk full")
}

type env struct {
	reg   *realtime.Registry
	rooms *realtime.RoomTable
	disp  *dispatch.Dispatcher
	notes *sqlstore.NotificationStore
	b     *bridge.Bridge
}

type option func(*bridge.Deps)

func newEnv(t *testing.T, cls classifier.Classifier, opts ...option) *env {
	t.Helper()
	log := logger.NewNop()

	db, err := sqlstore.Open(sqlstore.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlstore.Close(db) })

	reg := realtime.NewRegistry(log)
	rooms := realtime.NewRoomTable(reg, log)
	convs := store.NewMemoryStore(log)
	disp := dispatch.New(reg, rooms, convs, presence.New(rooms, log), log)
	notes := sqlstore.NewNotificationStore(db)

	deps := bridge.Deps{
		Conversations: convs,
		Notifications: notes,
		Announcements: sqlstore.NewAnnouncementStore(db),
		Dispatcher:    disp,
		Assistant:     classifier.NewAssistant(cls, 0.5, time.Second, log),
		Logger:        log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &env{reg: reg, rooms: rooms, disp: disp, notes: notes, b: bridge.New(deps)}
}

func (e *env) connect(t *testing.T, ident model.Identity, rooms ...realtime.RoomID) (string, *realtimetest.Recorder) {
	t.Helper()
	rec := realtimetest.NewRecorder()
	conn := e.reg.Register(rec)
	require.NoError(t, e.reg.BindIdentity(conn.ID, ident))
	for _, id := range rooms {
		require.NoError(t, e.disp.Join(context.Background(), conn.ID, id))
	}
	return conn.ID, rec
}

func messageBodies(t *testing.T, rec *realtimetest.Recorder) []string {
	t.Helper()
	var out []string
	for _, ev := range rec.Events() {
		if ev.Name != model.EventNewMessage {
			continue
		}
		var p model.NewMessagePayload
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		out = append(out, p.Message.Body)
	}
	return out
}

func pothole() classifier.Classifier {
	return fixedClassifier{res: &classifier.Result{Category: "pothole", Priority: "high", Confidence: 0.9, Reply: "Logged your pothole."}}
}

func TestFirstMessageReconciliation(t *testing.T) {
	e := newEnv(t, pothole())
	ctx := context.Background()

	conn, rec := e.connect(t, citizen, realtime.UserRoom(citizen.UserID))

	resp, err := e.b.SendMessage(ctx, citizen, model.SendMessageRequest{Content: "Pothole near Main St", ClientMessageID: "tmp-1"})
	require.NoError(t, err)
	assert.True(t, resp.NewConversation)
	assert.Equal(t, "tmp-1", resp.ClientMessageID)
	require.NotNil(t, resp.Reply)
	assert.Equal(t, "pothole", resp.Reply.Metadata.Category)
	assert.Equal(t, uint64(2), resp.Reply.Sequence)

	// The reply reached the user room before any conversation room existed.
	assert.False(t, e.rooms.Exists(realtime.ConversationRoom(resp.ConversationID)))
	assert.Equal(t, []string{"Pothole near Main St", "Logged your pothole."}, messageBodies(t, rec))

	require.NoError(t, e.disp.JoinChat(ctx, conn, resp.ConversationID, nil))
	_, otherRec := e.connect(t, citizen, realtime.UserRoom(citizen.UserID))

	next, err := e.b.SendMessage(ctx, citizen, model.SendMessageRequest{ConversationID: resp.ConversationID, Content: "It's getting deeper"})
	require.NoError(t, err)
	assert.False(t, next.NewConversation)
	assert.Equal(t, resp.ConversationID, next.ConversationID)

	assert.Equal(t, []string{
		"Pothole near Main St", "Logged your pothole.",
		"It's getting deeper", "Logged your pothole.",
	}, messageBodies(t, rec))
	assert.Empty(t, messageBodies(t, otherRec), "later turns only go to the conversation room")
}

func TestConcurrentFirstMessages(t *testing.T) {
	e := newEnv(t, pothole())
	ctx := context.Background()

	const senders = 6
	resps := make([]*model.SendMessageResponse, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := e.b.SendMessage(ctx, citizen, model.SendMessageRequest{Content: "Broken streetlight"})
			if assert.NoError(t, err) {
				resps[i] = resp
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range resps {
		require.NotNil(t, r)
		assert.Equal(t, resps[0].ConversationID, r.ConversationID)
		if r.NewConversation {
			created++
		}
	}
	assert.Equal(t, 1, created)

	conv, err := e.b.GetConversation(ctx, citizen, resps[0].ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, senders*2)
	for i, m := range conv.Messages {
		assert.Equal(t, uint64(i+1), m.Sequence)
	}
}

func TestClassifierFailureStillReplies(t *testing.T) {
	e := newEnv(t, fixedClassifier{err: errors.New("ml service down")})
	_, rec := e.connect(t, citizen, realtime.UserRoom(citizen.UserID))

	resp, err := e.b.SendMessage(context.Background(), citizen, model.SendMessageRequest{Content: "Overflowing bins"})
	require.NoError(t, err)
	require.NotNil(t, resp.Reply)
	assert.True(t, resp.Reply.Metadata.Fallback)

	var p model.NewMessagePayload
	require.True(t, rec.Last(model.EventNewMessage, &p))
	assert.True(t, p.Message.Metadata.Fallback)
}

func TestSendMessageRejections(t *testing.T) {
	e := newEnv(t, pothole())
	ctx := context.Background()

	_, err := e.b.SendMessage(ctx, model.Identity{}, model.SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, model.ErrAuthenticationRequired)

	_, err = e.b.SendMessage(ctx, citizen, model.SendMessageRequest{Content: "   "})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	_, err = e.b.SendMessage(ctx, citizen, model.SendMessageRequest{ConversationID: "nope", Content: "hi"})
	assert.ErrorIs(t, err, model.ErrConversationNotFound)

	resp, err := e.b.SendMessage(ctx, citizen, model.SendMessageRequest{Content: "hi"})
	require.NoError(t, err)
	stranger := model.Identity{UserID: "citizen-2", Role: model.RoleCitizen}
	_, err = e.b.SendMessage(ctx, stranger, model.SendMessageRequest{ConversationID: resp.ConversationID, Content: "hi"})
	assert.ErrorIs(t, err, model.ErrAuthorizationDenied)

	_, err = e.b.CloseConversation(ctx, citizen, resp.ConversationID)
	assert.ErrorIs(t, err, model.ErrAuthorizationDenied)
	_, err = e.b.CloseConversation(ctx, admin, resp.ConversationID)
	require.NoError(t, err)
	_, err = e.b.SendMessage(ctx, citizen, model.SendMessageRequest{ConversationID: resp.ConversationID, Content: "hi"})
	assert.ErrorIs(t, err, model.ErrConversationClosed)
}

func TestAdminReplyStopsAssistant(t *testing.T) {
	e := newEnv(t, pothole())
	ctx := context.Background()

	conn, rec := e.connect(t, citizen, realtime.UserRoom(citizen.UserID))
	resp, err := e.b.SendMessage(ctx, citizen, model.SendMessageRequest{Content: "Flooded underpass"})
	require.NoError(t, err)
	require.NoError(t, e.disp.JoinChat(ctx, conn, resp.ConversationID, nil))

	_, err = e.b.AssignConversation(ctx, admin, resp.ConversationID, model.AssignConversationRequest{})
	require.NoError(t, err)
	msg, err := e.b.AdminSendMessage(ctx, admin, resp.ConversationID, model.AdminMessageRequest{Content: "Crew dispatched."})
	require.NoError(t, err)
	assert.Equal(t, model.SenderAdmin, msg.Sender)
	assert.Equal(t, 1, rec.Count(string(model.NotificationMessage)))

	next, err := e.b.SendMessage(ctx, citizen, model.SendMessageRequest{ConversationID: resp.ConversationID, Content: "Thanks!"})
	require.NoError(t, err)
	assert.Nil(t, next.Reply)
	assert.Equal(t, 1, rec.Count(model.EventConversationUpdate))

	list, err := e.b.ListMessages(ctx, admin, resp.ConversationID, 2, 0)
	require.NoError(t, err)
	require.Len(t, list.Messages, 2)
	assert.Equal(t, "Crew dispatched.", list.Messages[0].Body)
	assert.Equal(t, uint64(4), list.LastSequence)
}

func TestPublishAnnouncement(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, adminRec := e.connect(t, admin, realtime.AudienceRoom(model.AudienceAdmins), realtime.AudienceRoom(model.AudienceAll))
	_, citizenRec := e.connect(t, citizen, realtime.AudienceRoom(model.AudienceCitizens))

	_, err := e.b.PublishAnnouncement(ctx, citizen, model.PublishAnnouncementRequest{Title: "x", Content: "y"})
	assert.ErrorIs(t, err, model.ErrAuthorizationDenied)

	_, err = e.b.PublishAnnouncement(ctx, admin, model.PublishAnnouncementRequest{Title: "x", Content: "y", Audience: "everyone"})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)

	a, err := e.b.PublishAnnouncement(ctx, admin, model.PublishAnnouncementRequest{
		Title:    "Storm response",
		Content:  "All crews on standby.",
		Priority: model.PriorityUrgent,
		Audience: model.AudienceAdmins,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "City Desk", a.Author)

	assert.Equal(t, 1, adminRec.Count(model.EventNewAnnouncement))
	assert.Zero(t, citizenRec.Count(model.EventNewAnnouncement))

	visible, err := e.b.ListAnnouncements(ctx, citizen, 0)
	require.NoError(t, err)
	assert.Empty(t, visible)
	visible, err = e.b.ListAnnouncements(ctx, admin, 0)
	require.NoError(t, err)
	require.Len(t, visible, 1)

	assert.ErrorIs(t, e.b.MarkAnnouncementRead(ctx, citizen, a.ID), model.ErrNotFound)
	require.NoError(t, e.b.MarkAnnouncementRead(ctx, admin, a.ID))
	visible, err = e.b.ListAnnouncements(ctx, admin, 0)
	require.NoError(t, err)
	assert.True(t, visible[0].Read)
}

func TestStoreFailurePublishesNothing(t *testing.T) {
	e := newEnv(t, nil, func(d *bridge.Deps) {
		d.Announcements = failingAnnouncements{AnnouncementStore: d.Announcements}
	})
	_, rec := e.connect(t, admin, realtime.AudienceRoom(model.AudienceAll))

	_, err := e.b.PublishAnnouncement(context.Background(), admin, model.PublishAnnouncementRequest{Title: "t", Content: "c"})
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Zero(t, rec.Count(model.EventNewAnnouncement))
}

func TestModerationBanDisconnects(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	connA, recA := e.connect(t, citizen, realtime.UserRoom(citizen.UserID), realtime.AudienceRoom(model.AudienceAll))
	_, recB := e.connect(t, citizen, realtime.UserRoom(citizen.UserID))
	_, bystander := e.connect(t, worker, realtime.AudienceRoom(model.AudienceAll))

	n, err := e.b.Moderate(ctx, admin, citizen.UserID, model.ModerationRequest{Action: model.ModerationBan, Reason: "spam"})
	require.NoError(t, err)
	assert.Equal(t, model.NotificationAccountBanned, n.Type)

	for _, rec := range []*realtimetest.Recorder{recA, recB} {
		assert.Equal(t, []string{model.EventJoined, string(model.NotificationAccountBanned)}, rec.Names()[len(rec.Names())-2:])
		assert.True(t, rec.Closed())
	}
	_, ok := e.reg.Get(connA)
	assert.False(t, ok)
	assert.Empty(t, e.reg.ConnectionsOf(citizen.UserID))

	before := len(recA.Names())
	_, err = e.b.PublishAnnouncement(ctx, admin, model.PublishAnnouncementRequest{Title: "t", Content: "c"})
	require.NoError(t, err)
	assert.Len(t, recA.Names(), before, "nothing arrives after the ban")
	assert.Equal(t, 1, bystander.Count(model.EventNewAnnouncement))

	list, err := e.b.ListNotifications(ctx, citizen, 0, false)
	require.NoError(t, err)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, int64(1), list.Unread)
}

func TestModerationReachesConnectionsOutsideUserRoom(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, audienceOnly := e.connect(t, citizen, realtime.AudienceRoom(model.AudienceAll))
	_, bare := e.connect(t, citizen)

	_, err := e.b.Moderate(ctx, admin, citizen.UserID, model.ModerationRequest{Action: model.ModerationSuspend, Reason: "abuse"})
	require.NoError(t, err)

	suspended := string(model.NotificationAccountSuspended)
	assert.Equal(t, []string{model.EventJoined, suspended}, audienceOnly.Names())
	assert.Equal(t, []string{suspended}, bare.Names())
	assert.True(t, audienceOnly.Closed())
	assert.True(t, bare.Closed())
	assert.Empty(t, e.reg.ConnectionsOf(citizen.UserID))
}

func TestModerationWarnKeepsConnection(t *testing.T) {
	e := newEnv(t, nil)
	_, rec := e.connect(t, citizen, realtime.UserRoom(citizen.UserID))

	_, err := e.b.Moderate(context.Background(), admin, citizen.UserID, model.ModerationRequest{Action: model.ModerationWarn, Reason: "tone"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count(string(model.NotificationWarningIssued)))
	assert.False(t, rec.Closed())

	_, err = e.b.Moderate(context.Background(), admin, citizen.UserID, model.ModerationRequest{Action: "shame"})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestIssueStatusAndAssignment(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, ownerRec := e.connect(t, citizen, realtime.UserRoom(citizen.UserID))
	_, workerRec := e.connect(t, worker, realtime.UserRoom(worker.UserID), realtime.IssueRoom("issue-7"))

	_, err := e.b.UpdateIssueStatus(ctx, citizen, "issue-7", model.IssueStatusRequest{OwnerID: citizen.UserID, Status: "resolved"})
	assert.ErrorIs(t, err, model.ErrAuthorizationDenied)

	p, err := e.b.UpdateIssueStatus(ctx, worker, "issue-7", model.IssueStatusRequest{OwnerID: citizen.UserID, Status: "resolved", Note: "Patched"})
	require.NoError(t, err)
	require.Len(t, p.Timeline, 1)
	assert.Equal(t, "Patched", p.Timeline[0].Note)

	assert.Equal(t, 1, ownerRec.Count(model.EventIssueUpdate))
	assert.Equal(t, 1, workerRec.Count(model.EventIssueUpdate))

	notes, err := e.notes.ListNotifications(ctx, citizen.UserID, 10, false)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotificationIssueResolved, notes[0].Type)

	_, err = e.b.AssignIssue(ctx, admin, "issue-7", model.IssueAssignRequest{AssigneeID: worker.UserID, OwnerID: citizen.UserID, Title: "Pothole"})
	require.NoError(t, err)
	assert.Equal(t, 1, workerRec.Count(string(model.NotificationIssueAssigned)))
	assert.Equal(t, 2, ownerRec.Count(model.EventIssueUpdate))
}

func TestRecordContribution(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, rec := e.connect(t, citizen, realtime.CampaignRoom("park-bench"))

	p, err := e.b.RecordContribution(ctx, citizen, "park-bench", model.ContributionRequest{
		Amount: 25, CurrentAmount: 750, GoalAmount: 1000, TotalContributors: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, 75.0, p.ProgressPercentage)
	assert.False(t, p.IsCompleted)
	assert.Equal(t, "active", p.FundingStatus)

	var got model.FundingUpdatePayload
	require.True(t, rec.Last(model.EventFundingUpdate, &got))
	assert.Equal(t, 12, got.TotalContributors)

	_, err = e.b.RecordContribution(ctx, citizen, "park-bench", model.ContributionRequest{Amount: 0, GoalAmount: 10})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
}

func TestFundingProgress(t *testing.T) {
	tests := []struct {
		name      string
		req       model.ContributionRequest
		progress  float64
		completed bool
		status    string
	}{
		{"partial", model.ContributionRequest{CurrentAmount: 333, GoalAmount: 1000}, 33.3, false, "active"},
		{"exact", model.ContributionRequest{CurrentAmount: 1000, GoalAmount: 1000}, 100, true, "completed"},
		{"over", model.ContributionRequest{CurrentAmount: 1500, GoalAmount: 1000}, 100, true, "completed"},
		{"explicit status", model.ContributionRequest{CurrentAmount: 10, GoalAmount: 1000, FundingStatus: "paused"}, 1, false, "paused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := bridge.FundingProgress("c1", tt.req)
			assert.InDelta(t, tt.progress, p.ProgressPercentage, 1e-9)
			assert.Equal(t, tt.completed, p.IsCompleted)
			assert.Equal(t, tt.status, p.FundingStatus)
		})
	}
}

package realtime_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/internal/realtime"
	"github.com/civic-connect/realtime-core/internal/realtime/realtimetest"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

func newTable(t *testing.T) (*realtime.Registry, *realtime.RoomTable) {
	t.Helper()
	reg := realtime.NewRegistry(logger.NewNop())
	return reg, realtime.NewRoomTable(reg, logger.NewNop())
}

func connect(t *testing.T, reg *realtime.Registry, userID string, role model.Role) (*realtime.Connection, *realtimetest.Recorder) {
	t.Helper()
	rec := realtimetest.NewRecorder()
	conn := reg.Register(rec)
	require.NoError(t, reg.BindIdentity(conn.ID, model.Identity{UserID: userID, Role: role}))
	return conn, rec
}

type fakeRelay struct {
	mu          sync.Mutex
	calls       [][]realtime.RoomID
	disconnects []string
}

func (f *fakeRelay) ForwardDisconnect(userID string, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, userID)
}

func (f *fakeRelay) Forward(rooms []realtime.RoomID, _ []byte, _ realtime.Exclusion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rooms)
}

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		in      string
		want    realtime.RoomID
		wantErr bool
	}{
		{in: "conversation:42", want: realtime.ConversationRoom("42")},
		{in: "user:u1", want: realtime.UserRoom("u1")},
		{in: "audience:admins", want: realtime.AudienceRoom(model.AudienceAdmins)},
		{in: "campaign:c9", want: realtime.CampaignRoom("c9")},
		{in: "issue:i3", want: realtime.IssueRoom("i3")},
		{in: "audience:everyone", wantErr: true},
		{in: "conversation:", wantErr: true},
		{in: "lobby:1", wantErr: true},
		{in: "nocolon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := realtime.ParseRoomID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, realtime.ErrInvalidRoom)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestJoinRequiresIdentity(t *testing.T) {
	reg, rooms := newTable(t)
	conn := reg.Register(realtimetest.NewRecorder())

	_, err := rooms.Join(realtime.ConversationRoom("c1"), conn.ID)
	assert.ErrorIs(t, err, model.ErrAuthenticationRequired)
	assert.False(t, rooms.Exists(realtime.ConversationRoom("c1")))

	_, err = rooms.Join(realtime.ConversationRoom("c1"), "missing")
	assert.ErrorIs(t, err, realtime.ErrUnknownConnection)
}

func TestJoinIsIdempotent(t *testing.T) {
	reg, rooms := newTable(t)
	conn, _ := connect(t, reg, "u1", model.RoleCitizen)
	room := realtime.ConversationRoom("c1")

	joined, err := rooms.Join(room, conn.ID)
	require.NoError(t, err)
	assert.True(t, joined)

	joined, err = rooms.Join(room, conn.ID)
	require.NoError(t, err)
	assert.False(t, joined)

	assert.Len(t, rooms.MembersOf(room), 1)
	assert.True(t, conn.InRoom(room))
}

func TestEmptyRoomIsRemoved(t *testing.T) {
	reg, rooms := newTable(t)
	conn, _ := connect(t, reg, "u1", model.RoleCitizen)
	room := realtime.ConversationRoom("c1")

	_, err := rooms.Join(room, conn.ID)
	require.NoError(t, err)
	assert.True(t, rooms.Exists(room))

	assert.True(t, rooms.Leave(room, conn.ID))
	assert.False(t, rooms.Exists(room))
	assert.False(t, conn.InRoom(room))
	assert.False(t, rooms.Leave(room, conn.ID))
}

func TestAudienceRoomsPersist(t *testing.T) {
	reg, rooms := newTable(t)
	conn, _ := connect(t, reg, "a1", model.RoleAdmin)
	room := realtime.AudienceRoom(model.AudienceAdmins)

	assert.True(t, rooms.Exists(room))
	_, err := rooms.Join(room, conn.ID)
	require.NoError(t, err)
	rooms.Leave(room, conn.ID)
	assert.True(t, rooms.Exists(room))
	assert.Equal(t, len(model.Audiences), rooms.Count())
}

func TestPublishReachesMembersOnly(t *testing.T) {
	reg, rooms := newTable(t)
	a, recA := connect(t, reg, "u1", model.RoleCitizen)
	_, recB := connect(t, reg, "u2", model.RoleCitizen)
	room := realtime.ConversationRoom("c1")

	_, err := rooms.Join(room, a.ID)
	require.NoError(t, err)

	n := rooms.Publish(room, model.Event{Name: model.EventNewMessage, Data: map[string]string{"x": "y"}})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{model.EventNewMessage}, recA.Names())
	assert.Empty(t, recB.Names())

	assert.Equal(t, 0, rooms.Publish(realtime.ConversationRoom("nobody"), model.Event{Name: model.EventNewMessage}))
}

func TestPublishExclusions(t *testing.T) {
	reg, rooms := newTable(t)
	room := realtime.ConversationRoom("c1")
	a1, recA1 := connect(t, reg, "u1", model.RoleCitizen)
	a2, recA2 := connect(t, reg, "u1", model.RoleCitizen)
	b, recB := connect(t, reg, "admin", model.RoleAdmin)
	for _, c := range []*realtime.Connection{a1, a2, b} {
		_, err := rooms.Join(room, c.ID)
		require.NoError(t, err)
	}

	n := rooms.Publish(room, model.Event{Name: model.EventUserTyping}, realtime.ExcludeUser("u1"))
	assert.Equal(t, 1, n)
	assert.Zero(t, recA1.Count(model.EventUserTyping))
	assert.Zero(t, recA2.Count(model.EventUserTyping))
	assert.Equal(t, 1, recB.Count(model.EventUserTyping))

	n = rooms.Publish(room, model.Event{Name: model.EventNewMessage}, realtime.ExcludeConnection(a1.ID))
	assert.Equal(t, 2, n)
	assert.Zero(t, recA1.Count(model.EventNewMessage))
	assert.Equal(t, 1, recA2.Count(model.EventNewMessage))
}

func TestPublishManyDeliversOnce(t *testing.T) {
	reg, rooms := newTable(t)
	relay := &fakeRelay{}
	rooms.SetRelay(relay)

	conn, rec := connect(t, reg, "u1", model.RoleCitizen)
	userRoom := realtime.UserRoom("u1")
	convRoom := realtime.ConversationRoom("c1")
	_, err := rooms.Join(userRoom, conn.ID)
	require.NoError(t, err)
	_, err = rooms.Join(convRoom, conn.ID)
	require.NoError(t, err)

	n := rooms.PublishMany([]realtime.RoomID{userRoom, convRoom}, model.Event{Name: model.EventNewMessage})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rec.Count(model.EventNewMessage))
	require.Len(t, relay.calls, 1)
	assert.Equal(t, []realtime.RoomID{userRoom, convRoom}, relay.calls[0])
}

func TestDeliverRemoteDoesNotRelay(t *testing.T) {
	reg, rooms := newTable(t)
	relay := &fakeRelay{}
	rooms.SetRelay(relay)

	conn, rec := connect(t, reg, "u1", model.RoleCitizen)
	room := realtime.UserRoom("u1")
	_, err := rooms.Join(room, conn.ID)
	require.NoError(t, err)

	data, err := model.Event{Name: model.EventNewAnnouncement}.Encode()
	require.NoError(t, err)
	assert.Equal(t, 1, rooms.DeliverRemote([]realtime.RoomID{room}, data, realtime.Exclusion{}))
	assert.Equal(t, 1, rec.Count(model.EventNewAnnouncement))
	assert.Empty(t, relay.calls)
}

func TestUnregisterLeavesAllRooms(t *testing.T) {
	reg, rooms := newTable(t)
	conn, rec := connect(t, reg, "u1", model.RoleCitizen)
	for _, id := range []realtime.RoomID{
		realtime.UserRoom("u1"),
		realtime.ConversationRoom("c1"),
		realtime.AudienceRoom(model.AudienceAll),
	} {
		_, err := rooms.Join(id, conn.ID)
		require.NoError(t, err)
	}

	var hooked string
	reg.OnUnregister(func(c *realtime.Connection) { hooked = c.ID })

	assert.True(t, reg.Unregister(conn.ID))
	assert.False(t, reg.Unregister(conn.ID))
	assert.Equal(t, conn.ID, hooked)
	assert.True(t, rec.Closed())
	assert.True(t, conn.Closed())
	assert.Empty(t, conn.Rooms())
	assert.False(t, rooms.Exists(realtime.UserRoom("u1")))
	assert.False(t, rooms.Exists(realtime.ConversationRoom("c1")))
	assert.Empty(t, rooms.MembersOf(realtime.AudienceRoom(model.AudienceAll)))
	assert.Empty(t, reg.ConnectionsOf("u1"))

	_, err := rooms.Join(realtime.ConversationRoom("c2"), conn.ID)
	assert.ErrorIs(t, err, realtime.ErrUnknownConnection)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	reg, rooms := newTable(t)
	room := realtime.ConversationRoom("c1")

	slowRec := &realtimetest.Recorder{Capacity: 1}
	slow := reg.Register(slowRec)
	require.NoError(t, reg.BindIdentity(slow.ID, model.Identity{UserID: "u1", Role: model.RoleCitizen}))
	fast, fastRec := connect(t, reg, "u2", model.RoleCitizen)
	for _, c := range []*realtime.Connection{slow, fast} {
		_, err := rooms.Join(room, c.ID)
		require.NoError(t, err)
	}

	rooms.Publish(room, model.Event{Name: model.EventNewMessage})
	rooms.Publish(room, model.Event{Name: model.EventNewMessage})

	assert.Equal(t, 2, fastRec.Count(model.EventNewMessage))
	assert.Eventually(t, func() bool {
		_, ok := reg.Get(slow.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{fast.ID}, rooms.MembersOf(room))
}

func TestBindIdentity(t *testing.T) {
	reg, _ := newTable(t)
	conn := reg.Register(realtimetest.NewRecorder())

	err := reg.BindIdentity(conn.ID, model.Identity{UserID: "u1"})
	assert.ErrorIs(t, err, model.ErrAuthenticationRequired)

	require.NoError(t, reg.BindIdentity(conn.ID, model.Identity{UserID: "u1", Role: model.RoleCitizen}))
	require.NoError(t, reg.BindIdentity(conn.ID, model.Identity{UserID: "u1", Role: model.RoleWorker}))
	assert.Equal(t, model.RoleWorker, conn.Identity().Role)

	err = reg.BindIdentity(conn.ID, model.Identity{UserID: "u2", Role: model.RoleCitizen})
	assert.ErrorIs(t, err, realtime.ErrIdentityConflict)

	err = reg.BindIdentity("missing", model.Identity{UserID: "u1", Role: model.RoleCitizen})
	assert.ErrorIs(t, err, realtime.ErrUnknownConnection)
}

func TestDisconnectUser(t *testing.T) {
	reg, _ := newTable(t)
	_, rec1 := connect(t, reg, "u1", model.RoleCitizen)
	_, rec2 := connect(t, reg, "u1", model.RoleCitizen)
	_, other := connect(t, reg, "u2", model.RoleCitizen)

	assert.Equal(t, 2, reg.DisconnectUser("u1", nil))
	assert.True(t, rec1.Closed())
	assert.True(t, rec2.Closed())
	assert.False(t, other.Closed())
	assert.Equal(t, 1, reg.Count())
	assert.Zero(t, reg.DisconnectUser("u1", nil))
}

func TestDisconnectUserSendsFinalEvent(t *testing.T) {
	reg, rooms := newTable(t)
	relay := &fakeRelay{}
	rooms.SetRelay(relay)

	inUserRoom, rec1 := connect(t, reg, "u1", model.RoleCitizen)
	_, err := rooms.Join(realtime.UserRoom("u1"), inUserRoom.ID)
	require.NoError(t, err)
	audienceOnly, rec2 := connect(t, reg, "u1", model.RoleCitizen)
	_, err = rooms.Join(realtime.AudienceRoom(model.AudienceAll), audienceOnly.ID)
	require.NoError(t, err)
	_, other := connect(t, reg, "u2", model.RoleCitizen)

	banned := string(model.NotificationAccountBanned)
	assert.Equal(t, 2, rooms.DisconnectUser("u1", model.Event{Name: banned}))

	for _, rec := range []*realtimetest.Recorder{rec1, rec2} {
		assert.Equal(t, 1, rec.Count(banned))
		assert.Equal(t, banned, rec.Names()[len(rec.Names())-1])
		assert.True(t, rec.Closed())
	}
	assert.Zero(t, other.Count(banned))
	assert.False(t, other.Closed())
	assert.Equal(t, []string{"u1"}, relay.disconnects)

	// Nothing published afterwards reaches the closed connections.
	rooms.Publish(realtime.AudienceRoom(model.AudienceAll), model.Event{Name: model.EventNewAnnouncement})
	assert.Zero(t, rec2.Count(model.EventNewAnnouncement))
}

func TestConcurrentJoinLeavePublish(t *testing.T) {
	reg, rooms := newTable(t)
	room := realtime.ConversationRoom("busy")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		conn, _ := connect(t, reg, "u", model.RoleCitizen)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = rooms.Join(room, id)
				rooms.Publish(room, model.Event{Name: model.EventNewMessage})
				rooms.Leave(room, id)
			}
		}(conn.ID)
	}
	wg.Wait()

	assert.False(t, rooms.Exists(room))
}

package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hari-Zignuts/secure-chat-frontend/internal/models"
)

var (
	alice = models.User{ID: "u-alice", Name: "Alice", Email: "alice@example.com"}
	bob   = models.User{ID: "u-bob", Name: "Bob", Email: "bob@example.com"}
	carol = models.User{ID: "u-carol", Name: "Carol", Email: "carol@example.com"}
	dave  = models.User{ID: "u-dave", Name: "Dave", Email: "dave@example.com"}
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newState(t *testing.T) (*State, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: base}
	n := 0
	s := New(WithClock(clock), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("local-%d", n)
	}))
	return s, clock
}

func at(h, m int) time.Time {
	return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC)
}

func conv(id string, u models.User, ts time.Time, last string) models.Conversation {
	return models.Conversation{ID: id, User: u, LastMessageAt: ts, LastMessage: last}
}

func msg(id string, from models.User, c models.Conversation, ts time.Time, text string) models.Message {
	return models.Message{ID: id, Message: text, CreatedAt: ts, Sender: from, Conversation: c}
}

func userIDs(users []models.User) []string {
	var ids []string
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}

func assertDisjoint(t *testing.T, s *State) {
	t.Helper()
	counterparts := map[string]bool{}
	for _, c := range s.Conversations() {
		assert.False(t, counterparts[c.User.ID], "two conversations with %s", c.User.ID)
		counterparts[c.User.ID] = true
	}
	for _, u := range s.DiscoverableUsers() {
		assert.False(t, counterparts[u.ID], "%s is both discoverable and a counterpart", u.ID)
	}
}

func TestLoadComputesDiscoverableUsers(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice,
		[]models.Conversation{conv("c-bob", bob, at(9, 0), "hi")},
		[]models.User{alice, bob, carol, dave},
	)

	assert.Equal(t, []string{"u-carol", "u-dave"}, userIDs(s.DiscoverableUsers()))
	me, ok := s.Me()
	require.True(t, ok)
	assert.Equal(t, alice, me)
	assertDisjoint(t, s)
}

func TestLoadKeepsOneConversationPerCounterpart(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice,
		[]models.Conversation{
			conv("c-1", bob, at(9, 0), "old"),
			conv("c-2", bob, at(11, 0), "new"),
			conv("c-3", carol, at(10, 0), "x"),
		},
		[]models.User{alice, bob, carol},
	)

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "c-2", convs[0].ID)
	assert.Equal(t, "c-3", convs[1].ID)
}

func TestConversationsSortedByLastActivity(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice,
		[]models.Conversation{
			conv("t1", bob, at(10, 0), ""),
			conv("t2", carol, at(12, 0), ""),
			conv("t3", dave, at(9, 0), ""),
		},
		nil,
	)

	var ids []string
	for _, c := range s.Conversations() {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"t2", "t1", "t3"}, ids)
}

func TestSelectFetchesHistoryOnce(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(9, 0), "hi")}, []models.User{bob, carol})

	first := s.Select(bob)
	require.NotNil(t, first.Conversation)
	assert.Equal(t, "c-bob", first.Conversation.ID)
	assert.True(t, first.FetchHistory)

	for i := 0; i < 5; i++ {
		s.Select(carol)
		again := s.Select(bob)
		assert.False(t, again.FetchHistory)
	}
	assert.True(t, s.Fetched("c-bob"))
}

func TestForgetAllowsRefetch(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(9, 0), "hi")}, nil)

	require.True(t, s.Select(bob).FetchHistory)
	s.Forget("c-bob")
	assert.True(t, s.Select(bob).FetchHistory)
}

func TestSelectWithoutConversationIsPending(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, nil, []models.User{bob})

	sel := s.Select(bob)
	assert.Nil(t, sel.Conversation)
	assert.False(t, sel.FetchHistory)

	_, ok := s.ActiveConversation()
	assert.False(t, ok)
	selected, ok := s.SelectedUser()
	require.True(t, ok)
	assert.Equal(t, bob, selected)
	assert.Empty(t, s.Thread())
}

func TestComposeWithoutConversationCreatesOne(t *testing.T) {
	s, clock := newState(t)
	s.Load(alice, nil, []models.User{bob, carol})
	s.Select(bob)
	clock.Advance(time.Minute)

	out, err := s.Compose("hello bob")
	require.NoError(t, err)
	assert.True(t, out.CreatedConversation)
	assert.Equal(t, models.SendMessagePayload{Message: "hello bob", SenderID: alice.ID, ReceiverID: bob.ID}, out.Payload)

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, bob, convs[0].User)
	assert.Equal(t, "hello bob", convs[0].LastMessage)
	assert.Equal(t, base.Add(time.Minute), convs[0].LastMessageAt)

	thread := s.Thread()
	require.Len(t, thread, 1)
	assert.Equal(t, out.MessageID, thread[0].ID)
	assert.Equal(t, convs[0].ID, thread[0].Conversation.ID)
	assert.Equal(t, models.StatusPending, thread[0].Status)

	assert.Equal(t, []string{"u-carol"}, userIDs(s.DiscoverableUsers()))
	assert.True(t, s.Fetched(convs[0].ID))
	assert.False(t, s.Select(bob).FetchHistory)
	assertDisjoint(t, s)
}

func TestComposeUpdatesExistingConversation(t *testing.T) {
	s, clock := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(7, 0), "old")}, nil)
	s.Select(bob)
	clock.Advance(30 * time.Second)

	out, err := s.Compose("new text")
	require.NoError(t, err)
	assert.False(t, out.CreatedConversation)
	assert.Equal(t, "c-bob", out.ConversationID)

	active, ok := s.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, "new text", active.LastMessage)
	assert.Equal(t, clock.now, active.LastMessageAt)
	assert.Len(t, s.Conversations(), 1)
}

func TestComposeErrors(t *testing.T) {
	s, _ := newState(t)

	_, err := s.Compose("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = s.Compose("hi")
	assert.ErrorIs(t, err, ErrNotLoaded)

	s.Load(alice, nil, []models.User{bob})
	_, err = s.Compose("hi")
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestConfirmMarksMessageDelivered(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, nil, []models.User{bob})
	s.Select(bob)
	out, err := s.Compose("hi")
	require.NoError(t, err)

	require.NoError(t, s.Confirm(out.MessageID))
	assert.Equal(t, models.StatusConfirmed, s.Thread()[0].Status)
	assert.ErrorIs(t, s.Confirm(out.MessageID), ErrUnknownID)
}

func TestFailRevertsSynthesizedConversation(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, nil, []models.User{bob, carol})
	s.Select(bob)
	out, err := s.Compose("hi")
	require.NoError(t, err)

	removed, err := s.Fail(out.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "hi", removed.Message)

	assert.Empty(t, s.Conversations())
	assert.Empty(t, s.Messages())
	assert.ElementsMatch(t, []string{"u-bob", "u-carol"}, userIDs(s.DiscoverableUsers()))
	assert.False(t, s.Fetched(out.ConversationID))
	_, ok := s.ActiveConversation()
	assert.False(t, ok)
	assertDisjoint(t, s)
}

func TestFailingEverySendRevertsSynthesizedConversation(t *testing.T) {
	for _, tc := range []struct {
		name  string
		order []int
	}{
		{"in send order", []int{0, 1}},
		{"newest first", []int{1, 0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, clock := newState(t)
			s.Load(alice, nil, []models.User{alice, bob})
			s.Select(bob)
			first, err := s.Compose("one")
			require.NoError(t, err)
			clock.Advance(time.Second)
			second, err := s.Compose("two")
			require.NoError(t, err)
			assert.False(t, second.CreatedConversation)

			ids := []string{first.MessageID, second.MessageID}
			for _, i := range tc.order {
				_, err := s.Fail(ids[i])
				require.NoError(t, err)
			}

			assert.Empty(t, s.Messages())
			assert.Empty(t, s.Conversations())
			assert.Equal(t, []string{"u-bob"}, userIDs(s.DiscoverableUsers()))
			assertDisjoint(t, s)
		})
	}
}

func TestFailAfterConfirmKeepsConversation(t *testing.T) {
	s, clock := newState(t)
	s.Load(alice, nil, []models.User{bob})
	s.Select(bob)
	first, err := s.Compose("one")
	require.NoError(t, err)
	require.NoError(t, s.Confirm(first.MessageID))
	clock.Advance(time.Second)
	second, err := s.Compose("two")
	require.NoError(t, err)

	_, err = s.Fail(second.MessageID)
	require.NoError(t, err)

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "one", convs[0].LastMessage)
	assert.Equal(t, base, convs[0].LastMessageAt)
	assert.Empty(t, s.DiscoverableUsers())
}

func TestFailNeverRestoresRevertedText(t *testing.T) {
	s, clock := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(7, 0), "before")}, nil)
	s.Select(bob)
	first, err := s.Compose("one")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := s.Compose("two")
	require.NoError(t, err)

	_, err = s.Fail(first.MessageID)
	require.NoError(t, err)
	active, _ := s.ActiveConversation()
	assert.Equal(t, "two", active.LastMessage)

	_, err = s.Fail(second.MessageID)
	require.NoError(t, err)
	active, ok := s.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, "before", active.LastMessage)
	assert.Equal(t, at(7, 0), active.LastMessageAt)
}

func TestFailRestoresPreviousLastMessage(t *testing.T) {
	s, clock := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(7, 0), "before")}, nil)
	s.Select(bob)
	clock.Advance(time.Hour)
	out, err := s.Compose("lost")
	require.NoError(t, err)

	_, err = s.Fail(out.MessageID)
	require.NoError(t, err)

	active, ok := s.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, "before", active.LastMessage)
	assert.Equal(t, at(7, 0), active.LastMessageAt)
}

func TestFailDoesNotRewindNewerMessage(t *testing.T) {
	s, clock := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(7, 0), "before")}, nil)
	s.Select(bob)
	out, err := s.Compose("lost")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, ok := s.Receive(msg("m-1", bob, conv("c-bob", bob, time.Time{}, ""), clock.now, "reply"))
	require.True(t, ok)

	_, err = s.Fail(out.MessageID)
	require.NoError(t, err)
	active, _ := s.ActiveConversation()
	assert.Equal(t, "reply", active.LastMessage)
	assert.Equal(t, clock.now, active.LastMessageAt)
}

func TestReceiveFromUnknownSender(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, nil, []models.User{bob, dave})

	incoming := msg("m-1", dave, conv("c-srv", models.User{}, time.Time{}, ""), at(9, 0), "hey")
	n, ok := s.Receive(incoming)
	require.True(t, ok)
	assert.True(t, n.NewConversation)
	assert.False(t, n.Active)

	convs := s.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "c-srv", convs[0].ID)
	assert.Equal(t, dave, convs[0].User)
	assert.Equal(t, "hey", convs[0].LastMessage)
	assert.Equal(t, []string{"u-bob"}, userIDs(s.DiscoverableUsers()))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, convs[0], msgs[0].Conversation)
	assertDisjoint(t, s)
}

func TestReceiveNormalizesConversation(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, nil, []models.User{bob})
	s.Select(bob)
	out, err := s.Compose("first")
	require.NoError(t, err)

	// the backend knows the conversation under its own id
	n, ok := s.Receive(msg("m-1", bob, conv("c-srv", alice, at(9, 0), "reply"), at(9, 0), "reply"))
	require.True(t, ok)
	assert.True(t, n.Active)
	assert.Equal(t, out.ConversationID, n.Message.Conversation.ID)

	thread := s.Thread()
	require.Len(t, thread, 2)
	assert.Equal(t, "reply", thread[1].Message)
	assert.Len(t, s.Conversations(), 1)
}

func TestReceiveActivatesPendingSelection(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, nil, []models.User{bob})
	s.Select(bob)

	n, ok := s.Receive(msg("m-1", bob, conv("c-srv", alice, time.Time{}, ""), at(9, 0), "hi"))
	require.True(t, ok)
	assert.True(t, n.Active)
	active, ok := s.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, "c-srv", active.ID)
}

func TestReceiveDropsInvalidAndDuplicateEvents(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(7, 0), "x")}, nil)
	c := conv("c-bob", alice, time.Time{}, "")

	_, ok := s.Receive(models.Message{ID: "m-0", Message: "no sender"})
	assert.False(t, ok)

	_, ok = s.Receive(msg("m-1", alice, c, at(8, 0), "from me"))
	assert.False(t, ok)

	_, ok = s.Receive(msg("m-2", bob, c, at(8, 0), "once"))
	assert.True(t, ok)
	_, ok = s.Receive(msg("m-2", bob, c, at(8, 0), "once"))
	assert.False(t, ok)

	assert.Len(t, s.Messages(), 1)
}

func TestReceiveOlderMessageKeepsLastMessage(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(12, 0), "latest")}, nil)

	_, ok := s.Receive(msg("m-1", bob, conv("c-bob", alice, time.Time{}, ""), at(11, 0), "late delivery"))
	require.True(t, ok)

	c := s.Conversations()[0]
	assert.Equal(t, "latest", c.LastMessage)
	assert.Equal(t, at(12, 0), c.LastMessageAt)
}

func TestApplyHistoryMergesWithLiveMessages(t *testing.T) {
	s, _ := newState(t)
	c := conv("c-bob", bob, at(9, 0), "h2")
	s.Load(alice, []models.Conversation{c}, nil)
	require.True(t, s.Select(bob).FetchHistory)

	// a live event lands before the fetch resolves
	_, ok := s.Receive(msg("live-1", bob, c, at(10, 0), "live"))
	require.True(t, ok)

	s.ApplyHistory("c-bob", []models.Message{
		msg("h-1", alice, c, at(8, 0), "h1"),
		msg("h-2", bob, c, at(9, 0), "h2"),
		msg("live-1", bob, c, at(10, 0), "live"),
	})

	thread := s.Thread()
	var ids []string
	for _, m := range thread {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"h-1", "h-2", "live-1"}, ids)

	active, _ := s.ActiveConversation()
	assert.Equal(t, "live", active.LastMessage)
	assert.Equal(t, at(10, 0), active.LastMessageAt)
}

func TestApplyHistoryKeepsPendingSends(t *testing.T) {
	s, clock := newState(t)
	c := conv("c-bob", bob, at(7, 0), "h1")
	s.Load(alice, []models.Conversation{c}, nil)
	s.Select(bob)
	clock.now = at(9, 30)
	out, err := s.Compose("pending")
	require.NoError(t, err)

	s.ApplyHistory("c-bob", []models.Message{msg("h-1", bob, c, at(7, 0), "h1")})

	thread := s.Thread()
	require.Len(t, thread, 2)
	assert.Equal(t, out.MessageID, thread[1].ID)
	assert.Equal(t, models.StatusPending, thread[1].Status)
	assert.Equal(t, "pending", s.Conversations()[0].LastMessage)
}

func TestLastMessageAtIsMaxAcrossSources(t *testing.T) {
	stamps := [][]int{
		{3, 1, 4, 1, 5},
		{9, 2, 6},
		{5, 3, 5, 8},
		{1},
	}
	for i, live := range stamps {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			s, _ := newState(t)
			c := conv("c-bob", bob, at(0, 0), "")
			s.Load(alice, []models.Conversation{c}, nil)

			want := at(0, 0)
			var history []models.Message
			for j, m := range live {
				ts := at(m, j)
				if ts.After(want) {
					want = ts
				}
				if j%2 == 0 {
					_, ok := s.Receive(msg(fmt.Sprintf("live-%d", j), bob, c, ts, "x"))
					require.True(t, ok)
				} else {
					history = append(history, msg(fmt.Sprintf("hist-%d", j), bob, c, ts, "y"))
				}
			}
			s.ApplyHistory("c-bob", history)

			assert.Equal(t, want, s.Conversations()[0].LastMessageAt)
		})
	}
}

func TestThreadIsChronological(t *testing.T) {
	s, _ := newState(t)
	c := conv("c-bob", bob, at(7, 0), "")
	s.Load(alice, []models.Conversation{c}, nil)
	s.Select(bob)

	_, _ = s.Receive(msg("m-late", bob, c, at(11, 0), "late"))
	_, _ = s.Receive(msg("m-early", bob, c, at(8, 0), "early"))
	_, _ = s.Receive(msg("m-tie-a", bob, c, at(9, 0), "a"))
	_, _ = s.Receive(msg("m-tie-b", bob, c, at(9, 0), "b"))

	var ids []string
	for _, m := range s.Thread() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m-early", "m-tie-a", "m-tie-b", "m-late"}, ids)
}

func TestGettersReturnCopies(t *testing.T) {
	s, _ := newState(t)
	s.Load(alice, []models.Conversation{conv("c-bob", bob, at(7, 0), "x")}, []models.User{carol})

	convs := s.Conversations()
	convs[0].LastMessage = "mutated"
	users := s.DiscoverableUsers()
	users[0].Name = "mutated"

	assert.Equal(t, "x", s.Conversations()[0].LastMessage)
	assert.Equal(t, "Carol", s.DiscoverableUsers()[0].Name)
}

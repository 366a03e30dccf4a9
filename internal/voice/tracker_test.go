package voice

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"guildlog/internal/events"
	"guildlog/internal/storage"
)

type TrackerSuite struct {
	suite.Suite
	store   *storage.Store
	tracker *Tracker
	ctx     context.Context
	t0      time.Time
	ids     int
}

func (s *TrackerSuite) SetupTest() {
	store, err := storage.New(":memory:")
	s.Require().NoError(err)
	s.Require().NoError(store.Migrate())
	s.store = store
	s.ctx = context.Background()
	s.t0 = time.UnixMilli(1_700_000_000_000)
	s.ids = 0

	s.tracker = NewTracker(store, zap.NewNop(), Options{MaxSession: 72 * time.Hour})
	var mu sync.Mutex
	s.tracker.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		s.ids++
		return fmt.Sprintf("session-%d", s.ids)
	}
}

func (s *TrackerSuite) TearDownTest() {
	s.store.Close()
}

func (s *TrackerSuite) apply(u Update) []Transition {
	out, err := s.tracker.Apply(s.ctx, u)
	s.Require().NoError(err)
	return out
}

func (s *TrackerSuite) at(seconds int) time.Time {
	return s.t0.Add(time.Duration(seconds) * time.Second)
}

func (s *TrackerSuite) TestJoinMoveLeave() {
	join := s.apply(Update{GuildID: "G", UserID: "U", Before: &State{}, After: State{ChannelID: "A"}, At: s.at(0)})
	s.Require().Len(join, 1)
	s.Equal(events.VoiceJoin, join[0].Kind)

	move := s.apply(Update{GuildID: "G", UserID: "U", Before: &State{ChannelID: "A"}, After: State{ChannelID: "B"}, At: s.at(100)})
	s.Require().Len(move, 1)
	s.Equal(events.VoiceMove, move[0].Kind)
	s.Equal("A", move[0].FromChannelID)
	s.Equal(1, move[0].MoveCount)

	open, ok, err := s.store.GetOpenVoiceSession(s.ctx, "G", "U")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.True(open.StartedAt.Equal(s.at(0)), "move must not restart the session")

	leave := s.apply(Update{GuildID: "G", UserID: "U", Before: &State{ChannelID: "B"}, After: State{}, At: s.at(250)})
	s.Require().Len(leave, 1)
	s.Equal(events.VoiceLeave, leave[0].Kind)
	s.Equal(250*time.Second, leave[0].Duration)
	s.Equal(1, leave[0].MoveCount)
	s.Equal(ReasonLeave, leave[0].EndReason)
	s.Equal("B", leave[0].ChannelID)

	session, ok, err := s.store.GetVoiceSession(s.ctx, join[0].SessionID)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NotNil(session.EndedAt)
	s.Equal(250*time.Second, session.EndedAt.Sub(session.StartedAt))
	s.Equal(1, session.MoveCount)
	s.Equal("A", session.ChannelID)

	voiceEvents, err := s.store.ListVoiceEvents(s.ctx, "G", "U", 10)
	s.Require().NoError(err)
	s.Len(voiceEvents, 3)
}

func (s *TrackerSuite) TestDuplicateJoinIsNoop() {
	s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(0)})
	again := s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(5)})
	s.Empty(again)

	sessions, err := s.store.ListOpenVoiceSessions(s.ctx, "G")
	s.Require().NoError(err)
	s.Len(sessions, 1)
}

func (s *TrackerSuite) TestLeaveWithoutSessionIsNoop() {
	out := s.apply(Update{GuildID: "G", UserID: "U", Before: &State{ChannelID: "A"}, After: State{}, At: s.at(0)})
	s.Empty(out)
}

func (s *TrackerSuite) TestMoveWithoutSessionOpensOne() {
	out := s.apply(Update{GuildID: "G", UserID: "U", Before: &State{ChannelID: "A"}, After: State{ChannelID: "B"}, At: s.at(0)})
	s.Require().Len(out, 1)
	s.Equal(events.VoiceJoin, out[0].Kind)
	s.Equal("B", out[0].ChannelID)
}

func (s *TrackerSuite) TestToggles() {
	s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(0)})
	out := s.apply(Update{
		GuildID: "G",
		UserID:  "U",
		Before:  &State{ChannelID: "A"},
		After:   State{ChannelID: "A", Muted: true, Video: true},
		At:      s.at(10),
	})
	s.Require().Len(out, 2)
	s.Equal(events.VoiceMute, out[0].Kind)
	s.True(out[0].On)
	s.Equal(events.VoiceVideo, out[1].Kind)

	open, ok, err := s.store.GetOpenVoiceSession(s.ctx, "G", "U")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(0, open.MoveCount)
	s.True(open.StartedAt.Equal(s.at(0)))
}

func (s *TrackerSuite) TestNegativeDurationIsClampedAndFlagged() {
	s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(100)})
	out := s.apply(Update{GuildID: "G", UserID: "U", Before: &State{ChannelID: "A"}, After: State{}, At: s.at(40)})
	s.Require().Len(out, 1)
	s.Equal(time.Duration(0), out[0].Duration)
	s.Equal([]string{FlagClockAnomaly}, out[0].Flags)
}

func (s *TrackerSuite) TestZeroDurationIsFlagged() {
	s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(30)})
	out := s.apply(Update{GuildID: "G", UserID: "U", Before: &State{ChannelID: "A"}, After: State{}, At: s.at(30)})
	s.Require().Len(out, 1)
	s.Equal(time.Duration(0), out[0].Duration)
	s.Equal([]string{FlagClockAnomaly}, out[0].Flags)
}

func (s *TrackerSuite) TestLongSessionFlagged() {
	s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(0)})
	out := s.apply(Update{GuildID: "G", UserID: "U", After: State{}, At: s.t0.Add(80 * time.Hour), LeaveReason: ReasonKicked})
	s.Require().Len(out, 1)
	s.Equal([]string{FlagExceedsPlausible}, out[0].Flags)
	s.Equal(ReasonKicked, out[0].EndReason)
}

func (s *TrackerSuite) TestRecoverClosesOrphans() {
	s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(0)})
	s.apply(Update{GuildID: "G2", UserID: "U", After: State{ChannelID: "B"}, At: s.at(5)})

	restarted := NewTracker(s.store, zap.NewNop(), Options{})
	closed, err := restarted.Recover(s.ctx, s.at(60), s.at(600))
	s.Require().NoError(err)
	s.Equal(2, closed)

	sessions, err := s.store.ListOpenVoiceSessions(s.ctx, "")
	s.Require().NoError(err)
	s.Empty(sessions)

	session, ok, err := s.store.GetVoiceSession(s.ctx, "session-1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(ReasonBotRestart, session.EndReason)
	s.True(session.EndedAt.Equal(s.at(60)))

	// A fresh join is recorded cleanly afterwards.
	out := s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(700)})
	s.Len(out, 1)
}

func (s *TrackerSuite) TestRecoverWithoutHeartbeatUsesStartup() {
	s.apply(Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(0)})
	_, err := s.tracker.Recover(s.ctx, time.Time{}, s.at(30))
	s.Require().NoError(err)

	session, _, err := s.store.GetVoiceSession(s.ctx, "session-1")
	s.Require().NoError(err)
	s.True(session.EndedAt.Equal(s.at(30)))
}

func (s *TrackerSuite) TestReconcile() {
	s.apply(Update{GuildID: "G", UserID: "gone", After: State{ChannelID: "A"}, At: s.at(0)})
	s.apply(Update{GuildID: "G", UserID: "moved", After: State{ChannelID: "A"}, At: s.at(0)})
	s.apply(Update{GuildID: "G", UserID: "stayed", After: State{ChannelID: "A"}, At: s.at(0)})
	s.tracker.now = func() time.Time { return s.at(90) }

	out, err := s.tracker.Reconcile(s.ctx, "G", map[string]string{
		"moved":  "B",
		"stayed": "A",
		"new":    "C",
	})
	s.Require().NoError(err)

	kinds := make(map[string]events.Kind)
	for _, tr := range out {
		kinds[tr.UserID] = tr.Kind
	}
	s.Equal(map[string]events.Kind{
		"gone":  events.VoiceLeave,
		"moved": events.VoiceMove,
		"new":   events.VoiceJoin,
	}, kinds)

	open, err := s.store.ListOpenVoiceSessions(s.ctx, "G")
	s.Require().NoError(err)
	s.Len(open, 3)
}

func (s *TrackerSuite) TestSweepClosesStaleOrphans() {
	s.apply(Update{GuildID: "G", UserID: "orphan", After: State{ChannelID: "A"}, At: s.at(0)})
	s.apply(Update{GuildID: "G", UserID: "still-here", After: State{ChannelID: "A"}, At: s.at(0)})
	s.apply(Update{GuildID: "G", UserID: "recent", After: State{ChannelID: "A"}, At: s.t0.Add(5 * time.Hour)})
	s.tracker.now = func() time.Time { return s.t0.Add(7 * time.Hour) }

	out, err := s.tracker.Sweep(s.ctx, "G", map[string]string{"still-here": "A"})
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.Equal("orphan", out[0].UserID)
	s.Equal(events.VoiceLeave, out[0].Kind)
	s.Equal(ReasonDisconnected, out[0].EndReason)
	s.Equal(7*time.Hour, out[0].Duration)

	session, ok, err := s.store.GetVoiceSession(s.ctx, "session-1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(ReasonDisconnected, session.EndReason)

	open, err := s.store.ListOpenVoiceSessions(s.ctx, "G")
	s.Require().NoError(err)
	s.Len(open, 2)
}

func (s *TrackerSuite) TestConcurrentJoinsOpenOneSession() {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.tracker.Apply(s.ctx, Update{GuildID: "G", UserID: "U", After: State{ChannelID: "A"}, At: s.at(0)})
			s.NoError(err)
		}()
	}
	wg.Wait()

	sessions, err := s.store.ListOpenVoiceSessions(s.ctx, "G")
	s.Require().NoError(err)
	s.Len(sessions, 1)
	s.Equal(0, s.tracker.slots.size())
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

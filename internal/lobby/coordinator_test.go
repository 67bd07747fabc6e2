package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/park285/cheese-lobby/internal/config"
	"github.com/park285/cheese-lobby/internal/domain"
	"github.com/park285/cheese-lobby/internal/rating"
	"github.com/park285/cheese-lobby/internal/records"
	"github.com/park285/cheese-lobby/internal/rules"
	"github.com/park285/cheese-lobby/pkg/lobbydto"
)

var (
	alice = domain.Identity{ID: "u1", Name: "alice"}
	bob   = domain.Identity{ID: "u2", Name: "bob"}
	carol = domain.Identity{ID: "u3", Name: "carol"}
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *RedisStore
	rec   *records.MemoryStore
	tr    *fakeTransport
	clk   *clockwork.FakeClock
	co    *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithRecords(t, nil)
}

// newHarnessWithRecords lets wrap decorate the in-memory records the coordinator writes to.
func newHarnessWithRecords(t *testing.T, wrap func(*records.MemoryStore) records.Store) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: NewRedisStore(rdb, time.Hour),
		rec:   records.NewMemoryStore(),
		tr:    newFakeTransport(),
		clk:   clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
	}
	cfg := Config{
		DefaultTimeControl: domain.TimeControl{InitialMs: 60000, IncrementMs: 1000},
		AbandonmentGrace: map[domain.Category]time.Duration{
			domain.Bullet: 20 * time.Second,
			domain.Blitz:  30 * time.Second,
		},
		ChatMaxRunes:    20,
		ChatMaxMessages: 3,
	}
	var rec records.Store = h.rec
	if wrap != nil {
		rec = wrap(h.rec)
	}
	co, err := NewCoordinator(h.store, rec, h.tr, cfg,
		WithClock(h.clk),
		WithLogger(zaptest.NewLogger(t)),
		WithCoinFlip(func() bool { return true }),
	)
	require.NoError(t, err)
	t.Cleanup(co.Close)
	h.co = co
	return h
}

// start creates a lobby for alice, connects alice on ch-a and bob on ch-b, and
// returns both channels. alice plays white.
func (h *harness) start(opts Options) (*Lobby, *fakeChannel, *fakeChannel) {
	h.t.Helper()
	l, err := h.co.CreateLobby(h.ctx, alice, opts)
	require.NoError(h.t, err)
	cha, chb := h.tr.add("ch-a"), h.tr.add("ch-b")
	_, err = h.co.Connect(h.ctx, l.ID, alice, cha.ID())
	require.NoError(h.t, err)
	_, err = h.co.Connect(h.ctx, l.ID, bob, chb.ID())
	require.NoError(h.t, err)
	return l, cha, chb
}

func (c *Coordinator) hasRequest(gameID string) bool {
	c.requestsMu.Lock()
	defer c.requestsMu.Unlock()
	_, ok := c.requests[gameID]
	return ok
}

func (c *Coordinator) hasAbandonment(lobbyID, userID string) bool {
	c.abandonMu.Lock()
	defer c.abandonMu.Unlock()
	_, ok := c.abandon[abandonKey(lobbyID, userID)]
	return ok
}

func (h *harness) lobby(id string) *Lobby {
	h.t.Helper()
	l, err := h.store.Get(h.ctx, id)
	require.NoError(h.t, err)
	return l
}

func (h *harness) waitOutcome(id string) *domain.Outcome {
	h.t.Helper()
	var out *domain.Outcome
	require.Eventually(h.t, func() bool {
		l, err := h.store.Get(h.ctx, id)
		if err != nil || l.CurrentGame == nil || l.CurrentGame.Data.Outcome == nil || !l.CurrentGame.Finalized {
			return false
		}
		out = l.CurrentGame.Data.Outcome
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return out
}

func TestConnectStartsGameOnQuorum(t *testing.T) {
	h := newHarness(t)
	l, err := h.co.CreateLobby(h.ctx, alice, Options{TimeControls: []domain.TimeControl{{InitialMs: 300000, IncrementMs: 2000}}})
	require.NoError(t, err)
	cha, chb := h.tr.add("ch-a"), h.tr.add("ch-b")

	got, err := h.co.Connect(h.ctx, l.ID, alice, cha.ID())
	require.NoError(t, err)
	require.Len(t, got.Reserved, 1)
	require.Len(t, got.Connections, 1)
	require.Nil(t, got.CurrentGame)

	_, err = h.co.Connect(h.ctx, l.ID, bob, chb.ID())
	require.NoError(t, err)

	stored := h.lobby(l.ID)
	require.Len(t, stored.Reserved, 2)
	require.NotNil(t, stored.CurrentGame)
	g := stored.CurrentGame
	require.Nil(t, g.Data.Outcome)
	require.Equal(t, int64(300000), g.Clock.TimeRemainingMs.W)
	require.Equal(t, int64(300000), g.Clock.TimeRemainingMs.B)
	require.Nil(t, g.Clock.LastMoveTime)
	require.Equal(t, alice.ID, g.Players.W.ID)
	require.Equal(t, bob.ID, g.Players.B.ID)
	require.Equal(t, domain.Blitz, g.Category)
	require.Equal(t, 1, stored.GamesPlayed)
	require.Len(t, h.tr.broadcasts(lobbydto.EventGameNew), 1)

	call := cha.nextRequest(t, 0)
	require.Equal(t, g.ID, call.req.GameID)
	require.Equal(t, "w", call.req.Color)
	require.Equal(t, int64(300000), call.req.TimeoutMs)
}

func TestConnectRejectsThirdIdentity(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.start(Options{})
	h.tr.add("ch-c")

	_, err := h.co.Connect(h.ctx, l.ID, carol, "ch-c")
	require.ErrorIs(t, err, ErrFull)

	_, err = h.co.Connect(h.ctx, "missing", carol, "ch-c")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.co.Connect(h.ctx, l.ID, domain.Identity{}, "ch-c")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestReconnectIsIdempotentAndDetachesPreviousChannel(t *testing.T) {
	h := newHarness(t)
	l, err := h.co.CreateLobby(h.ctx, alice, Options{})
	require.NoError(t, err)
	first, second := h.tr.add("ch-a1"), h.tr.add("ch-a2")

	_, err = h.co.Connect(h.ctx, l.ID, alice, first.ID())
	require.NoError(t, err)
	_, err = h.co.Connect(h.ctx, l.ID, alice, first.ID())
	require.NoError(t, err)
	stored := h.lobby(l.ID)
	require.Len(t, stored.Reserved, 1)
	require.Len(t, stored.Connections, 1)
	require.Empty(t, first.emitted(lobbydto.EventDetached))

	_, err = h.co.Connect(h.ctx, l.ID, alice, second.ID())
	require.NoError(t, err)
	stored = h.lobby(l.ID)
	require.Len(t, stored.Connections, 1)
	require.Equal(t, second.ID(), stored.Connections[0].ChannelID)
	require.Len(t, first.emitted(lobbydto.EventDetached), 1)

	// the stale channel's disconnect is ignored
	require.NoError(t, h.co.Disconnect(h.ctx, l.ID, alice.ID, first.ID()))
	require.True(t, h.lobby(l.ID).Connections[0].Connected)
}

func TestMoveRequestCycleAlternatesTurns(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{})

	cha.nextRequest(t, 0).answer("e2e4")

	// an illegal answer is rejected and the same side is asked again
	chb.nextRequest(t, 1).answer("e7e4")
	require.Eventually(t, func() bool { return len(chb.emitted(lobbydto.EventMoveRejected)) == 1 }, 5*time.Second, 10*time.Millisecond)
	rejected := chb.emitted(lobbydto.EventMoveRejected)[0].(lobbydto.MoveRejected)
	require.Equal(t, lobbydto.CodeIllegalMove, rejected.Error.Code)

	chb.nextRequest(t, 1).answer("Nc6")
	cha.nextRequest(t, 2)

	g := h.lobby(l.ID).CurrentGame
	require.Equal(t, []string{"e2e4", "b8c6"}, g.Data.MovesUCI)
	require.Equal(t, []string{"e4", "Nc6"}, g.Data.MovesSAN)
	require.Equal(t, domain.White, g.Data.ActiveColor)
	require.NotNil(t, g.Clock.LastMoveTime)
	require.Len(t, h.tr.broadcasts(lobbydto.EventGameMove), 2)

	_, err := h.co.SubmitMove(h.ctx, l.ID, bob, "e7e5")
	require.ErrorIs(t, err, rules.ErrNotYourTurn)
	_, err = h.co.SubmitMove(h.ctx, l.ID, carol, "e7e5")
	require.ErrorIs(t, err, ErrNotAMember)
}

func TestSubmitMoveCheckpointsClock(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{TimeControls: []domain.TimeControl{{InitialMs: 60000, IncrementMs: 2000}}})

	cha.nextRequest(t, 0).answer("e2e4")
	chb.nextRequest(t, 1).answer("e7e5")
	cha.nextRequest(t, 2)

	_, err := h.store.Update(h.ctx, l.ID, func(l *Lobby) error {
		l.CurrentGame.Clock.TimeRemainingMs.W = 5000
		return nil
	})
	require.NoError(t, err)
	h.clk.Advance(3 * time.Second)

	_, err = h.co.SubmitMove(h.ctx, l.ID, alice, "g1f3")
	require.NoError(t, err)

	g := h.lobby(l.ID).CurrentGame
	require.Equal(t, int64(4000), g.Clock.TimeRemainingMs.W)
	require.Equal(t, domain.Black, g.Data.ActiveColor)
	require.True(t, g.Clock.LastMoveTime.Equal(h.clk.Now()))
	require.Equal(t, int64(4000), g.Data.ClocksMs[2])

	// the direct submission supersedes white's request and asks black
	chb.nextRequest(t, 3)
}

func TestSubmitMoveAfterTimeExpiredIsFlagged(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{})

	cha.nextRequest(t, 0).answer("d2d4")
	chb.nextRequest(t, 1).answer("d7d5")
	cha.nextRequest(t, 2)

	_, err := h.store.Update(h.ctx, l.ID, func(l *Lobby) error {
		l.CurrentGame.Clock.TimeRemainingMs.W = 1000
		return nil
	})
	require.NoError(t, err)
	h.clk.Advance(time.Second)

	_, err = h.co.SubmitMove(h.ctx, l.ID, alice, "c2c4")
	require.ErrorIs(t, err, ErrFlagged)
	require.Len(t, h.lobby(l.ID).CurrentGame.Data.MovesUCI, 2)
}

func TestTimeoutOutcome(t *testing.T) {
	cases := []struct {
		name string
		fen  string
		want domain.Outcome
		zero func(w, b int64) int64
	}{
		{
			name: "opponent bare king draws",
			fen:  "8/8/8/4k3/8/8/8/4K2Q w - - 0 1",
			want: domain.Outcome{Result: domain.ResultDraw, By: domain.ByTimeoutInsufficient},
			zero: func(w, b int64) int64 { return w },
		},
		{
			name: "opponent with mating material wins",
			fen:  "8/8/8/4k3/8/8/8/4K2Q b - - 0 1",
			want: domain.Outcome{Result: domain.ResultWhite, By: domain.ByTimeout},
			zero: func(w, b int64) int64 { return b },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			l, cha, chb := h.start(Options{
				TimeControls: []domain.TimeControl{{InitialMs: 1000}},
				StartFEN:     tc.fen,
			})
			if tc.want.Result == domain.ResultDraw {
				cha.nextRequest(t, 0)
			} else {
				chb.nextRequest(t, 0)
			}
			h.clk.Advance(1000 * time.Millisecond)

			out := h.waitOutcome(l.ID)
			require.Equal(t, tc.want, *out)
			g := h.lobby(l.ID).CurrentGame
			require.Zero(t, tc.zero(g.Clock.TimeRemainingMs.W, g.Clock.TimeRemainingMs.B))
			require.Len(t, h.rec.Games(), 1)
			require.Len(t, h.tr.broadcasts(lobbydto.EventGameOutcome), 1)
		})
	}
}

func TestDrawOfferSymmetry(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.start(Options{})

	require.ErrorIs(t, h.co.AcceptDraw(h.ctx, l.ID, alice), ErrNoDrawOffer)
	require.NoError(t, h.co.OfferDraw(h.ctx, l.ID, alice))
	require.NoError(t, h.co.OfferDraw(h.ctx, l.ID, alice))
	require.Len(t, h.tr.broadcasts(lobbydto.EventDrawOffered), 1)
	require.ErrorIs(t, h.co.AcceptDraw(h.ctx, l.ID, alice), ErrNoDrawOffer)
	require.ErrorIs(t, h.co.DeclineDraw(h.ctx, l.ID, alice), ErrNoDrawOffer)

	require.NoError(t, h.co.DeclineDraw(h.ctx, l.ID, bob))
	g := h.lobby(l.ID).CurrentGame
	require.Empty(t, g.DrawOffered)
	require.Nil(t, g.Data.Outcome)
	require.Len(t, h.tr.broadcasts(lobbydto.EventDrawDeclined), 1)

	// a second offer from the other side is an acceptance
	require.NoError(t, h.co.OfferDraw(h.ctx, l.ID, bob))
	require.NoError(t, h.co.OfferDraw(h.ctx, l.ID, alice))
	out := h.waitOutcome(l.ID)
	require.Equal(t, domain.Outcome{Result: domain.ResultDraw, By: domain.ByAgreement}, *out)

	stored := h.lobby(l.ID)
	require.Equal(t, 0.5, stored.Connection(alice.ID).Score)
	require.Equal(t, 0.5, stored.Connection(bob.ID).Score)
}

func TestMoveClearsOnlyOwnDrawOffer(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{})

	require.NoError(t, h.co.OfferDraw(h.ctx, l.ID, bob))
	cha.nextRequest(t, 0).answer("e2e4")
	chb.nextRequest(t, 1)
	require.Equal(t, domain.Black, h.lobby(l.ID).CurrentGame.DrawOffered)

	_, err := h.co.SubmitMove(h.ctx, l.ID, bob, "e7e5")
	require.NoError(t, err)
	require.Empty(t, h.lobby(l.ID).CurrentGame.DrawOffered)
}

func TestConcurrentFinalizeSettlesOnce(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.start(Options{})
	gameID := h.lobby(l.ID).CurrentGame.ID

	_, err := h.store.Update(h.ctx, l.ID, func(l *Lobby) error {
		l.CurrentGame.end(domain.WinFor(domain.Black, domain.ByResignation), h.clk.Now())
		return nil
	})
	require.NoError(t, err)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.co.FinalizeResult(h.ctx, l.ID, gameID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyFinal)
	}
	require.Equal(t, 1, ok)
	require.Len(t, h.rec.Games(), 1)
	require.Len(t, h.tr.broadcasts(lobbydto.EventGameOutcome), 1)

	stored := h.lobby(l.ID)
	require.Equal(t, 0.0, stored.Connection(alice.ID).Score)
	require.Equal(t, 1.0, stored.Connection(bob.ID).Score)
	require.ErrorIs(t, h.co.FinalizeResult(h.ctx, l.ID, "other-game"), ErrStale)
}

func TestResignRatesRegisteredPlayers(t *testing.T) {
	h := newHarness(t)
	h.rec.PutUser(records.User{ID: alice.ID, Name: alice.Name})
	h.rec.PutUser(records.User{ID: bob.ID, Name: bob.Name, Ratings: map[domain.Category]rating.Rating{
		domain.Bullet: {Rating: 1600, Deviation: 80, Volatility: 0.06},
	}})
	l, _, _ := h.start(Options{Rated: true})

	require.NoError(t, h.co.Resign(h.ctx, l.ID, bob))
	out := h.waitOutcome(l.ID)
	require.Equal(t, domain.Outcome{Result: domain.ResultWhite, By: domain.ByResignation}, *out)

	a, err := h.rec.FindUserByID(h.ctx, alice.ID)
	require.NoError(t, err)
	b, err := h.rec.FindUserByID(h.ctx, bob.ID)
	require.NoError(t, err)
	require.Greater(t, a.RatingFor(domain.Bullet).Rating, rating.DefaultRating)
	require.Less(t, b.RatingFor(domain.Bullet).Rating, 1600.0)

	stored := h.lobby(l.ID)
	require.Positive(t, stored.Connection(alice.ID).LastDelta)
	require.Negative(t, stored.Connection(bob.ID).LastDelta)

	games := h.rec.Games()
	require.Len(t, games, 1)
	require.True(t, games[0].Rated)
	require.Contains(t, games[0].PGN, `[Result "1-0"]`)

	require.ErrorIs(t, h.co.Resign(h.ctx, l.ID, alice), ErrNoActiveGame)
}

func TestGuestGamesAreNotRecorded(t *testing.T) {
	h := newHarness(t)
	g1 := domain.Identity{ID: "guest-1", Name: "g1", Guest: true}
	g2 := domain.Identity{ID: "guest-2", Name: "g2", Guest: true}
	l, err := h.co.CreateLobby(h.ctx, g1, Options{})
	require.NoError(t, err)
	h.tr.add("c1")
	h.tr.add("c2")
	_, err = h.co.Connect(h.ctx, l.ID, g1, "c1")
	require.NoError(t, err)
	_, err = h.co.Connect(h.ctx, l.ID, g2, "c2")
	require.NoError(t, err)

	require.NoError(t, h.co.Resign(h.ctx, l.ID, g1))
	h.waitOutcome(l.ID)
	require.Empty(t, h.rec.Games())

	_, err = h.co.CreateLobby(h.ctx, g1, Options{Rated: true})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestRematchSwapsColors(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.start(Options{})
	first := h.lobby(l.ID).CurrentGame

	require.ErrorIs(t, h.co.RequestRematch(h.ctx, l.ID, alice), ErrGameInProgress)
	require.NoError(t, h.co.Resign(h.ctx, l.ID, alice))
	h.waitOutcome(l.ID)

	require.NoError(t, h.co.RequestRematch(h.ctx, l.ID, alice))
	require.Len(t, h.tr.broadcasts(lobbydto.EventRematchRequested), 1)
	require.NoError(t, h.co.AcceptRematch(h.ctx, l.ID, bob))

	stored := h.lobby(l.ID)
	second := stored.CurrentGame
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, bob.ID, second.Players.W.ID)
	require.Equal(t, alice.ID, second.Players.B.ID)
	require.True(t, second.Active())
	require.Equal(t, 2, stored.GamesPlayed)
	require.Nil(t, stored.Rematch.W)
	require.Nil(t, stored.Rematch.B)
}

func TestDeclinedRematchIsReportedToRequester(t *testing.T) {
	h := newHarness(t)
	l, cha, _ := h.start(Options{})
	require.NoError(t, h.co.Resign(h.ctx, l.ID, bob))
	h.waitOutcome(l.ID)

	require.NoError(t, h.co.DeclineRematch(h.ctx, l.ID, bob))
	err := h.co.RequestRematch(h.ctx, l.ID, alice)
	require.ErrorIs(t, err, ErrRematchDeclined)
	require.Len(t, cha.emitted(lobbydto.EventRematchDeclined), 1)
	require.Equal(t, 1, h.lobby(l.ID).GamesPlayed)
}

func TestAbandonmentAfterGrace(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{TimeControls: []domain.TimeControl{{InitialMs: 180000}}})
	cha.nextRequest(t, 0)

	h.tr.drop(chb.ID())
	require.NoError(t, h.co.Disconnect(h.ctx, l.ID, bob.ID, chb.ID()))
	require.False(t, h.lobby(l.ID).Connection(bob.ID).Connected)

	h.clk.Advance(30 * time.Second)
	out := h.waitOutcome(l.ID)
	require.Equal(t, domain.Outcome{Result: domain.ResultWhite, By: domain.ByAbandonment}, *out)
}

func TestReconnectCancelsAbandonment(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{TimeControls: []domain.TimeControl{{InitialMs: 180000}}})
	cha.nextRequest(t, 0)

	h.tr.drop(chb.ID())
	require.NoError(t, h.co.Disconnect(h.ctx, l.ID, bob.ID, chb.ID()))
	h.clk.Advance(10 * time.Second)

	again := h.tr.add("ch-b2")
	_, err := h.co.Connect(h.ctx, l.ID, bob, again.ID())
	require.NoError(t, err)
	h.clk.Advance(30 * time.Second)

	g := h.lobby(l.ID).CurrentGame
	require.True(t, g.Active())
	require.True(t, h.lobby(l.ID).Connection(bob.ID).Connected)
}

func TestReconnectOfSideToMoveRearmsRequest(t *testing.T) {
	h := newHarness(t)
	l, cha, _ := h.start(Options{})
	cha.nextRequest(t, 0)

	again := h.tr.add("ch-a2")
	_, err := h.co.Connect(h.ctx, l.ID, alice, again.ID())
	require.NoError(t, err)

	again.nextRequest(t, 0).answer("e2e4")
	require.Eventually(t, func() bool {
		return len(h.lobby(l.ID).CurrentGame.Data.MovesUCI) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendChat(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.start(Options{})

	require.ErrorIs(t, h.co.SendChat(h.ctx, l.ID, alice, "   "), ErrInvalidInput)
	require.ErrorIs(t, h.co.SendChat(h.ctx, l.ID, alice, "this message is far too long"), ErrInvalidInput)
	require.ErrorIs(t, h.co.SendChat(h.ctx, l.ID, carol, "hi"), ErrNotAMember)

	for _, msg := range []string{"one", "two", "three", " four "} {
		require.NoError(t, h.co.SendChat(h.ctx, l.ID, alice, msg))
	}
	chat := h.lobby(l.ID).Chat
	require.Len(t, chat, 3)
	require.Equal(t, "two", chat[0].Message)
	require.Equal(t, "four", chat[2].Message)
	require.Len(t, h.tr.broadcasts(lobbydto.EventLobbyChat), 4)
}

func TestCreateLobbyValidatesOptions(t *testing.T) {
	h := newHarness(t)

	_, err := h.co.CreateLobby(h.ctx, alice, Options{StartFEN: "not a fen"})
	require.ErrorIs(t, err, ErrInvalidOptions)
	_, err = h.co.CreateLobby(h.ctx, alice, Options{Color: "purple"})
	require.ErrorIs(t, err, ErrInvalidOptions)
	_, err = h.co.CreateLobby(h.ctx, alice, Options{TimeControls: []domain.TimeControl{{InitialMs: -1}}})
	require.ErrorIs(t, err, ErrInvalidOptions)

	l, err := h.co.CreateLobby(h.ctx, alice, Options{})
	require.NoError(t, err)
	require.Equal(t, ColorRandom, l.Options.Color)
	require.Equal(t, []domain.TimeControl{{InitialMs: 60000, IncrementMs: 1000}}, l.Options.TimeControls)
}

func TestSnapshotHidesChannelsAndRunsClock(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{})
	cha.nextRequest(t, 0).answer("e2e4")
	chb.nextRequest(t, 1).answer("e7e5")
	cha.nextRequest(t, 2)

	h.clk.Advance(4 * time.Second)
	snap, err := h.co.Snapshot(h.ctx, l.ID)
	require.NoError(t, err)
	for _, c := range snap.Connections {
		require.Empty(t, c.ChannelID)
	}
	stored := h.lobby(l.ID).CurrentGame.Clock.TimeRemainingMs.W
	require.Equal(t, stored-4000, snap.CurrentGame.Clock.TimeRemainingMs.W)
}

func TestRatedGameCreatesUnknownUsers(t *testing.T) {
	h := newHarness(t)
	l, _, _ := h.start(Options{Rated: true})

	require.NoError(t, h.co.Resign(h.ctx, l.ID, alice))
	h.waitOutcome(l.ID)

	a, err := h.rec.FindUserByID(h.ctx, alice.ID)
	require.NoError(t, err)
	b, err := h.rec.FindUserByID(h.ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, alice.Name, a.Name)
	require.Equal(t, bob.Name, b.Name)
	require.Less(t, a.RatingFor(domain.Bullet).Rating, rating.DefaultRating)
	require.Greater(t, b.RatingFor(domain.Bullet).Rating, rating.DefaultRating)
	require.Equal(t, 1, b.RatingFor(domain.Bullet).Games)

	stored := h.lobby(l.ID)
	require.Negative(t, stored.Connection(alice.ID).LastDelta)
	require.Positive(t, stored.Connection(bob.ID).LastDelta)
	outcome := h.tr.broadcasts(lobbydto.EventGameOutcome)[0].(lobbydto.GameOutcome)
	require.Len(t, outcome.Ratings, 2)
}

func TestFlagTimerAfterPlyAdvancedIsIgnored(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{TimeControls: []domain.TimeControl{{InitialMs: 5000}}})
	gameID := h.lobby(l.ID).CurrentGame.ID

	cha.nextRequest(t, 0).answer("e2e4")
	chb.nextRequest(t, 1)

	// white's flag for ply 0 arrives after the move was applied
	h.co.handleTimeout(h.ctx, l.ID, gameID, 0, domain.White)
	h.clk.Advance(4 * time.Second)

	g := h.lobby(l.ID).CurrentGame
	require.True(t, g.Active())
	require.Nil(t, g.Data.Outcome)
	require.Equal(t, 1, g.Data.Ply())
	require.Empty(t, h.tr.broadcasts(lobbydto.EventGameOutcome))
}

func TestMoveRequestForReplacedGameIsDropped(t *testing.T) {
	h := newHarness(t)
	l, cha, chb := h.start(Options{})
	first := h.lobby(l.ID).CurrentGame
	cha.nextRequest(t, 0)

	require.NoError(t, h.co.Resign(h.ctx, l.ID, alice))
	h.waitOutcome(l.ID)
	require.NoError(t, h.co.RequestRematch(h.ctx, l.ID, alice))
	require.NoError(t, h.co.AcceptRematch(h.ctx, l.ID, bob))
	second := h.lobby(l.ID).CurrentGame
	require.NotEqual(t, first.ID, second.ID)
	chb.nextRequest(t, 0)

	// alice was to move at ply 0 of the first game; that request must not reach her
	h.co.armMoveRequest(l.ID, first.ID, 0, domain.White, cha.ID())
	require.Eventually(t, func() bool { return !h.co.hasRequest(first.ID) }, 5*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool {
		select {
		case call := <-cha.calls:
			return call.req.GameID == first.ID
		default:
			return false
		}
	}, 200*time.Millisecond, 10*time.Millisecond)
	require.True(t, h.lobby(l.ID).CurrentGame.Active())
}

func TestAbandonmentAfterRematchIsIgnored(t *testing.T) {
	h := newHarness(t)
	l, _, chb := h.start(Options{TimeControls: []domain.TimeControl{{InitialMs: 180000}}})
	first := h.lobby(l.ID).CurrentGame

	require.NoError(t, h.co.Resign(h.ctx, l.ID, alice))
	h.waitOutcome(l.ID)
	require.NoError(t, h.co.RequestRematch(h.ctx, l.ID, alice))
	require.NoError(t, h.co.AcceptRematch(h.ctx, l.ID, bob))
	second := h.lobby(l.ID).CurrentGame
	require.True(t, second.Active())

	h.tr.drop(chb.ID())
	require.NoError(t, h.co.Disconnect(h.ctx, l.ID, bob.ID, chb.ID()))
	at := *h.lobby(l.ID).Connection(bob.ID).DisconnectedAt

	// the same disconnect episode, but the timer belongs to the finished game
	h.co.scheduleAbandonment(l.ID, bob.ID, first.ID, at, 30*time.Second)
	h.clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return !h.co.hasAbandonment(l.ID, bob.ID) }, 5*time.Second, 10*time.Millisecond)

	require.Never(t, func() bool {
		return !h.lobby(l.ID).CurrentGame.Active()
	}, 200*time.Millisecond, 10*time.Millisecond)
	g := h.lobby(l.ID).CurrentGame
	require.Equal(t, second.ID, g.ID)
	require.Nil(t, g.Data.Outcome)
	require.Len(t, h.tr.broadcasts(lobbydto.EventGameOutcome), 1)
}

func TestUntimedRequestReleasedWhenChannelCloses(t *testing.T) {
	h := newHarness(t)
	l, cha, _ := h.start(Options{TimeControls: []domain.TimeControl{{InitialMs: 0}}})
	gameID := h.lobby(l.ID).CurrentGame.ID
	cha.nextRequest(t, 0)
	require.True(t, h.co.hasRequest(gameID))

	h.tr.drop(cha.ID())
	require.Eventually(t, func() bool { return !h.co.hasRequest(gameID) }, 5*time.Second, 10*time.Millisecond)

	// a reconnect asks again
	again := h.tr.add("ch-a2")
	_, err := h.co.Connect(h.ctx, l.ID, alice, again.ID())
	require.NoError(t, err)
	again.nextRequest(t, 0).answer("e2e4")
	require.Eventually(t, func() bool {
		return h.lobby(l.ID).CurrentGame.Data.Ply() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

var errRecordsDown = errors.New("records unavailable")

// flakyRecords fails the first failSaves game saves.
type flakyRecords struct {
	*records.MemoryStore

	mu        sync.Mutex
	failSaves int
	saves     int
}

func (f *flakyRecords) SaveCompletedGame(ctx context.Context, g *records.CompletedGame) error {
	f.mu.Lock()
	f.saves++
	fail := f.saves <= f.failSaves
	f.mu.Unlock()
	if fail {
		return errRecordsDown
	}
	return f.MemoryStore.SaveCompletedGame(ctx, g)
}

func (f *flakyRecords) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func TestGameRecordSaveIsRetried(t *testing.T) {
	var flaky *flakyRecords
	h := newHarnessWithRecords(t, func(m *records.MemoryStore) records.Store {
		flaky = &flakyRecords{MemoryStore: m, failSaves: 1}
		return flaky
	})
	l, _, _ := h.start(Options{TimeControls: []domain.TimeControl{{InitialMs: 0}}})

	done := make(chan error, 1)
	go func() { done <- h.co.Resign(h.ctx, l.ID, bob) }()

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.clk.BlockUntilContext(ctx, 1))
	require.Empty(t, h.rec.Games())
	h.clk.Advance(persistBackoff)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("resign did not return")
	}
	require.Equal(t, 2, flaky.attempts())
	require.Len(t, h.rec.Games(), 1)
}

func TestConfigFromPolicyCarriesGrace(t *testing.T) {
	p, err := config.LoadPolicy("")
	require.NoError(t, err)
	cfg := ConfigFromPolicy(p)
	require.Equal(t, 20*time.Second, cfg.grace(domain.Bullet))
	require.Zero(t, cfg.grace(domain.Correspondence))
	require.Zero(t, Config{}.grace(domain.Blitz))
	require.Equal(t, p.Chat.MaxRunes, cfg.ChatMaxRunes)
}

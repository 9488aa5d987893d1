package resume_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/gluk-w/claworc/shellkeeper/internal/resume"
	"github.com/gluk-w/claworc/shellkeeper/internal/session"
	"github.com/gluk-w/claworc/shellkeeper/internal/session/sessiontest"
	"github.com/gluk-w/claworc/shellkeeper/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_RoutesLiveOutput(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")

	tr.DeliverOutput([]byte("$ uptime\r\n"))
	var view bytes.Buffer
	require.NoError(t, s.AttachView(&view))
	tr.DeliverOutput([]byte(" 10:00 up 3 days\r\n"))
	assert.Equal(t, "$ uptime\r\n 10:00 up 3 days\r\n", view.String())
}

func TestMark_SendsSnapshotAndConfirms(t *testing.T) {
	f := newFixture(t, func(o *resume.Options) { o.SnapshotRows = 2 })
	s, tr := f.live(t, "sess-1")
	require.NoError(t, s.AttachView(session.NewTerminalView(nil, 0)))
	tr.DeliverOutput([]byte("one\r\ntwo\r\nthree\r\n"))

	require.NoError(t, f.ctrl.Mark("sess-1"))
	assert.True(t, s.MarkedForSuspend(), "mark is optimistic")

	env := lastSent(t, tr)
	assert.Equal(t, protocol.TypeMarkForSuspend, env.Type)
	require.NotEmpty(t, env.RequestID)
	m, err := protocol.Decode[protocol.MarkForSuspend](env)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", m.SessionID)
	assert.Equal(t, "two\r\nthree", m.InitialOutputSnapshot)

	tr.Deliver(reply(protocol.TypeMarkedForSuspendAck, env.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Success: true}))
	assert.True(t, s.MarkedForSuspend())
	assert.Empty(t, f.notes.all("error"))
}

func TestMark_RefusedRollsBack(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")

	require.NoError(t, f.ctrl.Mark("sess-1"))
	env := lastSent(t, tr)
	tr.Deliver(reply(protocol.TypeMarkedForSuspendAck, env.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Error: "session is not live"}))

	assert.False(t, s.MarkedForSuspend())
	assert.Equal(t, []string{"Could not mark session for suspend: session is not live"}, f.notes.all("error"))
}

func TestMark_ErrorReplyRollsBack(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")

	require.NoError(t, f.ctrl.Mark("sess-1"))
	env := lastSent(t, tr)
	tr.Deliver(reply(protocol.TypeError, env.RequestID, &protocol.ErrorMessage{Message: "rate limit exceeded"}))

	assert.False(t, s.MarkedForSuspend())
	assert.Equal(t, []string{"Could not mark session for suspend: rate limit exceeded"}, f.notes.all("error"))
}

func TestMark_SendFailureRestoresFlag(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")
	tr.SetStatus(transport.StatusDisconnected)

	err := f.ctrl.Mark("sess-1")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.False(t, s.MarkedForSuspend())

	assert.ErrorIs(t, f.ctrl.Mark("missing"), session.ErrSessionNotFound)
}

// A refused unmark leaves the flag as the last ack reported it.
func TestUnmark_RefusedKeepsFlag(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")

	require.NoError(t, f.ctrl.Mark("sess-1"))
	mark := lastSent(t, tr)
	tr.Deliver(reply(protocol.TypeMarkedForSuspendAck, mark.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Success: true}))

	require.NoError(t, f.ctrl.Unmark("sess-1"))
	assert.True(t, s.MarkedForSuspend(), "unmark waits for the ack")
	unmark := lastSent(t, tr)
	assert.Equal(t, protocol.TypeUnmarkForSuspend, unmark.Type)

	tr.Deliver(reply(protocol.TypeUnmarkedForSuspendAck, unmark.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Error: "backend busy"}))
	assert.True(t, s.MarkedForSuspend())
	assert.Equal(t, []string{"Could not unmark session for suspend: backend busy"}, f.notes.all("error"))

	require.NoError(t, f.ctrl.Unmark("sess-1"))
	unmark = lastSent(t, tr)
	tr.Deliver(reply(protocol.TypeUnmarkedForSuspendAck, unmark.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Success: true}))
	assert.False(t, s.MarkedForSuspend())
}

func TestAcks_StaleAckDropped(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")

	require.NoError(t, f.ctrl.Mark("sess-1"))
	mark := lastSent(t, tr)
	require.NoError(t, f.ctrl.Unmark("sess-1"))
	unmark := lastSent(t, tr)

	tr.Deliver(reply(protocol.TypeUnmarkedForSuspendAck, unmark.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Success: true}))
	assert.False(t, s.MarkedForSuspend())

	tr.Deliver(reply(protocol.TypeMarkedForSuspendAck, mark.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Success: true}))
	assert.False(t, s.MarkedForSuspend(), "the older mark ack must not override the unmark")

	tr.Deliver(reply(protocol.TypeMarkedForSuspendAck, "never-sent", &protocol.SuspendAck{SessionID: "sess-1", Success: true}))
	assert.False(t, s.MarkedForSuspend())
	assert.Empty(t, f.notes.all("error"))
}

func TestAcks_OtherSessionsIndependent(t *testing.T) {
	f := newFixture(t)
	s1, tr1 := f.live(t, "sess-1")
	s2, tr2 := f.live(t, "sess-2")

	require.NoError(t, f.ctrl.Mark("sess-1"))
	m1 := lastSent(t, tr1)
	require.NoError(t, f.ctrl.Mark("sess-2"))
	m2 := lastSent(t, tr2)

	tr2.Deliver(reply(protocol.TypeMarkedForSuspendAck, m2.RequestID, &protocol.SuspendAck{SessionID: "sess-2", Error: "nope"}))
	tr1.Deliver(reply(protocol.TypeMarkedForSuspendAck, m1.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Success: true}))

	assert.True(t, s1.MarkedForSuspend())
	assert.False(t, s2.MarkedForSuspend())

	// An ack on the wrong transport is not the session's ack.
	require.NoError(t, f.ctrl.Mark("sess-2"))
	m2 = lastSent(t, tr2)
	tr1.Deliver(reply(protocol.TypeMarkedForSuspendAck, m2.RequestID, &protocol.SuspendAck{SessionID: "sess-2", Error: "nope"}))
	assert.True(t, s2.MarkedForSuspend())
}

func TestRefresh(t *testing.T) {
	t.Run("over REST without a live transport", func(t *testing.T) {
		f := newFixture(t)
		f.refresh(t)

		entries := f.ctrl.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "U1", entries[0].SuspendID)
		assert.Equal(t, resume.StatusHanging, entries[0].Status)
		assert.Equal(t, []string{"list"}, f.api.Calls())
	})

	t.Run("over the oldest connected transport", func(t *testing.T) {
		f := newFixture(t)
		_, first := f.live(t, "sess-1")
		_, second := f.live(t, "sess-2")

		lost := hangingEntry("U2")
		at := suspendedAt.Add(time.Minute)
		lost.BackendStatus, lost.DisconnectedAt = protocol.StatusDisconnectedByBackend, &at
		first.OnRequest = func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
			assert.Equal(t, protocol.TypeListSuspended, env.Type)
			return reply(protocol.TypeSuspendedListResponse, env.RequestID, &protocol.SuspendedList{
				Entries: []protocol.SuspendedSessionEntry{hangingEntry("U1"), lost},
			}), nil
		}
		f.refresh(t)

		entries := f.ctrl.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, resume.StatusDisconnected, entries[1].Status)
		assert.Empty(t, f.api.Calls())
		assert.Empty(t, second.Sent())
	})

	t.Run("no backend", func(t *testing.T) {
		f := newFixture(t, func(o *resume.Options) { o.API = nil })
		assert.ErrorIs(t, f.ctrl.Refresh(context.Background()), resume.ErrNoBackend)
	})
}

// resumeBackend answers resume requests on the next dialed transport: it
// replays chunks and then reports the outcome.
func resumeBackend(t *testing.T, f *fixture, backendID string, chunks []string, outcome *protocol.ResumedNotification) {
	t.Helper()
	f.dialer.Prepare = func(tr *sessiontest.Transport) {
		tr.OnRequest = func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
			req, err := protocol.Decode[protocol.ResumeRequest](env)
			require.NoError(t, err)
			for i, c := range chunks {
				tr.DeliverMessage(protocol.TypeOutputCachedChunk, "", &protocol.OutputCachedChunk{
					NewSessionID: req.NewSessionID,
					Data:         []byte(c),
					IsLastChunk:  i == len(chunks)-1,
				})
			}
			n := *outcome
			n.SuspendID, n.NewSessionID = req.SuspendID, req.NewSessionID
			return reply(protocol.TypeResumedNotification, env.RequestID, &n), nil
		}
	}
	f.onSleep = func() {
		if tr := f.dialer.Last(); tr != nil && tr.Status() == transport.StatusConnecting {
			require.NoError(t, tr.Identify(backendID, tr.Profile.ID))
		}
	}
}

func TestResume_ReplaysAndRemovesEntry(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	resumeBackend(t, f, "sess-2", []string{"chunk-1 ", "chunk-2 ", "chunk-3"}, &protocol.ResumedNotification{Success: true})

	id, err := f.ctrl.Resume(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", id)

	tr := f.dialer.Last()
	assert.Equal(t, transport.ModeResume, tr.Mode)
	sent := tr.Sent()
	require.Len(t, sent, 1)
	req, err := protocol.Decode[protocol.ResumeRequest](sent[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.ResumeRequest{SuspendID: "U1", NewSessionID: "sess-2"}, req)

	s, ok := f.reg.Get("sess-2")
	require.True(t, ok)
	assert.False(t, s.IsResuming(), "last chunk ends the replay")
	assert.False(t, s.MarkedForSuspend())
	var view bytes.Buffer
	require.NoError(t, s.AttachView(&view))
	assert.Equal(t, "chunk-1 chunk-2 chunk-3", view.String())

	active, _ := f.reg.Active()
	assert.Same(t, s, active)
	assert.Empty(t, f.ctrl.Entries(), "entry is removed without a refresh")
	assert.Equal(t, []string{`Resumed "Web Server"`}, f.notes.all("info"))
}

func TestResume_ConnectTimeoutSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)

	_, err := f.ctrl.Resume(context.Background(), "U1")
	assert.ErrorIs(t, err, resume.ErrConnectTimeout)

	tr := f.dialer.Last()
	require.NotNil(t, tr)
	assert.Empty(t, tr.Sent())
	assert.Equal(t, 1, tr.Disconnects())
	assert.Equal(t, 50, f.sleeps)
	assert.Zero(t, f.reg.Len())
	assert.Equal(t, []string{"could not reach server to resume"}, f.notes.all("error"))
	assert.Len(t, f.ctrl.Entries(), 1, "entry survives a failed resume")
}

func TestResume_SessionClosedMidway(t *testing.T) {
	closeResumeSession := func(t *testing.T, f *fixture) {
		sessions := f.reg.List()
		require.Len(t, sessions, 1)
		require.NoError(t, f.reg.Close(sessions[0].ID()))
	}

	t.Run("while connecting", func(t *testing.T) {
		f := newFixture(t)
		f.refresh(t)
		f.onSleep = func() { closeResumeSession(t, f) }

		_, err := f.ctrl.Resume(context.Background(), "U1")
		assert.ErrorIs(t, err, resume.ErrConnectTimeout)

		tr := f.dialer.Last()
		assert.Equal(t, 1, tr.Disconnects())
		assert.Empty(t, tr.Sent())
		assert.Zero(t, f.reg.Len())
		require.Len(t, f.ctrl.Entries(), 1)
		assert.Equal(t, "U1", f.ctrl.Entries()[0].SuspendID)
	})

	t.Run("while the request is in flight", func(t *testing.T) {
		f := newFixture(t)
		f.refresh(t)
		f.onSleep = func() {
			if tr := f.dialer.Last(); tr.Status() == transport.StatusConnecting {
				require.NoError(t, tr.Identify("sess-2", "web"))
			}
		}
		f.dialer.Prepare = func(tr *sessiontest.Transport) {
			tr.OnRequest = func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
				req, err := protocol.Decode[protocol.ResumeRequest](env)
				require.NoError(t, err)
				closeResumeSession(t, f)
				return reply(protocol.TypeResumedNotification, env.RequestID, &protocol.ResumedNotification{
					SuspendID:    req.SuspendID,
					NewSessionID: req.NewSessionID,
					Success:      true,
				}), nil
			}
		}

		_, err := f.ctrl.Resume(context.Background(), "U1")
		assert.ErrorIs(t, err, session.ErrSessionClosed)

		tr := f.dialer.Last()
		assert.Equal(t, 1, tr.Disconnects())
		assert.Len(t, tr.Sent(), 1)
		assert.Zero(t, f.reg.Len())
		_, active := f.reg.Active()
		assert.False(t, active)
		require.Len(t, f.ctrl.Entries(), 1)
		assert.Equal(t, "U1", f.ctrl.Entries()[0].SuspendID)
	})
}

func TestResume_TransportErrorEndsPollEarly(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	f.onSleep = func() { f.dialer.Last().SetStatus(transport.StatusError) }

	_, err := f.ctrl.Resume(context.Background(), "U1")
	assert.ErrorIs(t, err, resume.ErrConnectTimeout)
	assert.Equal(t, 1, f.sleeps)
	assert.Empty(t, f.dialer.Last().Sent())
	assert.Zero(t, f.reg.Len())
}

func TestResume_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.onSleep = cancel

	_, err := f.ctrl.Resume(ctx, "U1")
	assert.ErrorIs(t, err, resume.ErrConnectTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.reg.Len())
}

func TestResume_RejectedReasonVerbatim(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	resumeBackend(t, f, "sess-2", nil, &protocol.ResumedNotification{Error: "suspended session already has an attached transport"})

	_, err := f.ctrl.Resume(context.Background(), "U1")
	var rejected *resume.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "suspended session already has an attached transport", rejected.Reason)
	assert.Equal(t, "suspended session already has an attached transport", err.Error())

	assert.Equal(t, 1, f.dialer.Last().Disconnects())
	assert.Zero(t, f.reg.Len(), "the half-built session is torn down")
	assert.Len(t, f.ctrl.Entries(), 1)
	assert.Equal(t, []string{"suspended session already has an attached transport"}, f.notes.all("error"))
}

func TestResume_RemoteErrorIsRejection(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	f.dialer.Prepare = func(tr *sessiontest.Transport) {
		tr.OnRequest = func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
			return protocol.Envelope{}, &transport.RemoteError{Type: env.Type, Message: "rate limit exceeded"}
		}
	}
	f.onSleep = func() { require.NoError(t, f.dialer.Last().Identify("sess-2", "web")) }

	_, err := f.ctrl.Resume(context.Background(), "U1")
	var rejected *resume.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "rate limit exceeded", rejected.Reason)
	assert.Zero(t, f.reg.Len())
}

func TestResume_ProfileMismatchRefused(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	f.onSleep = func() {
		tr := f.dialer.Last()
		if tr.Status() == transport.StatusConnecting {
			assert.ErrorIs(t, tr.Identify("sess-2", "db"), session.ErrProfileMismatch)
		}
	}

	_, err := f.ctrl.Resume(context.Background(), "U1")
	assert.ErrorIs(t, err, resume.ErrConnectTimeout)
	assert.Empty(t, f.dialer.Last().Sent())
	_, ok := f.reg.Get("sess-2")
	assert.False(t, ok)
}

func TestResume_LocalRefusals(t *testing.T) {
	f := newFixture(t)
	lost := hangingEntry("U2")
	at := suspendedAt
	lost.BackendStatus, lost.DisconnectedAt = protocol.StatusDisconnectedByBackend, &at
	f.api.entries = append(f.api.entries, lost)
	f.refresh(t)

	_, err := f.ctrl.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, resume.ErrEntryNotFound)

	_, err = f.ctrl.Resume(context.Background(), "U2")
	assert.ErrorIs(t, err, resume.ErrNotResumable)

	assert.Zero(t, f.dialer.Count(), "no session is opened")
}

type stubCatalog map[string]profiles.Profile

func (c stubCatalog) Resolve(id string) (profiles.Profile, error) {
	if p, ok := c[id]; ok {
		return p, nil
	}
	return profiles.Profile{}, profiles.ErrProfileNotFound
}

func (c stubCatalog) List() ([]profiles.Profile, error) { return nil, nil }

func TestResume_ResolvesProfileFromCatalog(t *testing.T) {
	catalog := stubCatalog{"web": {ID: "web", DisplayName: "Web (prod)", Type: profiles.TypeSSH, Host: "10.0.0.5", Port: 22, Username: "deploy"}}
	f := newFixture(t, func(o *resume.Options) { o.Catalog = catalog })
	f.refresh(t)
	resumeBackend(t, f, "sess-2", []string{"x"}, &protocol.ResumedNotification{Success: true})

	_, err := f.ctrl.Resume(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "Web (prod)", f.dialer.Last().Profile.DisplayName)
	assert.Equal(t, "10.0.0.5", f.dialer.Last().Profile.Host)

	require.NoError(t, f.reg.CloseAll())
	delete(catalog, "web")
	f.api.entries = []protocol.SuspendedSessionEntry{hangingEntry("U3")}
	f.refresh(t)
	_, err = f.ctrl.Resume(context.Background(), "U3")
	assert.ErrorIs(t, err, profiles.ErrProfileNotFound)
	assert.Equal(t, 1, f.dialer.Count())
}

func TestChunkForUnknownSessionDropped(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")

	tr.DeliverMessage(protocol.TypeOutputCachedChunk, "", &protocol.OutputCachedChunk{NewSessionID: "sess-9", Data: []byte("stray"), IsLastChunk: true})
	assert.Zero(t, s.PendingOutput())
}

func TestAutoTerminated(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	_, tr := f.live(t, "sess-1")
	_, other := f.live(t, "sess-2")

	tr.DeliverMessage(protocol.TypeAutoTerminated, "", &protocol.AutoTerminated{SuspendID: "U1", Reason: protocol.ReasonIdleTimeout})

	entries := f.ctrl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, resume.StatusTerminated, entries[0].Status)
	assert.Equal(t, protocol.ReasonIdleTimeout, entries[0].TerminatedReason)
	assert.Equal(t, []string{`Suspended session "Web Server" was terminated by the server (idle timeout)`}, f.notes.all("warn"))
	assert.Empty(t, tr.Sent(), "nothing is requested")

	// The broadcast reaches every transport; warn once.
	other.DeliverMessage(protocol.TypeAutoTerminated, "", &protocol.AutoTerminated{SuspendID: "U1", Reason: protocol.ReasonIdleTimeout})
	assert.Len(t, f.notes.all("warn"), 1)

	_, err := f.ctrl.Resume(context.Background(), "U1")
	assert.ErrorIs(t, err, resume.ErrNotResumable)
}

func TestUnsolicitedErrorNotified(t *testing.T) {
	f := newFixture(t)
	_, tr := f.live(t, "sess-1")

	tr.DeliverMessage(protocol.TypeError, "", &protocol.ErrorMessage{Message: "shell exited"})
	assert.Equal(t, []string{"shell exited"}, f.notes.all("error"))
}

func TestOperations_OverTransport(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	_, tr := f.live(t, "sess-1")

	var seen []protocol.MessageType
	tr.OnRequest = func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		seen = append(seen, env.Type)
		if env.Type == protocol.TypeRemoveEntry {
			return reply(protocol.TypeOperationResult, env.RequestID, &protocol.OperationResult{SuspendID: "U1", Error: "suspended session is still hanging"}), nil
		}
		return reply(protocol.TypeOperationResult, env.RequestID, &protocol.OperationResult{SuspendID: "U1", Success: true}), nil
	}
	ctx := context.Background()

	require.NoError(t, f.ctrl.Rename(ctx, "U1", "build box"))
	assert.Equal(t, "build box", f.ctrl.Entries()[0].DisplayName())

	err := f.ctrl.Remove(ctx, "U1")
	var rejected *resume.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "remove", rejected.Op)
	assert.Equal(t, "suspended session is still hanging", rejected.Reason)
	assert.Len(t, f.ctrl.Entries(), 1)

	require.NoError(t, f.ctrl.Terminate(ctx, "U1"))
	assert.Empty(t, f.ctrl.Entries())

	assert.Equal(t, []protocol.MessageType{protocol.TypeRename, protocol.TypeRemoveEntry, protocol.TypeTerminate}, seen)
	assert.Equal(t, []string{"list"}, f.api.Calls(), "REST is only used for the initial refresh")
}

func TestOperations_FallBackToREST(t *testing.T) {
	f := newFixture(t)
	f.refresh(t)
	_, tr := f.live(t, "sess-1")
	tr.SetStatus(transport.StatusDisconnected)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Terminate(ctx, "U1"))
	assert.Empty(t, f.ctrl.Entries())

	f.api.refuse = "suspended session not found"
	err := f.ctrl.Remove(ctx, "U1")
	var rejected *resume.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "suspended session not found", rejected.Reason)

	assert.Equal(t, []string{"list", "terminate U1", "remove U1"}, f.api.Calls())
	assert.Empty(t, tr.Sent())
}

func TestOperations_NoBackend(t *testing.T) {
	f := newFixture(t, func(o *resume.Options) { o.API = nil })
	err := f.ctrl.Terminate(context.Background(), "U1")
	assert.ErrorIs(t, err, resume.ErrNoBackend)
	assert.Len(t, f.notes.all("error"), 1)
}

func TestRename_InvalidName(t *testing.T) {
	f := newFixture(t)
	long := string(bytes.Repeat([]byte("x"), protocol.MaxCustomNameLength+1))
	err := f.ctrl.Rename(context.Background(), "U1", long)
	require.Error(t, err)
	assert.False(t, errors.Is(err, resume.ErrNoBackend))
	assert.Empty(t, f.api.Calls())
}

func TestSessionCloseUnregistersHandlers(t *testing.T) {
	f := newFixture(t)
	s, tr := f.live(t, "sess-1")
	require.NoError(t, f.ctrl.Mark("sess-1"))
	mark := lastSent(t, tr)

	require.NoError(t, f.reg.Close(s.ID()))
	tr.Deliver(reply(protocol.TypeMarkedForSuspendAck, mark.RequestID, &protocol.SuspendAck{SessionID: "sess-1", Error: "gone"}))
	tr.DeliverMessage(protocol.TypeError, "", &protocol.ErrorMessage{Message: "late"})
	assert.Empty(t, f.notes.all("error"))
}

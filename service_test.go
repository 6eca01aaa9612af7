package rmwadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService(qos QoS) *Service {
	return &Service{
		desc:    EntityDescriptor{Topic: TopicInfo{Name: "/add_two_ints"}},
		qos:     qos,
		pending: make(map[GID]map[int64]*pendingRequest),
	}
}

func TestService_TakeRequestEmptyIsNotAnError(t *testing.T) {
	s := newTestService(DefaultQoS())
	_, taken := s.TakeRequest()
	require.False(t, taken)
}

func TestService_OnQueryEnqueuesAndStashesRespond(t *testing.T) {
	s := newTestService(DefaultQoS())
	client := GID{7}
	att := encodeAttachment(Attachment{Sequence: 1, SourceGID: client})

	var gotAtt, gotPayload []byte
	respond := func(a, p []byte) error {
		gotAtt, gotPayload = a, p
		return nil
	}
	s.onQuery("/add_two_ints", att, []byte("req"), respond)

	req, taken := s.TakeRequest()
	require.True(t, taken)
	require.Equal(t, client, req.ClientGID)
	require.Equal(t, int64(1), req.Sequence)
	require.Equal(t, []byte("req"), req.Payload)

	require.NoError(t, s.SendResponse(client, 1, []byte("resp")))
	require.Equal(t, []byte("resp"), gotPayload)

	decoded, err := decodeAttachment(gotAtt)
	require.NoError(t, err)
	require.Equal(t, int64(1), decoded.Sequence)
	require.Equal(t, client, decoded.SourceGID, "reply attachment must carry the client's GID, not the service's")
}

func TestService_SendResponseUnknownHandleIsSilentNoOp(t *testing.T) {
	s := newTestService(DefaultQoS())
	require.NoError(t, s.SendResponse(GID{1}, 99, []byte("x")))
}

func TestService_SendResponseTwiceIsSilentNoOp(t *testing.T) {
	s := newTestService(DefaultQoS())
	client := GID{7}
	att := encodeAttachment(Attachment{Sequence: 1, SourceGID: client})

	calls := 0
	s.onQuery("/add_two_ints", att, []byte("req"), func(a, p []byte) error {
		calls++
		return nil
	})

	require.NoError(t, s.SendResponse(client, 1, []byte("resp1")))
	require.NoError(t, s.SendResponse(client, 1, []byte("resp2")))
	require.Equal(t, 1, calls, "a second send_response for the same request must be a no-op")
}

func TestService_KeepLastEvictsOldestRequest(t *testing.T) {
	qos := DefaultQoS()
	qos.History = HistoryKeepLast
	qos.Depth = 1
	s := newTestService(qos)

	s.onQuery("/svc", encodeAttachment(Attachment{Sequence: 1, SourceGID: GID{1}}), []byte("a"), func(a, p []byte) error { return nil })
	s.onQuery("/svc", encodeAttachment(Attachment{Sequence: 2, SourceGID: GID{2}}), []byte("b"), func(a, p []byte) error { return nil })

	req, taken := s.TakeRequest()
	require.True(t, taken)
	require.Equal(t, []byte("b"), req.Payload)
	_, taken = s.TakeRequest()
	require.False(t, taken)

	require.Empty(t, s.pending[GID{1}], "evicting the oldest queued request must also drop its pending handle")
	require.NoError(t, s.SendResponse(GID{1}, 1, []byte("late")), "a response for an evicted request must be a silent no-op, not a leaked handle answered late")
}

func TestService_HasDataOrAttachReportsQueuedRequestWithoutAttaching(t *testing.T) {
	s := newTestService(DefaultQoS())
	ws := NewWaitSet()

	require.False(t, s.HasDataOrAttach(ws), "an empty queue must attach instead of reporting data")

	s.onQuery("/svc", encodeAttachment(Attachment{Sequence: 1, SourceGID: GID{1}}), []byte("a"), func(a, p []byte) error { return nil })
	require.True(t, s.HasDataOrAttach(ws), "a non-empty queue must report data without touching the attachment")
}

func TestService_DetachAndCheckEmpty(t *testing.T) {
	s := newTestService(DefaultQoS())
	ws := NewWaitSet()
	s.HasDataOrAttach(ws)

	require.True(t, s.DetachAndCheckEmpty())

	s.onQuery("/svc", encodeAttachment(Attachment{Sequence: 1, SourceGID: GID{1}}), []byte("a"), func(a, p []byte) error { return nil })
	require.False(t, s.DetachAndCheckEmpty())
}

func TestService_OnQueryAfterCloseIsIgnored(t *testing.T) {
	s := newTestService(DefaultQoS())
	s.closed = true
	s.onQuery("/svc", encodeAttachment(Attachment{Sequence: 1, SourceGID: GID{1}}), []byte("a"), func(a, p []byte) error { return nil })
	_, taken := s.TakeRequest()
	require.False(t, taken)
}

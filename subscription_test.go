package rmwadapter

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSubscription(qos QoS) *Subscription {
	return &Subscription{
		node:    &Node{ctx: &Context{logger: slog.Default()}},
		desc:    EntityDescriptor{Topic: TopicInfo{Name: "/chatter"}},
		qos:     qos,
		lastSeq: make(map[GID]int64),
		lostCh:  make(chan LostEvent, 8),
	}
}

func TestSubscription_TakeEmptyQueueIsNotAnError(t *testing.T) {
	s := newTestSubscription(DefaultQoS())
	_, taken := s.Take()
	require.False(t, taken)
}

func TestSubscription_DeliverThenTakeInFIFOOrder(t *testing.T) {
	s := newTestSubscription(DefaultQoS())
	pub := GID{9}

	for i := int64(1); i <= 3; i++ {
		att := encodeAttachment(Attachment{Sequence: i, SourceTimestamp: i * 100, SourceGID: pub})
		s.deliver(att, []byte{byte(i)})
	}

	require.Equal(t, 3, s.Pending())
	for i := int64(1); i <= 3; i++ {
		sample, taken := s.Take()
		require.True(t, taken)
		require.Equal(t, []byte{byte(i)}, sample.Payload)
		require.Equal(t, i, sample.Header.PublicationSequenceNumber)
	}
	_, taken := s.Take()
	require.False(t, taken)
}

func TestSubscription_KeepLastEvictsOldest(t *testing.T) {
	qos := DefaultQoS()
	qos.History = HistoryKeepLast
	qos.Depth = 2
	s := newTestSubscription(qos)
	pub := GID{9}

	for i := int64(1); i <= 3; i++ {
		att := encodeAttachment(Attachment{Sequence: i, SourceTimestamp: 0, SourceGID: pub})
		s.deliver(att, []byte{byte(i)})
	}

	require.Equal(t, 2, s.Pending())
	sample, _ := s.Take()
	require.Equal(t, int64(2), sample.Header.PublicationSequenceNumber, "oldest sample should have been evicted")
}

func TestSubscription_KeepAllNeverEvicts(t *testing.T) {
	qos := DefaultQoS()
	qos.History = HistoryKeepAll
	qos.Depth = 2
	s := newTestSubscription(qos)
	pub := GID{9}

	for i := int64(1); i <= 5; i++ {
		att := encodeAttachment(Attachment{Sequence: i, SourceTimestamp: 0, SourceGID: pub})
		s.deliver(att, []byte{byte(i)})
	}

	require.Equal(t, 5, s.Pending())
}

func TestSubscription_GapDetectionFiresLostEvent(t *testing.T) {
	s := newTestSubscription(DefaultQoS())
	pub := GID{9}

	s.deliver(encodeAttachment(Attachment{Sequence: 1, SourceGID: pub}), []byte("a"))
	s.deliver(encodeAttachment(Attachment{Sequence: 5, SourceGID: pub}), []byte("b"))

	select {
	case ev := <-s.LostEvents():
		require.Equal(t, pub, ev.Publisher)
		require.Equal(t, int64(3), ev.Count)
	default:
		t.Fatal("expected a lost event after a sequence gap")
	}
}

func TestSubscription_DeliverAfterCloseIsNoOp(t *testing.T) {
	s := newTestSubscription(DefaultQoS())
	s.closed = true
	s.deliver(encodeAttachment(Attachment{Sequence: 1, SourceGID: GID{1}}), []byte("x"))
	require.Equal(t, 0, s.Pending())
}

func TestSubscription_HasDataOrAttachReportsQueuedSampleWithoutAttaching(t *testing.T) {
	s := newTestSubscription(DefaultQoS())
	ws := NewWaitSet()

	require.False(t, s.HasDataOrAttach(ws), "an empty queue must attach instead of reporting data")

	s.deliver(encodeAttachment(Attachment{Sequence: 1, SourceGID: GID{9}}), []byte("a"))
	require.True(t, s.HasDataOrAttach(ws), "a non-empty queue must report data without touching the attachment")
}

func TestSubscription_DetachAndCheckEmpty(t *testing.T) {
	s := newTestSubscription(DefaultQoS())
	ws := NewWaitSet()
	s.HasDataOrAttach(ws)

	require.True(t, s.DetachAndCheckEmpty())

	s.deliver(encodeAttachment(Attachment{Sequence: 1, SourceGID: GID{9}}), []byte("a"))
	require.False(t, s.DetachAndCheckEmpty())
}

func TestSubscription_DeliverMalformedAttachmentIsDropped(t *testing.T) {
	s := newTestSubscription(DefaultQoS())
	s.deliver([]byte("not an attachment"), []byte("x"))
	require.Equal(t, 0, s.Pending())
}

package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mutq/internal/request"
)

func TestCodec_Queue(t *testing.T) {
	b, err := EncodeQueue(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	q := []request.Request{{
		Command:   "AddComment",
		Data:      json.RawMessage(`{"reportId":"r1","text":"hi"}`),
		RequestID: 2,
		SuccessData: []request.Update{{
			Method: request.MethodMerge,
			Key:    "report_r1",
			Value:  json.RawMessage(`{"pending":false}`),
		}},
	}}
	b, err = EncodeQueue(q)
	require.NoError(t, err)
	assert.JSONEq(t, `[{
		"command":"AddComment",
		"data":{"reportId":"r1","text":"hi"},
		"successData":[{"method":"merge","key":"report_r1","value":{"pending":false}}],
		"requestID":2
	}]`, string(b))

	back, err := DecodeQueue(b)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "AddComment", back[0].Command)
	assert.Equal(t, int64(2), back[0].RequestID)
	assert.JSONEq(t, string(q[0].Data), string(back[0].Data))
	require.Len(t, back[0].SuccessData, 1)
	assert.Equal(t, request.MethodMerge, back[0].SuccessData[0].Method)
}

func TestCodec_QueueAbsent(t *testing.T) {
	for _, in := range []string{"", "  ", "null"} {
		q, err := DecodeQueue([]byte(in))
		require.NoError(t, err)
		assert.Empty(t, q)
	}
	_, err := DecodeQueue([]byte(`{"x":1}`))
	assert.Error(t, err)
}

func TestCodec_Ongoing(t *testing.T) {
	b, err := EncodeOngoing(request.Request{}, false)
	require.NoError(t, err)
	assert.Nil(t, b)

	_, ok, err := DecodeOngoing(b)
	require.NoError(t, err)
	assert.False(t, ok)

	b, err = EncodeOngoing(request.Request{Command: "OpenReport", RequestID: 1}, true)
	require.NoError(t, err)
	r, ok, err := DecodeOngoing(b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), r.RequestID)
	assert.Equal(t, "OpenReport", r.Command)
}

func TestCodec_Seq(t *testing.T) {
	id, err := DecodeSeq(EncodeSeq(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = DecodeSeq(nil)
	require.NoError(t, err)
	assert.Zero(t, id)

	_, err = DecodeSeq([]byte(`"7"`))
	assert.Error(t, err)
	_, err = DecodeSeq([]byte(`-1`))
	assert.Error(t, err)
}

func TestKeys_Has(t *testing.T) {
	k := DefaultKeys()
	assert.Equal(t, "PERSISTED_REQUEST_QUEUE_SEQ", k.Seq)
	assert.True(t, k.has(DefaultQueueKey))
	assert.True(t, k.has(DefaultOngoingKey))
	assert.True(t, k.has(DefaultSeqKey))
	assert.False(t, k.has("report_1"))
}

func TestNormalize(t *testing.T) {
	in := []request.Request{{RequestID: 1}, {RequestID: 2}, {RequestID: 1}, {RequestID: 3}}

	out, dropped := normalize(in, 0)
	assert.Equal(t, []int64{1, 2, 3}, request.IDs(out))
	assert.Equal(t, 1, dropped)

	out, dropped = normalize(in, 2)
	assert.Equal(t, []int64{1, 3}, request.IDs(out))
	assert.Equal(t, 2, dropped)
}

func TestTracker(t *testing.T) {
	var tr tracker
	_, ok := tr.current()
	assert.False(t, ok)

	assert.True(t, tr.begin(request.Request{RequestID: 1, Command: "A"}))
	assert.False(t, tr.begin(request.Request{RequestID: 2, Command: "B"}))
	assert.True(t, tr.holds(1))
	assert.Equal(t, "in_flight", tr.state.String())

	_, ok = tr.finish(2)
	assert.False(t, ok)

	r, ok := tr.finish(1)
	assert.True(t, ok)
	assert.Equal(t, "A", r.Command)
	assert.Equal(t, StateIdle, tr.state)

	_, ok = tr.reset()
	assert.False(t, ok)
}

func TestTracker_Mirror(t *testing.T) {
	var tr tracker
	require.True(t, tr.begin(request.Request{RequestID: 1}))
	assert.True(t, tr.local())

	tr.mirror(request.Request{RequestID: 2})
	assert.True(t, tr.holds(2))
	assert.False(t, tr.local())

	tr.reset()
	require.True(t, tr.begin(request.Request{RequestID: 3}))
	assert.True(t, tr.local())
}

func TestError_Formatting(t *testing.T) {
	err := &Error{Code: ErrCodeInvalidRequest, Message: "enqueue", RequestID: 3, Err: request.ErrInvalid}
	assert.Contains(t, err.Error(), "INVALID_REQUEST: enqueue (request=3)")
	assert.ErrorIs(t, err, request.ErrInvalid)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsDurability(err))
}

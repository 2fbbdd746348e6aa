package xunfei_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripvox/xunfei"
	"tripvox/xunfei/xunfeitest"
)

func TestParseFrame_Started(t *testing.T) {
	f, err := xunfei.ParseFrame(xunfeitest.Started())
	require.NoError(t, err)

	assert.True(t, f.Handshake())
	assert.True(t, f.OK())
	assert.False(t, f.Failed())
}

func TestParseFrame_NumericCode(t *testing.T) {
	f, err := xunfei.ParseFrame([]byte(`{"action":"started","code":0,"data":null}`))
	require.NoError(t, err)
	assert.True(t, f.Handshake())

	f, err = xunfei.ParseFrame([]byte(`{"action":"result","code":10110,"message":"licence exhausted"}`))
	require.NoError(t, err)
	assert.True(t, f.Failed())
	assert.Equal(t, "licence exhausted", f.Reason())
}

func TestParseFrame_Malformed(t *testing.T) {
	_, err := xunfei.ParseFrame([]byte(`{"action":`))
	assert.ErrorIs(t, err, xunfei.ErrParse)
}

func TestFrame_Reason(t *testing.T) {
	f, err := xunfei.ParseFrame(xunfeitest.Error("10800", "over max connect limit"))
	require.NoError(t, err)
	assert.True(t, f.Failed())
	assert.Equal(t, "over max connect limit", f.Reason())

	f, err = xunfei.ParseFrame([]byte(`{"action":"error","code":"37005"}`))
	require.NoError(t, err)
	assert.Equal(t, "code=37005", f.Reason())
}

func TestFrame_Segment(t *testing.T) {
	f, err := xunfei.ParseFrame(xunfeitest.Result(false, "你", "好"))
	require.NoError(t, err)

	seg, err := f.Segment()
	require.NoError(t, err)
	assert.False(t, seg.Final())
	assert.Equal(t, []string{"你", "好"}, seg.Words)
	assert.Equal(t, "你好", seg.Text())

	f, err = xunfei.ParseFrame(xunfeitest.Result(true, "世界", "。"))
	require.NoError(t, err)
	seg, err = f.Segment()
	require.NoError(t, err)
	assert.True(t, seg.Final())
	assert.Equal(t, "世界。", seg.Text())
}

func TestFrame_SegmentNumericType(t *testing.T) {
	raw := `{"action":"result","code":"0","data":"{\"cn\":{\"st\":{\"type\":0,\"rt\":[{\"ws\":[{\"cw\":[{\"w\":\"好\"}]}]}]}}}"}`
	f, err := xunfei.ParseFrame([]byte(raw))
	require.NoError(t, err)

	seg, err := f.Segment()
	require.NoError(t, err)
	assert.True(t, seg.Final())
	assert.Equal(t, "好", seg.Text())
}

func TestFrame_SegmentEmptyAndBroken(t *testing.T) {
	f, err := xunfei.ParseFrame([]byte(`{"action":"result","code":"0","data":""}`))
	require.NoError(t, err)
	seg, err := f.Segment()
	require.NoError(t, err)
	assert.Empty(t, seg.Text())

	f, err = xunfei.ParseFrame([]byte(`{"action":"result","code":"0","data":"{not json"}`))
	require.NoError(t, err)
	_, err = f.Segment()
	assert.ErrorIs(t, err, xunfei.ErrParse)
}

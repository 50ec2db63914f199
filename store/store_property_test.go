package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func optionalString(rt *rapid.T, label string) *string {
	if !rapid.Bool().Draw(rt, label+"_present") {
		return nil
	}
	s := rapid.StringMatching(`[ -~\n\t]{0,64}`).Draw(rt, label)
	return &s
}

func drawResult(rt *rapid.T, version string) Result {
	r := Result{
		Version:     version,
		Code:        optionalString(rt, "code"),
		Error:       optionalString(rt, "error"),
		StartedAtMs: rapid.Int64Range(0, 1<<40).Draw(rt, "started_at"),
		EndedAtMs:   rapid.Int64Range(0, 1<<40).Draw(rt, "ended_at"),
	}
	if rapid.Bool().Draw(rt, "has_content") {
		mime := rapid.SampledFrom([]string{"model/gltf-binary", "application/octet-stream"}).Draw(rt, "mime")
		r.MimeType = &mime
		r.Blob = rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "blob")
		if r.Blob == nil {
			r.Blob = []byte{}
		}
	}
	return r
}

// 任意合法输入写入后读取得到相同字段
func TestProperty_AddResult_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := 0

	rapid.Check(t, func(rt *rapid.T) {
		n++
		taskID := fmt.Sprintf("task-%d", n)
		version := rapid.StringMatching(`[a-z0-9.\-]{1,12}`).Draw(rt, "version")
		in := drawResult(rt, version)

		id, err := s.AddResult(ctx, Task{ID: taskID, Name: "n"}, in)
		require.NoError(rt, err)

		got, err := s.GetResult(ctx, taskID, version)
		require.NoError(rt, err)
		require.NotNil(rt, got)

		assert.Equal(rt, id, got.ID)
		assert.Equal(rt, in.Code, got.Code)
		assert.Equal(rt, in.Error, got.Error)
		assert.Equal(rt, in.MimeType, got.MimeType)
		assert.Equal(rt, in.Blob, got.Blob)
		// assert.Equal treats nil and empty byte slices alike
		assert.Equal(rt, in.MimeType == nil, got.Blob == nil)
		assert.Equal(rt, in.StartedAtMs, got.StartedAtMs)
		assert.Equal(rt, in.EndedAtMs, got.EndedAtMs)
	})
}

// 同一 key 的两次写入只留下一行，且后写者胜出
func TestProperty_AddResult_UpsertLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := 0

	rapid.Check(t, func(rt *rapid.T) {
		n++
		taskID := fmt.Sprintf("upsert-%d", n)
		first := drawResult(rt, "v1")
		second := drawResult(rt, "v1")

		id1, err := s.AddResult(ctx, Task{ID: taskID, Name: "n"}, first)
		require.NoError(rt, err)
		id2, err := s.AddResult(ctx, Task{ID: taskID, Name: "n"}, second)
		require.NoError(rt, err)
		assert.Equal(rt, id1, id2)

		detail, err := s.GetTask(ctx, taskID)
		require.NoError(rt, err)
		require.Len(rt, detail.Results, 1)

		got, err := s.GetResult(ctx, taskID, "v1")
		require.NoError(rt, err)
		assert.Equal(rt, second.Code, got.Code)
		assert.Equal(rt, second.Error, got.Error)
		assert.Equal(rt, second.Blob, got.Blob)
	})
}

// 最新版本始终是 started_at 最大（相同则最后写入）的那个
func TestProperty_GetLatestVersion_MaxRecency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := 0

	rapid.Check(t, func(rt *rapid.T) {
		n++
		taskID := fmt.Sprintf("latest-%d", n)
		count := rapid.IntRange(1, 8).Draw(rt, "count")

		var wantVersion string
		var wantStarted int64 = -1
		for i := 0; i < count; i++ {
			version := fmt.Sprintf("v%d", i)
			started := rapid.Int64Range(0, 5).Draw(rt, "started")
			_, err := s.AddResult(ctx, Task{ID: taskID, Name: "n"}, Result{Version: version, StartedAtMs: started})
			require.NoError(rt, err)
			if started >= wantStarted {
				wantStarted = started
				wantVersion = version
			}
		}

		got, err := s.GetLatestVersion(ctx, taskID)
		require.NoError(rt, err)
		assert.Equal(rt, wantVersion, got)
	})
}

// mime_type 与 blob 只有一个为空时总是被拒绝
func TestProperty_AddResult_RejectsHalfContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		r := Result{Version: "v1"}
		if rapid.Bool().Draw(rt, "mime_only") {
			mime := rapid.String().Draw(rt, "mime")
			r.MimeType = &mime
		} else {
			r.Blob = rapid.SliceOf(rapid.Byte()).Draw(rt, "blob")
			if r.Blob == nil {
				r.Blob = []byte{}
			}
		}

		_, err := s.AddResult(ctx, Task{ID: "half", Name: "n"}, r)
		assert.ErrorIs(rt, err, ErrInvalidResult)
	})

	detail, err := s.GetTask(ctx, "half")
	require.NoError(t, err)
	assert.Nil(t, detail)
}

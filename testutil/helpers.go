// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 上下文、轮询等待与 GLB 资产断言。
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	o, ok := testutil.WaitForChannel(task.Run(ctx), 5*time.Second)
//	doc := testutil.RequireGLB(t, o.Asset)
//
// =============================================================================
package testutil

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/qmuntal/gltf"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回 30 秒超时的测试上下文
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// ⏱️ 等待辅助
// =============================================================================

const pollInterval = 10 * time.Millisecond

// WaitFor 轮询 condition 直到为真或超时，超时后再判断一次
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(pollInterval)
	}
	return condition()
}

// AssertEventuallyTrue 断言条件在 timeout 内变为真
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	if !WaitFor(condition, timeout) {
		t.Errorf("condition did not become true within %v", timeout)
	}
}

// WaitForChannel 等待通道接收或超时。通道关闭时返回零值和 true。
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🧊 资产断言
// =============================================================================

// RequireGLB 解码二进制 glTF 并返回文档，任何解码错误都会终止测试
func RequireGLB(t *testing.T, data []byte) *gltf.Document {
	t.Helper()
	if len(data) < 12 || !bytes.HasPrefix(data, []byte("glTF")) {
		t.Fatalf("not a GLB container (%d bytes)", len(data))
	}
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		t.Fatalf("decode GLB: %v", err)
	}
	return doc
}

// RequireMeshCount 断言 GLB 中的网格数量
func RequireMeshCount(t *testing.T, data []byte, want int) {
	t.Helper()
	doc := RequireGLB(t, data)
	if got := len(doc.Meshes); got != want {
		t.Fatalf("GLB has %d meshes, want %d", got, want)
	}
}

package stream

import "context"

// Stream 归一化块的只读通道。生产方负责在结束时关闭通道。
type Stream = <-chan Chunk

// Emit 向通道发送一个块，调用方取消时返回 false。
// 生产方收到 false 后应立即停止发送并退出。
func Emit(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- c:
		return true
	}
}

// Package hrv 心率变异性估计：RR 间期环形窗口、SDNN 与变异指数
package hrv

import "math"

// DefaultWindowCapacity RR 窗口默认容量
const DefaultWindowCapacity = 60

// RRWindow 固定容量 FIFO，溢出时淘汰最旧样本
// 非并发安全，由采集客户端独占
type RRWindow struct {
	buf   []float64
	start int
	size  int
}

// NewRRWindow 创建窗口，capacity <= 0 时使用默认容量
func NewRRWindow(capacity int) *RRWindow {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}
	return &RRWindow{buf: make([]float64, capacity)}
}

// Push 追加样本
func (w *RRWindow) Push(ms ...float64) {
	for _, v := range ms {
		if w.size < len(w.buf) {
			w.buf[(w.start+w.size)%len(w.buf)] = v
			w.size++
			continue
		}
		w.buf[w.start] = v
		w.start = (w.start + 1) % len(w.buf)
	}
}

// Len 当前样本数
func (w *RRWindow) Len() int { return w.size }

// Cap 容量
func (w *RRWindow) Cap() int { return len(w.buf) }

// Values 按从旧到新返回样本副本
func (w *RRWindow) Values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Reset 清空窗口
func (w *RRWindow) Reset() {
	w.start, w.size = 0, 0
}

// ComputeSDNN 总体标准差（ms）；少于 2 个样本时无定义
func ComputeSDNN(rr []float64) (float64, bool) {
	if len(rr) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range rr {
		sum += v
	}
	mean := sum / float64(len(rr))

	var variance float64
	for _, v := range rr {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(rr))
	return math.Sqrt(variance), true
}

// ComputeVariabilityIndex sdnn / 5 保留一位小数
func ComputeVariabilityIndex(sdnn float64, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	return math.Round(sdnn/5.0*10) / 10, true
}

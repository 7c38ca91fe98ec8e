package stream

import (
	"time"

	"pulsenet-engine/internal/models"
)

// Window 每设备滑动样本窗口
// 按时间升序保存，按 (指标, 时间戳) 去重，只保留最近 duration 内的样本
type Window struct {
	duration time.Duration
	samples  []models.VitalsSample
}

// NewWindow 创建滑动窗口
func NewWindow(duration time.Duration) *Window {
	return &Window{duration: duration}
}

// Add 写入样本；重复样本（同指标同时间戳）返回 false
func (w *Window) Add(sample models.VitalsSample) bool {
	// 找插入位置（样本通常按序到达，从尾部回扫）
	// 等时间戳的其他指标样本要继续往前扫，去重才能覆盖整段同时间戳区间
	pos := len(w.samples)
	for pos > 0 {
		prev := w.samples[pos-1]
		if prev.Timestamp.Before(sample.Timestamp) {
			break
		}
		if prev.Timestamp.Equal(sample.Timestamp) && prev.MetricKind == sample.MetricKind {
			return false
		}
		pos--
	}

	w.samples = append(w.samples, models.VitalsSample{})
	copy(w.samples[pos+1:], w.samples[pos:])
	w.samples[pos] = sample

	w.evict()
	return true
}

// evict 淘汰窗口外的旧样本
func (w *Window) evict() {
	if len(w.samples) == 0 {
		return
	}
	cutoff := w.samples[len(w.samples)-1].Timestamp.Add(-w.duration)
	idx := 0
	for idx < len(w.samples) && w.samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.samples = append(w.samples[:0], w.samples[idx:]...)
	}
}

// Samples 当前窗口内容（拷贝，调用方可安全持有）
func (w *Window) Samples() []models.VitalsSample {
	out := make([]models.VitalsSample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Latest 最新样本
func (w *Window) Latest() (models.VitalsSample, bool) {
	if len(w.samples) == 0 {
		return models.VitalsSample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Len 窗口内样本数
func (w *Window) Len() int {
	return len(w.samples)
}

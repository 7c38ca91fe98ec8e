package scorer

import (
	"pulsenet-engine/internal/models"
)

// SustainedElevationScorer 持续升高规则打分器（参考实现）
// 规则：心率类指标相对基线超阈，且连续超阈时长达到 SustainedDuration 才判异常；
// 单样本尖峰不触发，避免瞬时噪声误报。
type SustainedElevationScorer struct {
	baselineBPM       float64
	thresholdRatio    float64
	minWindow         float64 // 最短覆盖时长（秒）
	sustainedDuration float64 // 连续超阈最短时长（秒）
}

// NewSustainedElevationScorer 创建持续升高打分器
// minWindowSec 为窗口最短覆盖时长，sustainedSec 为连续超阈最短时长
func NewSustainedElevationScorer(baselineBPM, thresholdRatio float64, minWindowSec, sustainedSec float64) *SustainedElevationScorer {
	return &SustainedElevationScorer{
		baselineBPM:       baselineBPM,
		thresholdRatio:    thresholdRatio,
		minWindow:         minWindowSec,
		sustainedDuration: sustainedSec,
	}
}

// Threshold 触发阈值（基线 × 倍率）
func (s *SustainedElevationScorer) Threshold() float64 {
	return s.baselineBPM * s.thresholdRatio
}

// Recovered 判断单个样本是否已回落到阈值以下（复测确认用）
func (s *SustainedElevationScorer) Recovered(sample models.VitalsSample) bool {
	if !heartRateKind(sample.MetricKind) {
		return false
	}
	return sample.Value < s.Threshold()
}

// Score 评估样本窗口
func (s *SustainedElevationScorer) Score(window []models.VitalsSample) Result {
	if len(window) == 0 {
		return Result{}
	}

	// 窗口覆盖不足最短时长：引导期不出误报
	coverage := window[len(window)-1].Timestamp.Sub(window[0].Timestamp).Seconds()
	if coverage < s.minWindow {
		return Result{}
	}

	threshold := s.Threshold()

	// 找出以最新样本为结尾的连续超阈段（中途任一心率类样本回落即中断）
	runStart := -1
	var runSum float64
	var runCount int
	var kind models.MetricKind
	for i := len(window) - 1; i >= 0; i-- {
		sample := window[i]
		if !heartRateKind(sample.MetricKind) {
			continue
		}
		if sample.Value < threshold {
			break
		}
		runStart = i
		runSum += sample.Value
		runCount++
		kind = sample.MetricKind
	}

	if runStart < 0 || runCount == 0 {
		return Result{}
	}

	// 最新样本本身必须超阈（中间有其他指标样本时 runStart 指向段首）
	last := window[len(window)-1]
	if heartRateKind(last.MetricKind) && last.Value < threshold {
		return Result{}
	}

	runDuration := window[len(window)-1].Timestamp.Sub(window[runStart].Timestamp).Seconds()
	if runDuration < s.sustainedDuration {
		return Result{}
	}

	// 分数：0.5 起步，超出阈值 50% 时封顶 1.0
	avg := runSum / float64(runCount)
	excess := avg/threshold - 1
	score := 0.5 + excess
	if score > 1 {
		score = 1
	}

	return Result{
		IsAnomalous: true,
		Score:       score,
		Kind:        kind,
	}
}

// heartRateKind 心率类指标（穿戴心率 + 摄像头脉搏）
func heartRateKind(kind models.MetricKind) bool {
	return kind == models.MetricHeartRate || kind == models.MetricPulse
}

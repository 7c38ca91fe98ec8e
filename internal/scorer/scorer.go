package scorer

import (
	"pulsenet-engine/internal/models"
)

// Result 异常评分结果
type Result struct {
	IsAnomalous bool              `json:"is_anomalous"`
	Score       float64           `json:"score"` // [0,1]
	Kind        models.MetricKind `json:"kind"`
}

// Scorer 异常打分器
// 契约：输入为单台设备按时间升序、按时间戳去重的样本窗口；
// 必须是窗口内容的纯函数（无隐藏状态），以便独立测试和替换实现。
// 窗口覆盖时长不足最短覆盖时必须返回 IsAnomalous=false（稀疏数据不出误报）。
type Scorer interface {
	Score(window []models.VitalsSample) Result
}

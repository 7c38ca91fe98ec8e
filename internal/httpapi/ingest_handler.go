package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"pulsenet-engine/internal/consumer"
	"pulsenet-engine/internal/models"
)

// IngestHandler 体征样本批量接入 Handler
// 与 MQTT 接入走同一条检测流水线
type IngestHandler struct {
	ingestor consumer.Ingestor
	logger   *zap.Logger
}

// NewIngestHandler 创建接入 Handler
func NewIngestHandler(ingestor consumer.Ingestor, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		ingestor: ingestor,
		logger:   logger,
	}
}

// ingestRequest POST /health_data/ingest 请求体
type ingestRequest struct {
	Samples []struct {
		DeviceID   string  `json:"device_id"`
		UserID     string  `json:"user_id"`
		ZoneID     string  `json:"zone_id"`
		MetricKind string  `json:"metric_kind"`
		Value      float64 `json:"value"`
		Timestamp  string  `json:"timestamp"` // ISO-8601
	} `json:"samples"`
}

type ingestResult struct {
	Accepted int              `json:"accepted"`
	Rejected int              `json:"rejected"`
	Errors   []map[string]any `json:"errors,omitempty"`
}

// Ingest 批量写入体征样本
// 整体请求格式错误返回 400；单条非法只计入 rejected，不中断批次
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := readBodyJSON(r, 4<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "invalid request body")
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidBody, "samples must not be empty")
		return
	}

	res := ingestResult{}
	for i, s := range req.Samples {
		ts, err := time.Parse(time.RFC3339, s.Timestamp)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, map[string]any{
				"index":  i,
				"reason": "timestamp must be ISO-8601",
			})
			continue
		}

		sample := models.VitalsSample{
			DeviceID:   s.DeviceID,
			UserID:     s.UserID,
			MetricKind: models.MetricKind(s.MetricKind),
			Value:      s.Value,
			Timestamp:  ts,
		}
		if err := h.ingestor.Ingest(sample, s.ZoneID); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, map[string]any{
				"index":  i,
				"reason": err.Error(),
			})
			continue
		}
		res.Accepted++
	}

	h.logger.Debug("Ingested samples via HTTP",
		zap.Int("accepted", res.Accepted),
		zap.Int("rejected", res.Rejected),
	)
	writeJSON(w, http.StatusOK, res)
}

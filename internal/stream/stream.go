package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pulsenet-engine/internal/clock"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/models"

	"go.uber.org/zap"
)

// ErrInvalidSample 样本校验失败（ValidationError：本地拒绝，不进入状态机）
var ErrInvalidSample = errors.New("invalid vitals sample")

// DefaultZone 未指定 zone 的设备归属的兜底区域
const DefaultZone = "default"

// 体征值合法区间（按指标单位：bpm / ms / 次每分钟）
const (
	minVitalsValue = 0
	maxVitalsValue = 500
)

// Handler 窗口更新回调
// 在设备所属通道上调用（单设备全序），window 为窗口内容拷贝
type Handler interface {
	HandleSample(device models.Device, sample models.VitalsSample, window []models.VitalsSample)
}

// Stream 体征流：样本归一化、设备注册表、每设备滑动窗口与串行派发
type Stream struct {
	cfg     *config.Config
	logger  *zap.Logger
	clk     clock.Clock
	lanes   *Lanes
	handler Handler

	mu      sync.Mutex
	windows map[string]*Window
	devices map[string]*models.Device
}

// NewStream 创建体征流
func NewStream(cfg *config.Config, clk clock.Clock, handler Handler, logger *zap.Logger) *Stream {
	return &Stream{
		cfg:     cfg,
		logger:  logger,
		clk:     clk,
		lanes:   NewLanes(cfg.Engine.Lanes.Count, cfg.Engine.Lanes.QueueSize, logger),
		handler: handler,
		windows: make(map[string]*Window),
		devices: make(map[string]*models.Device),
	}
}

// Validate 样本校验
func Validate(sample models.VitalsSample) error {
	if sample.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidSample)
	}
	if sample.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidSample)
	}
	if !sample.MetricKind.Valid() {
		return fmt.Errorf("%w: unknown metric_kind %q", ErrInvalidSample, sample.MetricKind)
	}
	if sample.Value < minVitalsValue || sample.Value > maxVitalsValue {
		return fmt.Errorf("%w: value %.1f out of range", ErrInvalidSample, sample.Value)
	}
	if sample.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidSample)
	}
	return nil
}

// Ingest 接收一条样本
// 校验后派发到设备所属通道：更新注册表与窗口，再调用 Handler。
// zoneID 非空时更新设备的 zone 归属（geofence 重新进入）。
func (s *Stream) Ingest(sample models.VitalsSample, zoneID string) error {
	if err := Validate(sample); err != nil {
		return err
	}

	return s.lanes.Submit(sample.DeviceID, func() {
		device := s.upsertDevice(sample, zoneID)
		window := s.windowFor(sample.DeviceID)

		if !window.Add(sample) {
			// 重复样本（同指标同时间戳）：静默丢弃
			s.logger.Debug("Duplicate sample dropped",
				zap.String("device_id", sample.DeviceID),
				zap.String("metric_kind", string(sample.MetricKind)),
				zap.Time("timestamp", sample.Timestamp),
			)
			return
		}

		s.handler.HandleSample(device, sample, window.Samples())
	})
}

// upsertDevice 更新设备注册表（lastSeenAt 与 zone 归属）
func (s *Stream) upsertDevice(sample models.VitalsSample, zoneID string) models.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[sample.DeviceID]
	if !ok {
		device = &models.Device{
			DeviceID: sample.DeviceID,
			UserID:   sample.UserID,
			ZoneID:   DefaultZone,
		}
		s.devices[sample.DeviceID] = device
	}
	if zoneID != "" {
		device.ZoneID = zoneID
	}
	device.UserID = sample.UserID
	device.LastSeenAt = s.clk.Now()
	return *device
}

// windowFor 取设备窗口（不存在则创建）
func (s *Stream) windowFor(deviceID string) *Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[deviceID]
	if !ok {
		w = NewWindow(s.cfg.Engine.Window.Duration)
		s.windows[deviceID] = w
	}
	return w
}

// Submit 在设备所属通道上执行任务（定时回调等需要设备全序的操作复用此入口）
func (s *Stream) Submit(deviceID string, fn func()) error {
	return s.lanes.Submit(deviceID, fn)
}

// Device 查询设备
func (s *Stream) Device(deviceID string) (models.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return models.Device{}, false
	}
	return *device, true
}

// LastSeen 设备最近一次上报时间（社区聚合的失联淘汰用）
func (s *Stream) LastSeen(deviceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return device.LastSeenAt, true
}

// DeviceCount 注册设备总数
func (s *Stream) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// Stop 排空所有通道后停止
func (s *Stream) Stop() {
	s.lanes.Stop()
}

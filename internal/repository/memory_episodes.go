package repository

import (
	"sort"
	"sync"

	"pulsenet-engine/internal/models"
)

// MemoryEpisodeRepository 内存情节仓库（单机部署与测试用）
type MemoryEpisodeRepository struct {
	mu       sync.RWMutex
	episodes map[string]*models.Episode
}

// NewMemoryEpisodeRepository 创建内存情节仓库
func NewMemoryEpisodeRepository() *MemoryEpisodeRepository {
	return &MemoryEpisodeRepository{
		episodes: make(map[string]*models.Episode),
	}
}

// CreateEpisode 写入新情节
func (r *MemoryEpisodeRepository) CreateEpisode(ep *models.Episode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := *ep
	r.episodes[ep.EpisodeID] = &snapshot
	return nil
}

// UpdateEpisode 更新情节
func (r *MemoryEpisodeRepository) UpdateEpisode(ep *models.Episode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.episodes[ep.EpisodeID]; !ok {
		return ErrNotFound
	}
	snapshot := *ep
	if ep.Resolution != nil {
		resolution := *ep.Resolution
		snapshot.Resolution = &resolution
	}
	r.episodes[ep.EpisodeID] = &snapshot
	return nil
}

// GetEpisode 获取情节
func (r *MemoryEpisodeRepository) GetEpisode(episodeID string) (*models.Episode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.episodes[episodeID]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *ep
	return &snapshot, nil
}

// ListEpisodesByUser 查询用户情节历史（按开启时间倒序）
func (r *MemoryEpisodeRepository) ListEpisodesByUser(userID string, limit int, stage models.EpisodeStage) ([]*models.Episode, error) {
	if limit <= 0 {
		limit = 20
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var episodes []*models.Episode
	for _, ep := range r.episodes {
		if ep.UserID != userID {
			continue
		}
		if stage != "" && ep.Stage != stage {
			continue
		}
		snapshot := *ep
		episodes = append(episodes, &snapshot)
	}

	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].OpenedAt.After(episodes[j].OpenedAt)
	})
	if len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, nil
}

package storage

import (
	"context"

	"cv-pipeline-go/internal/logger"
)

// LegalHoldChecker 法律保留状态查询，Redis缓存 + MySQL回源。
// cache为nil时退化为直接查库。
type LegalHoldChecker struct {
	db    *MySQL
	cache *Redis
}

// NewLegalHoldChecker 创建法律保留查询器
func NewLegalHoldChecker(db *MySQL, cache *Redis) *LegalHoldChecker {
	return &LegalHoldChecker{db: db, cache: cache}
}

// IsLegalHold 判断顾问是否处于法律保留状态。
// 没有同意记录视为无保留。缓存读写失败不阻断查询，只记录告警。
func (c *LegalHoldChecker) IsLegalHold(ctx context.Context, consultantID string) (bool, error) {
	if c.cache != nil {
		active, hit, err := c.cache.GetCachedLegalHold(ctx, consultantID)
		if err != nil {
			logger.Warn().Err(err).Str("consultant_id", consultantID).Msg("读取法律保留缓存失败，回源查库")
		} else if hit {
			return active, nil
		}
	}

	consent, err := c.db.GetConsent(ctx, consultantID)
	if err != nil {
		return false, err
	}
	active := consent != nil && consent.LegalHoldActive

	if c.cache != nil {
		if err := c.cache.SetCachedLegalHold(ctx, consultantID, active); err != nil {
			logger.Warn().Err(err).Str("consultant_id", consultantID).Msg("写入法律保留缓存失败")
		}
	}
	return active, nil
}

package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

// CachedScheduleSource keeps weekly templates in memory for ttl. Templates
// change rarely and every availability query needs them. Template edits made
// in the database show up once the cached entry expires. Exceptions are
// always read through.
type CachedScheduleSource struct {
	next  ScheduleSource
	cache *cache.Cache
}

func NewCachedScheduleSource(next ScheduleSource, ttl time.Duration) *CachedScheduleSource {
	return &CachedScheduleSource{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedScheduleSource) ListWeeklySchedule(ctx context.Context, practitionerID uuid.UUID) ([]schedule.WeeklyScheduleEntry, error) {
	key := practitionerID.String()
	if v, ok := c.cache.Get(key); ok {
		return v.([]schedule.WeeklyScheduleEntry), nil
	}
	entries, err := c.next.ListWeeklySchedule(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, entries)
	return entries, nil
}

func (c *CachedScheduleSource) ListScheduleExceptions(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]schedule.ScheduleException, error) {
	return c.next.ListScheduleExceptions(ctx, practitionerID, from, to)
}

package normalizer

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultSubjectTTL bounds how long a group subject is reused.
const DefaultSubjectTTL = 5 * time.Minute

// SubjectFetcher looks up a group's display subject on the network.
type SubjectFetcher interface {
	GroupSubject(ctx context.Context, jid string) (string, error)
}

// GroupSubjects caches group subjects with a TTL. Concurrent misses for the
// same group share one lookup.
type GroupSubjects struct {
	fetcher SubjectFetcher
	cache   *cache.Cache
	group   singleflight.Group
	logger  *zap.Logger
}

// NewGroupSubjects returns a cache in front of fetcher.
func NewGroupSubjects(fetcher SubjectFetcher, ttl time.Duration, logger *zap.Logger) *GroupSubjects {
	if ttl <= 0 {
		ttl = DefaultSubjectTTL
	}
	return &GroupSubjects{
		fetcher: fetcher,
		cache:   cache.New(ttl, 2*ttl),
		logger:  logger.Named("group_subjects"),
	}
}

// Subject returns the cached or fetched subject. Lookup failures are logged
// and yield nil.
func (g *GroupSubjects) Subject(ctx context.Context, jid string) *string {
	if g == nil || g.fetcher == nil {
		return nil
	}
	jid = NormalizeWaID(jid)
	if v, ok := g.cache.Get(jid); ok {
		subject := v.(string)
		return &subject
	}
	v, err, _ := g.group.Do(jid, func() (interface{}, error) {
		subject, err := g.fetcher.GroupSubject(ctx, jid)
		if err != nil {
			return "", err
		}
		g.cache.SetDefault(jid, subject)
		return subject, nil
	})
	if err != nil {
		g.logger.Warn("failed to fetch group subject", zap.String("group_wa_id", jid), zap.Error(err))
		return nil
	}
	subject := v.(string)
	return &subject
}

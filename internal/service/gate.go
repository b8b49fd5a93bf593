package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campushub/chatcore/internal/model"
	"github.com/campushub/chatcore/internal/repository"
	logger "github.com/campushub/chatcore/middleware/log"
)

// MembershipCache is the optional redis front for membership lookups.
type MembershipCache interface {
	CacheMembership(ctx context.Context, scope model.ChannelScope, userID string, isMember bool, ttl time.Duration) error
	CachedMembership(ctx context.Context, scope model.ChannelScope, userID string) (isMember, found bool, err error)
}

// IAuthorizationGate answers "may this user write to this channel
// scope". Pure read against the externally owned membership set; called
// before every mutating operation. A denial is terminal.
type IAuthorizationGate interface {
	Authorize(ctx context.Context, userID string, scope model.ChannelScope) error
}

// MembershipGate checks the cache first, then the membership table. Each
// check is bounded by a timeout; a backend failure or timeout surfaces
// as a denial rather than a hang.
type MembershipGate struct {
	members repository.IMembershipRepository
	cache   MembershipCache
	ttl     time.Duration
	timeout time.Duration
	log     *logger.Logger
}

func NewMembershipGate(members repository.IMembershipRepository, cache MembershipCache, ttl, timeout time.Duration, log *logger.Logger) *MembershipGate {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MembershipGate{
		members: members,
		cache:   cache,
		ttl:     ttl,
		timeout: timeout,
		log:     log,
	}
}

func (g *MembershipGate) Authorize(ctx context.Context, userID string, scope model.ChannelScope) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.cache != nil {
		isMember, found, err := g.cache.CachedMembership(ctx, scope, userID)
		if err != nil {
			g.log.WarnContext(ctx, "membership cache read failed", zap.Error(err))
		} else if found {
			if !isMember {
				return ErrPermissionDenied
			}
			return nil
		}
	}

	isMember, err := g.members.IsMember(ctx, userID, scope)
	if err != nil {
		return fmt.Errorf("%w: membership check failed: %v", ErrPermissionDenied, err)
	}

	if g.cache != nil {
		if err := g.cache.CacheMembership(ctx, scope, userID, isMember, g.ttl); err != nil {
			g.log.WarnContext(ctx, "membership cache write failed", zap.Error(err))
		}
	}

	if !isMember {
		return ErrPermissionDenied
	}
	return nil
}

var _ IAuthorizationGate = (*MembershipGate)(nil)

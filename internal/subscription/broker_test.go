package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campushub/chatcore/internal/model"
	logger "github.com/campushub/chatcore/middleware/log"
)

// TestBroker_InboxOverflowMarksGapped fills a broker's inbox past
// capacity and checks that the run loop flags every subscriber for
// resync instead of losing the delta silently.
func TestBroker_InboxOverflowMarksGapped(t *testing.T) {
	scope := model.ChannelScope{ServerID: "srv-1", ChannelID: "chan-1"}
	b := &broker{
		scope:      scope,
		inbox:      make(chan any, 1),
		subs:       make(map[string]*Subscription),
		flushDelay: 20 * time.Millisecond,
		onExit:     func(*broker) {},
		log:        logger.NewNopLogger(),
	}
	sub := newSubscription(scope, 4)
	b.subs[sub.ID] = sub

	// Fill the inbox, then overflow it.
	require.True(t, b.enqueue(publishCmd{ev: createdEvent(scope, 1)}))
	require.True(t, b.offer(createdEvent(scope, 2)))
	require.False(t, sub.Gapped())

	go b.run()
	defer b.enqueue(stopCmd{})

	require.Eventually(t, sub.Gapped, time.Second, 5*time.Millisecond,
		"overflow should flag subscribers for resync")
	require.Equal(t, int64(1), recvEvent(t, sub).SeqID())
}

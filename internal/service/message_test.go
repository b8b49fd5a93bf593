package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campushub/chatcore/internal/model"
	"github.com/campushub/chatcore/internal/subscription"
)

var testScope = model.ChannelScope{ServerID: "srv-1", ChannelID: "chan-1"}

func sendReq(body string) SendMessageRequest {
	return SendMessageRequest{
		Scope:  testScope,
		Sender: Sender{ID: "user-1", Name: "Ada"},
		Body:   body,
	}
}

func TestMessageService_SendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("appends and publishes in order", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		first, err := h.messages.SendMessage(ctx, sendReq("hello"))
		require.NoError(t, err)
		second, err := h.messages.SendMessage(ctx, sendReq("world"))
		require.NoError(t, err)

		assert.Equal(t, int64(1), first.SeqID)
		assert.Equal(t, int64(2), second.SeqID)
		assert.NotEqual(t, first.ID, second.ID)

		events := h.pub.published(subscription.EventCreated)
		require.Len(t, events, 2)
		assert.Equal(t, first.SeqID, events[0].Version)
		assert.Equal(t, first.ID, events[0].Message.ID)
	})

	t.Run("non-member is denied with no side effects", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.messages.SendMessage(ctx, sendReq("hello"))
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Zero(t, h.repo.appendCount())
		assert.Empty(t, h.pub.published())
	})

	t.Run("rejects empty and whitespace-only bodies", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		for _, body := range []string{"", "   ", "\n\t "} {
			_, err := h.messages.SendMessage(ctx, sendReq(body))
			assert.ErrorIs(t, err, ErrValidation)
		}
		assert.Zero(t, h.repo.appendCount())
	})

	t.Run("trims surrounding whitespace", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		msg, err := h.messages.SendMessage(ctx, sendReq("  hello  "))
		require.NoError(t, err)
		assert.Equal(t, "hello", msg.Body)
	})

	t.Run("rejects an overlong body", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		long := make([]byte, maxBodyLength+1)
		for i := range long {
			long[i] = 'a'
		}
		_, err := h.messages.SendMessage(ctx, sendReq(string(long)))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("attachment-only message is valid", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		req := sendReq("")
		req.Attachment = &AttachmentUpload{
			Name:     "photo.png",
			MIMEType: "image/png",
			Payload:  []byte("pixels"),
		}
		msg, err := h.messages.SendMessage(ctx, req)
		require.NoError(t, err)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, model.AttachmentImage, msg.Attachments[0].Kind)
		assert.True(t, h.store.Has(msg.Attachments[0].BlobRef))
	})

	t.Run("oversized declared size never touches the store", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		req := sendReq("hi")
		req.Attachment = &AttachmentUpload{
			Name:         "big.bin",
			MIMEType:     "application/octet-stream",
			DeclaredSize: 2048,
		}
		_, err := h.messages.SendMessage(ctx, req)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, h.store.Len())
		assert.Zero(t, h.repo.appendCount())
	})

	t.Run("failed append deletes the uploaded blob", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)
		h.repo.appendErr = errors.New("connection reset")

		req := sendReq("hi")
		req.Attachment = &AttachmentUpload{
			Name:     "doc.pdf",
			MIMEType: "application/pdf",
			Payload:  []byte("doc"),
		}
		_, err := h.messages.SendMessage(ctx, req)
		require.Error(t, err)

		assert.Zero(t, h.store.Len(), "orphaned blob left behind")
		assert.Len(t, h.store.Deletes(), 1)
		assert.Empty(t, h.pub.published())
	})

	t.Run("reply to a missing parent fails with no side effects", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		req := sendReq("hi")
		req.ReplyTo = "no-such-message"
		_, err := h.messages.SendMessage(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidReference)
		assert.Zero(t, h.repo.appendCount())
	})

	t.Run("reply to a parent in another channel is rejected", func(t *testing.T) {
		h := newHarness(t)
		other := model.ChannelScope{ServerID: "srv-1", ChannelID: "chan-2"}
		h.gate.allow("user-1", testScope)
		h.gate.allow("user-1", other)

		parent, err := h.messages.SendMessage(ctx, SendMessageRequest{
			Scope:  other,
			Sender: Sender{ID: "user-1"},
			Body:   "elsewhere",
		})
		require.NoError(t, err)

		req := sendReq("hi")
		req.ReplyTo = parent.ID
		_, err = h.messages.SendMessage(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidReference)
	})

	t.Run("reply links the thread and announces it", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		parent, err := h.messages.SendMessage(ctx, sendReq("root"))
		require.NoError(t, err)

		req := sendReq("child")
		req.ReplyTo = parent.ID
		child, err := h.messages.SendMessage(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, child.ParentID)
		assert.Equal(t, parent.ID, *child.ParentID)

		stored, err := h.repo.FindByID(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{child.ID}, stored.Replies)

		events := h.pub.published(subscription.EventThreadUpdated)
		require.Len(t, events, 1)
		assert.Equal(t, parent.ID, events[0].ParentID)
		assert.Equal(t, child.ID, events[0].ChildID)
	})

	t.Run("concurrent replies all end up linked", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		parent, err := h.messages.SendMessage(ctx, sendReq("root"))
		require.NoError(t, err)

		const repliers = 10
		var wg sync.WaitGroup
		errs := make(chan error, repliers)
		for i := range repliers {
			wg.Go(func() {
				req := sendReq(fmt.Sprintf("reply %d", i))
				req.ReplyTo = parent.ID
				_, err := h.messages.SendMessage(ctx, req)
				errs <- err
			})
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		stored, err := h.repo.FindByID(ctx, parent.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Replies, repliers)

		thread, err := h.messages.Thread(ctx, parent.ID)
		require.NoError(t, err)
		assert.Len(t, thread, repliers+1)
	})

	t.Run("concurrent sends get unique contiguous sequence numbers", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		const senders = 20
		var wg sync.WaitGroup
		errs := make(chan error, senders)
		for i := range senders {
			wg.Go(func() {
				_, err := h.messages.SendMessage(ctx, sendReq(fmt.Sprintf("msg %d", i)))
				errs <- err
			})
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		messages, hasMore, err := h.messages.GetMessages(ctx, testScope, 0, 100)
		require.NoError(t, err)
		assert.False(t, hasMore)
		require.Len(t, messages, senders)
		for i, m := range messages {
			assert.Equal(t, int64(i+1), m.SeqID)
		}
	})
}

func TestMessageService_GetMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gate.allow("user-1", testScope)

	for i := range 5 {
		_, err := h.messages.SendMessage(ctx, sendReq(fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}

	t.Run("pages walk the ledger in order", func(t *testing.T) {
		var collected []*model.Message
		var afterSeq int64
		for {
			page, hasMore, err := h.messages.GetMessages(ctx, testScope, afterSeq, 2)
			require.NoError(t, err)
			collected = append(collected, page...)
			if !hasMore {
				break
			}
			afterSeq = page[len(page)-1].SeqID
		}

		require.Len(t, collected, 5)
		for i, m := range collected {
			assert.Equal(t, int64(i+1), m.SeqID)
		}
	})

	t.Run("cursor past the end returns an empty page", func(t *testing.T) {
		page, hasMore, err := h.messages.GetMessages(ctx, testScope, 100, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
		assert.False(t, hasMore)
	})

	t.Run("other scopes are empty", func(t *testing.T) {
		page, _, err := h.messages.GetMessages(ctx, model.ChannelScope{ServerID: "srv-9", ChannelID: "c"}, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestMessageService_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("non-member cannot subscribe", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.messages.Subscribe(ctx, "stranger", testScope)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Empty(t, h.hub.ActiveScopes())
	})

	t.Run("snapshot then live deltas", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		before, err := h.messages.SendMessage(ctx, sendReq("before"))
		require.NoError(t, err)

		sub, err := h.messages.Subscribe(ctx, "user-1", testScope)
		require.NoError(t, err)
		defer sub.Close()

		require.Len(t, sub.Snapshot, 1)
		assert.Equal(t, before.ID, sub.Snapshot[0].ID)

		after, err := h.messages.SendMessage(ctx, sendReq("after"))
		require.NoError(t, err)

		select {
		case ev := <-sub.Feed():
			assert.Equal(t, subscription.EventCreated, ev.Type)
			assert.Equal(t, after.ID, ev.Message.ID)
		case <-time.After(time.Second):
			t.Fatal("no delta delivered")
		}
	})

	t.Run("resync rereads the ledger and clears the gap", func(t *testing.T) {
		h := newHarness(t)
		h.gate.allow("user-1", testScope)

		sub, err := h.messages.Subscribe(ctx, "user-1", testScope)
		require.NoError(t, err)
		defer sub.Close()

		_, err = h.messages.SendMessage(ctx, sendReq("one"))
		require.NoError(t, err)

		snapshot, err := h.messages.Resync(ctx, sub)
		require.NoError(t, err)
		assert.Len(t, snapshot, 1)
		assert.False(t, sub.Gapped())
	})
}

func TestMessageService_Thread(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.gate.allow("user-1", testScope)

	send := func(body, replyTo string) *model.Message {
		req := sendReq(body)
		req.ReplyTo = replyTo
		msg, err := h.messages.SendMessage(ctx, req)
		require.NoError(t, err)
		return msg
	}

	root := send("root", "")
	childA := send("child a", root.ID)
	childB := send("child b", root.ID)
	grandchild := send("grandchild", childA.ID)

	t.Run("returns the thread breadth-first", func(t *testing.T) {
		thread, err := h.messages.Thread(ctx, root.ID)
		require.NoError(t, err)

		ids := make([]string, len(thread))
		for i, m := range thread {
			ids[i] = m.ID
		}
		assert.Equal(t, []string{root.ID, childA.ID, childB.ID, grandchild.ID}, ids)
	})

	t.Run("a subtree is its own thread", func(t *testing.T) {
		thread, err := h.messages.Thread(ctx, childA.ID)
		require.NoError(t, err)
		require.Len(t, thread, 2)
		assert.Equal(t, childA.ID, thread[0].ID)
		assert.Equal(t, grandchild.ID, thread[1].ID)
	})

	t.Run("unknown root is an invalid reference", func(t *testing.T) {
		_, err := h.messages.Thread(ctx, "no-such-message")
		assert.ErrorIs(t, err, ErrInvalidReference)
	})
}

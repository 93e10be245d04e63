// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
)

func event(storeID string, version int64) datatypes.Event {
	return datatypes.Event{
		ID:          datatypes.NewEventID(),
		EventType:   datatypes.EventDocumentTitleUpdated,
		AggregateID: storeID,
		Version:     version,
	}
}

func TestBroadcast_ReachesAllStoreSubscribers(t *testing.T) {
	h := New()
	a := h.Subscribe("store-1")
	b := h.Subscribe("store-1")
	other := h.Subscribe("store-2")
	defer h.CloseAll()

	h.Broadcast(event("store-1", 1))

	for _, sub := range []*Subscriber{a, b} {
		msg := <-sub.C
		assert.Equal(t, datatypes.MsgEvent, msg.Type)
		assert.Equal(t, "store-1", msg.StoreID)
		require.NotNil(t, msg.Event)
		assert.Equal(t, int64(1), msg.Event.Version)
	}
	assert.Empty(t, other.C, "other store must not receive the event")
}

func TestBroadcast_NoSubscribersIsNoOp(t *testing.T) {
	h := New()
	h.Broadcast(event("store-1", 1)) // must not panic or block
}

func TestBroadcast_PreservesVersionOrderPerSubscriber(t *testing.T) {
	h := New()
	sub := h.Subscribe("store-1")
	defer h.CloseAll()

	for v := int64(1); v <= 10; v++ {
		h.Broadcast(event("store-1", v))
	}
	for v := int64(1); v <= 10; v++ {
		msg := <-sub.C
		assert.Equal(t, v, msg.Event.Version)
	}
}

func TestBroadcast_DropsWhenSubscriberBufferFull(t *testing.T) {
	h := New(WithSendBuffer(2))
	slow := h.Subscribe("store-1")
	defer h.CloseAll()

	for v := int64(1); v <= 5; v++ {
		h.Broadcast(event("store-1", v))
	}

	// Only the first two fit; the rest were dropped, not blocked on.
	assert.Len(t, slow.C, 2)
	first := <-slow.C
	assert.Equal(t, int64(1), first.Event.Version)
}

func TestUnsubscribe_ClosesChannelAndIsIdempotent(t *testing.T) {
	h := New()
	sub := h.Subscribe("store-1")
	require.Equal(t, 1, h.SubscriberCount("store-1"))

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	assert.Equal(t, 0, h.SubscriberCount("store-1"))

	_, open := <-sub.C
	assert.False(t, open, "channel must be closed")

	// Broadcasting after unsubscribe must not deliver anywhere.
	h.Broadcast(event("store-1", 1))
}

func TestSubscribe_UniqueConnectionIDs(t *testing.T) {
	h := New()
	defer h.CloseAll()

	seen := map[string]bool{}
	for n := 0; n < 20; n++ {
		sub := h.Subscribe("store-1")
		assert.False(t, seen[sub.ID])
		seen[sub.ID] = true
	}
	assert.Equal(t, 20, h.SubscriberCount("store-1"))
}

func TestCloseAll(t *testing.T) {
	h := New()
	a := h.Subscribe("store-1")
	b := h.Subscribe("store-2")

	h.CloseAll()
	_, open := <-a.C
	assert.False(t, open)
	_, open = <-b.C
	assert.False(t, open)
	assert.Equal(t, 0, h.SubscriberCount("store-1"))
	assert.Equal(t, 0, h.SubscriberCount("store-2"))
}

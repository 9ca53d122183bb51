package chat

import (
	"cmp"
	"slices"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

// compareServer orders confirmed messages by server timestamp, ties broken
// by server id.
func compareServer(a, b model.ChatMessage) int {
	if c := cmp.Compare(a.ServerTimestamp, b.ServerTimestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ServerID, b.ServerID)
}

// Reconcile returns the visible order of a chat: confirmed messages by
// server position, then queued messages in the order they were generated.
// A queued message that also appears as confirmed (same local id) is shown
// once, at its confirmed position. Neither input is modified.
func Reconcile(queued, confirmed []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(queued)+len(confirmed))
	out = append(out, confirmed...)
	slices.SortStableFunc(out, compareServer)

	seen := make(map[string]struct{}, len(confirmed))
	for _, m := range confirmed {
		seen[m.LocalID] = struct{}{}
	}
	for _, m := range queued {
		if _, ok := seen[m.LocalID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// insertConfirmed places m into the sorted slice and returns it.
func insertConfirmed(list []model.ChatMessage, m model.ChatMessage) []model.ChatMessage {
	i, _ := slices.BinarySearchFunc(list, m, compareServer)
	return slices.Insert(list, i, m)
}

// Package fanout delivers values to many subscribers without letting a slow
// one block the publisher.
//
// Each subscriber gets a buffered channel. Publish never blocks: a
// subscriber whose buffer is full is removed and its channel closed, so the
// reader learns it fell behind instead of silently missing values. The
// gateway uses this to push live session events to connected peers; a peer
// that overflows reconnects and replays from its cursors.
package fanout

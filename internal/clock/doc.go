// Package clock abstracts timers so connection and RPC deadlines can be
// driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(start) and move time with
// Advance; AfterFunc callbacks registered on a fake clock run synchronously
// inside Advance, in deadline order.
package clock

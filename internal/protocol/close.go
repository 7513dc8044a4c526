// ABOUTME: WebSocket close codes used by the relay and their reason strings
// ABOUTME: Maps standard and application close codes to stable disconnect reasons

package protocol

import "strconv"

// Application close codes.
const (
	CloseAuthFailed   = 4101
	CloseMissingToken = 4102
	CloseAuthTimeout  = 4103
	ClosePingTimeout  = 4104
)

// Standard close codes the relay distinguishes.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseAbnormal      = 1006
	CloseInternalError = 1011
	CloseTryAgainLater = 1013
)

// Disconnect reasons that do not come from a close code.
const (
	ReasonManual       = "manual_disconnect"
	ReasonSlowConsumer = "slow_consumer"
)

var closeReasons = map[int]string{
	CloseNormal:        "normal_close",
	CloseGoingAway:     "going_away",
	CloseAbnormal:      "network_lost",
	CloseInternalError: "server_error",
	CloseAuthFailed:    "auth_failed",
	CloseMissingToken:  "missing_token",
	CloseAuthTimeout:   "auth_timeout",
	ClosePingTimeout:   "ping_timeout",
}

// CloseReason derives a disconnect reason from a close frame. A reason sent
// by the server wins over the code's name.
func CloseReason(code int, text string) string {
	if text != "" {
		return text
	}
	if r, ok := closeReasons[code]; ok {
		return r
	}
	return "ws_close_" + strconv.Itoa(code)
}

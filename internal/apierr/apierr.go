// Package apierr carries the error-code taxonomy shared by the socket
// gateway and the external game API, plus the JSON envelope both surfaces
// emit.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes. Each code has a fixed human message template; see Message.
const (
	CodeRoomNotFound      = "ROOM_NOT_FOUND"
	CodeRoomFull          = "ROOM_FULL"
	CodeRoomNotAvailable  = "ROOM_NOT_AVAILABLE"
	CodeInvalidPlayerName = "INVALID_PLAYER_NAME"
	CodeInvalidRoomCode   = "INVALID_ROOM_CODE"
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeWrongGameType     = "WRONG_GAME_TYPE"
	CodeWrongGameSession  = "WRONG_GAME_SESSION"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInvalidSession    = "INVALID_SESSION"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodeServerError       = "SERVER_ERROR"
	CodeRoomAbandonFailed = "ROOM_ABANDON_FAILED"
	CodeReturnAllFailed   = "RETURN_ALL_FAILED"
	CodeBulkUpdateFailed  = "BULK_UPDATE_FAILED"
	CodePlayerNotFound    = "PLAYER_NOT_FOUND"
	CodeNotHost           = "NOT_HOST"
	CodeGameNotAvailable  = "GAME_NOT_AVAILABLE"
	CodeNotEnoughPlayers  = "NOT_ENOUGH_PLAYERS"
)

var messages = map[string]string{
	CodeRoomNotFound:      "room not found",
	CodeRoomFull:          "room is full",
	CodeRoomNotAvailable:  "room is not accepting players",
	CodeInvalidPlayerName: "player name must be 2-32 characters",
	CodeInvalidRoomCode:   "room code must be 6 characters A-Z or 0-9",
	CodeValidation:        "request validation failed",
	CodeUnauthorized:      "authentication required",
	CodeForbidden:         "not allowed",
	CodeInvalidAPIKey:     "invalid or missing API key",
	CodeWrongGameType:     "API key does not match the room's game",
	CodeWrongGameSession:  "session was issued for a different game",
	CodeRateLimited:       "rate limit exceeded",
	CodeInvalidSession:    "session is invalid or expired",
	CodeDatabaseError:     "internal error",
	CodeServerError:       "internal error",
	CodeRoomAbandonFailed: "failed to abandon room",
	CodeReturnAllFailed:   "failed to return players to lobby",
	CodeBulkUpdateFailed:  "bulk status update failed",
	CodePlayerNotFound:    "player not found in room",
	CodeNotHost:           "only the host can do that",
	CodeGameNotAvailable:  "game is inactive or under maintenance",
	CodeNotEnoughPlayers:  "not enough connected players",
}

var httpStatus = map[string]int{
	CodeRoomNotFound:      http.StatusNotFound,
	CodeRoomFull:          http.StatusConflict,
	CodeRoomNotAvailable:  http.StatusConflict,
	CodeInvalidPlayerName: http.StatusBadRequest,
	CodeInvalidRoomCode:   http.StatusBadRequest,
	CodeValidation:        http.StatusBadRequest,
	CodeUnauthorized:      http.StatusUnauthorized,
	CodeForbidden:         http.StatusForbidden,
	CodeInvalidAPIKey:     http.StatusUnauthorized,
	CodeWrongGameType:     http.StatusForbidden,
	CodeWrongGameSession:  http.StatusForbidden,
	CodeRateLimited:       http.StatusTooManyRequests,
	CodeInvalidSession:    http.StatusUnauthorized,
	CodeDatabaseError:     http.StatusInternalServerError,
	CodeServerError:       http.StatusInternalServerError,
	CodeRoomAbandonFailed: http.StatusInternalServerError,
	CodeReturnAllFailed:   http.StatusInternalServerError,
	CodeBulkUpdateFailed:  http.StatusInternalServerError,
	CodePlayerNotFound:    http.StatusNotFound,
	CodeNotHost:           http.StatusForbidden,
	CodeGameNotAvailable:  http.StatusConflict,
	CodeNotEnoughPlayers:  http.StatusConflict,
}

// Error is a coded error. Details are optional structured context surfaced in
// the envelope; internal causes are wrapped and never serialized.
type Error struct {
	Code    string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, Message(e.Code))
}

func (e *Error) Unwrap() error { return e.cause }

// New returns a coded error with no cause.
func New(code string) *Error { return &Error{Code: code} }

// Newf returns a coded error wrapping an internal cause.
func Newf(code string, cause error) *Error { return &Error{Code: code, cause: cause} }

// WithDetails attaches structured detail to a coded error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Message returns the fixed human template for a code.
func Message(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeServerError]
}

// Code extracts the error code, defaulting to SERVER_ERROR for uncoded
// errors (persistence failures etc. are not surfaced in detail).
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServerError
}

// Status maps an error to its HTTP status.
func Status(err error) int {
	if s, ok := httpStatus[Code(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Envelope is the wire error format shared by socket and REST surfaces.
type Envelope struct {
	Success   bool                   `json:"success"`
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Timestamp string                 `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ToEnvelope builds the wire envelope for an error.
func ToEnvelope(err error) Envelope {
	code := Code(err)
	env := Envelope{
		Success:   false,
		Error:     Message(code),
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	var e *Error
	if errors.As(err, &e) {
		env.Details = e.Details
	}
	return env
}

// Write emits the envelope over HTTP with the mapped status.
func Write(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(err))
	_ = json.NewEncoder(w).Encode(ToEnvelope(err))
}

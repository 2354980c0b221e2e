// Package ipc implements the local command channels used by the presentation layer. Every
// channel answers HTTP 200; the status field of the body carries the outcome.
package ipc

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/displaything/desktopthing/internal/credential"
	"github.com/displaything/desktopthing/internal/logging"
	"github.com/displaything/desktopthing/internal/player"
	"github.com/gin-gonic/gin"
)

const msgInvalidRequest = "Invalid request body."

// Player is the remote-control surface behind the channels.
type Player interface {
	SetVolume(ctx context.Context, percent int) player.Result
	SeekTo(ctx context.Context, ms int64) player.Result
	Skip(ctx context.Context, direction string) player.Result
	Shuffle(ctx context.Context, state bool) player.Result
	PlayPause(ctx context.Context, play bool, positionMs int64) player.Result
	Repeat(ctx context.Context, state string) player.Result
	GetCurrentPlayerData(ctx context.Context) player.PlayerData
}

// Schedule reports the pending token refresh.
type Schedule interface {
	NextRefresh() (time.Time, bool)
}

// Handler serves the IPC channels.
type Handler struct {
	player   Player
	store    credential.Store
	schedule Schedule
}

// NewHandler creates a handler. store and schedule may be nil, which leaves the session
// channel reporting signed-out.
func NewHandler(p Player, store credential.Store, schedule Schedule) *Handler {
	return &Handler{player: p, store: store, schedule: schedule}
}

type volumeRequest struct {
	Percent *int `json:"percent"`
}

type seekRequest struct {
	Ms *int64 `json:"ms"`
}

type skipRequest struct {
	Direction string `json:"direction"`
}

type shuffleRequest struct {
	State *bool `json:"state"`
}

type playPauseRequest struct {
	State      *bool `json:"state"`
	PositionMs int64 `json:"position_ms"`
}

type repeatRequest struct {
	State string `json:"state"`
}

// SessionInfo describes the stored credential without exposing tokens.
type SessionInfo struct {
	SignedIn    bool       `json:"signedIn"`
	UserID      string     `json:"userId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	NextRefresh *time.Time `json:"nextRefresh,omitempty"`
}

// GetCurrentPlayerData handles POST /ipc/get-current-player-data.
func (h *Handler) GetCurrentPlayerData(c *gin.Context) {
	c.JSON(http.StatusOK, h.player.GetCurrentPlayerData(c.Request.Context()))
}

// SetVolume handles POST /ipc/set-volume {"percent":N}.
func (h *Handler) SetVolume(c *gin.Context) {
	var req volumeRequest
	if !bind(c, &req) || req.Percent == nil || *req.Percent < 0 || *req.Percent > 100 {
		invalid(c)
		return
	}
	c.JSON(http.StatusOK, h.player.SetVolume(c.Request.Context(), *req.Percent))
}

// SeekTo handles POST /ipc/seek-to {"ms":N}.
func (h *Handler) SeekTo(c *gin.Context) {
	var req seekRequest
	if !bind(c, &req) || req.Ms == nil || *req.Ms < 0 {
		invalid(c)
		return
	}
	c.JSON(http.StatusOK, h.player.SeekTo(c.Request.Context(), *req.Ms))
}

// Skip handles POST /ipc/skip {"direction":"forward"|"backward"}.
func (h *Handler) Skip(c *gin.Context) {
	var req skipRequest
	if !bind(c, &req) || (req.Direction != player.Forward && req.Direction != player.Backward) {
		invalid(c)
		return
	}
	c.JSON(http.StatusOK, h.player.Skip(c.Request.Context(), req.Direction))
}

// Shuffle handles POST /ipc/shuffle {"state":bool}.
func (h *Handler) Shuffle(c *gin.Context) {
	var req shuffleRequest
	if !bind(c, &req) || req.State == nil {
		invalid(c)
		return
	}
	c.JSON(http.StatusOK, h.player.Shuffle(c.Request.Context(), *req.State))
}

// PlayPause handles POST /ipc/play-pause {"state":bool,"position_ms":N}.
func (h *Handler) PlayPause(c *gin.Context) {
	var req playPauseRequest
	if !bind(c, &req) || req.State == nil || req.PositionMs < 0 {
		invalid(c)
		return
	}
	c.JSON(http.StatusOK, h.player.PlayPause(c.Request.Context(), *req.State, req.PositionMs))
}

// Repeat handles POST /ipc/repeat {"state":"off"|"context"|"track"}.
func (h *Handler) Repeat(c *gin.Context) {
	var req repeatRequest
	if !bind(c, &req) || !slices.Contains(player.RepeatStates, req.State) {
		invalid(c)
		return
	}
	c.JSON(http.StatusOK, h.player.Repeat(c.Request.Context(), req.State))
}

// Session handles GET /ipc/session.
func (h *Handler) Session(c *gin.Context) {
	var info SessionInfo
	if h.store != nil {
		cred, err := h.store.Load(c.Request.Context())
		if err != nil {
			logging.Entry(c.Request.Context()).Warnf("ipc: load credential: %v", err)
		}
		if cred.Valid() {
			expires := cred.ExpiresAt
			info.SignedIn = true
			info.UserID = cred.UserID
			info.ExpiresAt = &expires
		}
	}
	if h.schedule != nil {
		if due, ok := h.schedule.NextRefresh(); ok {
			info.NextRefresh = &due
		}
	}
	c.JSON(http.StatusOK, info)
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		logging.Entry(c.Request.Context()).WithField("channel", c.Request.URL.Path).Debugf("ipc: invalid body: %v", err)
		return false
	}
	return true
}

func invalid(c *gin.Context) {
	msg := msgInvalidRequest
	c.JSON(http.StatusOK, player.Result{Error: &msg, Status: http.StatusBadRequest})
}

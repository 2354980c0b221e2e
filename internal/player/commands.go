package player

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Skip directions.
const (
	Forward  = "forward"
	Backward = "backward"
)

// RepeatStates lists the repeat modes accepted by the provider.
var RepeatStates = []string{"off", "context", "track"}

// SetVolume sets the playback volume in percent.
func (c *Client) SetVolume(ctx context.Context, percent int) Result {
	return c.call(ctx, request{
		method:  http.MethodPut,
		path:    "/me/player/volume",
		query:   url.Values{"volume_percent": {strconv.Itoa(percent)}},
		generic: genericMessage("setting volume"),
	})
}

// SeekTo moves the playhead to ms.
func (c *Client) SeekTo(ctx context.Context, ms int64) Result {
	return c.call(ctx, request{
		method:  http.MethodPut,
		path:    "/me/player/seek",
		query:   url.Values{"position_ms": {strconv.FormatInt(ms, 10)}},
		generic: genericMessage("seeking"),
	})
}

// Skip moves to the next track for Forward and the previous one for any other direction.
func (c *Client) Skip(ctx context.Context, direction string) Result {
	path := "/me/player/previous"
	if direction == Forward {
		path = "/me/player/next"
	}
	return c.call(ctx, request{
		method:  http.MethodPost,
		path:    path,
		generic: genericMessage("skipping"),
	})
}

// Shuffle toggles shuffle mode.
func (c *Client) Shuffle(ctx context.Context, state bool) Result {
	return c.call(ctx, request{
		method:  http.MethodPut,
		path:    "/me/player/shuffle",
		query:   url.Values{"state": {strconv.FormatBool(state)}},
		generic: genericMessage("shuffling"),
	})
}

// PlayPause resumes playback at positionMs when play is true and pauses otherwise.
func (c *Client) PlayPause(ctx context.Context, play bool, positionMs int64) Result {
	path := "/me/player/pause"
	if play {
		path = "/me/player/play"
	}
	generic := genericMessage("toggling playback")
	body, err := sjson.SetBytes([]byte(`{}`), "position_ms", positionMs)
	if err != nil {
		return Result{Error: errorString(generic), Status: http.StatusInternalServerError}
	}
	return c.call(ctx, request{
		method:  http.MethodPut,
		path:    path,
		body:    body,
		generic: generic,
	})
}

// Repeat sets the repeat mode: off, context or track.
func (c *Client) Repeat(ctx context.Context, state string) Result {
	return c.call(ctx, request{
		method:  http.MethodPut,
		path:    "/me/player/repeat",
		query:   url.Values{"state": {state}},
		generic: genericMessage("setting repeat state"),
	})
}

// GetCurrentPlayerData returns the current playback state.
func (c *Client) GetCurrentPlayerData(ctx context.Context) PlayerData {
	generic := genericMessage("fetching current player data")
	resp, result, ok := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/me/player",
		generic: generic,
	})
	if !ok {
		return PlayerData{Error: result.Error, Status: result.Status}
	}
	switch {
	case resp.status == http.StatusNoContent:
		return PlayerData{Error: errorString(MsgNoPlayback), Status: http.StatusNoContent}
	case resp.status >= http.StatusBadRequest:
		r := upstreamResult(resp, generic)
		return PlayerData{Error: r.Error, Status: r.Status}
	case resp.status == http.StatusOK && gjson.ValidBytes(resp.body):
		switch trackType := gjson.GetBytes(resp.body, "currently_playing_type").String(); trackType {
		case "track", "episode":
			return PlayerData{TrackType: &trackType, Data: resp.body, Error: nil, Status: http.StatusOK}
		}
	}
	return PlayerData{Error: errorString(MsgUnexpectedResponse), Status: http.StatusInternalServerError}
}

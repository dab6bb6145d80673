// Package botapi implements the vendor REST surface: app access tokens,
// gateway URL discovery, message sends and rich-media uploads.
package botapi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Credentials identifies one bot application.
type Credentials struct {
	AppID        string
	ClientSecret string
}

// Message types accepted by the v2 send endpoints.
const (
	MsgTypeText     = 0
	MsgTypeMarkdown = 2
	MsgTypeArk      = 3
	MsgTypeEmbed    = 4
	MsgTypeMedia    = 7
)

// File types accepted by the rich-media upload endpoints.
const (
	FileTypeImage = 1
	FileTypeVideo = 2
	FileTypeVoice = 3
	FileTypeFile  = 4
)

// MessageRequest is the v2 group/c2c send payload. Passive replies carry
// MsgID and MsgSeq; proactive sends omit both.
type MessageRequest struct {
	Content string    `json:"content,omitempty"`
	MsgType int       `json:"msg_type"`
	MsgID   string    `json:"msg_id,omitempty"`
	MsgSeq  int       `json:"msg_seq,omitempty"`
	Media   *MediaRef `json:"media,omitempty"`
}

// MediaRef references a previously uploaded rich-media file.
type MediaRef struct {
	FileInfo string `json:"file_info"`
}

// ChannelMessageRequest is the guild channel / guild DM send payload.
type ChannelMessageRequest struct {
	Content string `json:"content,omitempty"`
	MsgID   string `json:"msg_id,omitempty"`
	Image   string `json:"image,omitempty"`
}

// MessageResult is the subset of the send response we use.
type MessageResult struct {
	ID string `json:"id"`
}

// MediaResult is the rich-media upload response.
type MediaResult struct {
	FileUUID string `json:"file_uuid"`
	FileInfo string `json:"file_info"`
	TTL      int    `json:"ttl"`
}

// gatewayResponse is the GET /gateway body.
type gatewayResponse struct {
	URL string `json:"url"`
}

// tokenRequest is the app access token request body.
type tokenRequest struct {
	AppID        string `json:"appId"`
	ClientSecret string `json:"clientSecret"`
}

// tokenResponse is the app access token response. The vendor returns
// expires_in as a JSON string; json.Number tolerates both forms.
type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	Code        int         `json:"code"`
	Message     string      `json:"message"`
}

// APIError is a non-2xx response from the vendor API.
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"-"`
}

func (e *APIError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("api error: status=%d code=%d message=%q trace=%s", e.Status, e.Code, e.Message, e.TraceID)
	}
	return fmt.Sprintf("api error: status=%d code=%d message=%q", e.Status, e.Code, e.Message)
}

// IsAuthError reports whether err is a vendor response indicating an
// expired or invalid access token.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 401 || apiErr.Code == 11244
}

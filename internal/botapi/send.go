package botapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

// SendC2C sends a message to a single user chat.
func (c *Client) SendC2C(ctx context.Context, openID string, req *MessageRequest) (*MessageResult, error) {
	var res MessageResult
	path := "/v2/users/" + url.PathEscape(openID) + "/messages"
	if err := c.send(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendGroup sends a message to a group chat.
func (c *Client) SendGroup(ctx context.Context, groupOpenID string, req *MessageRequest) (*MessageResult, error) {
	var res MessageResult
	path := "/v2/groups/" + url.PathEscape(groupOpenID) + "/messages"
	if err := c.send(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendChannel sends a message to a guild channel.
func (c *Client) SendChannel(ctx context.Context, channelID string, req *ChannelMessageRequest) (*MessageResult, error) {
	var res MessageResult
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if err := c.send(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendDM sends a message into an existing guild DM session.
func (c *Client) SendDM(ctx context.Context, guildID string, req *ChannelMessageRequest) (*MessageResult, error) {
	var res MessageResult
	path := "/dms/" + url.PathEscape(guildID) + "/messages"
	if err := c.send(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// mediaUpload is the rich-media upload request body. Exactly one of URL
// or FileData is set.
type mediaUpload struct {
	FileType   int    `json:"file_type"`
	URL        string `json:"url,omitempty"`
	FileData   string `json:"file_data,omitempty"`
	SrvSendMsg bool   `json:"srv_send_msg"`
}

// UploadC2CMedia stages a rich-media file for a user chat and returns
// the file_info reference for a follow-up MsgTypeMedia message.
func (c *Client) UploadC2CMedia(ctx context.Context, openID string, fileType int, srcURL string, data []byte) (*MediaResult, error) {
	path := "/v2/users/" + url.PathEscape(openID) + "/files"
	return c.uploadMedia(ctx, path, fileType, srcURL, data)
}

// UploadGroupMedia stages a rich-media file for a group chat.
func (c *Client) UploadGroupMedia(ctx context.Context, groupOpenID string, fileType int, srcURL string, data []byte) (*MediaResult, error) {
	path := "/v2/groups/" + url.PathEscape(groupOpenID) + "/files"
	return c.uploadMedia(ctx, path, fileType, srcURL, data)
}

func (c *Client) uploadMedia(ctx context.Context, path string, fileType int, srcURL string, data []byte) (*MediaResult, error) {
	if srcURL == "" && len(data) == 0 {
		return nil, fmt.Errorf("media upload needs a url or file data")
	}

	req := &mediaUpload{FileType: fileType, SrvSendMsg: false}
	if srcURL != "" {
		req.URL = srcURL
	} else {
		req.FileData = base64.StdEncoding.EncodeToString(data)
	}

	var res MediaResult
	if err := c.send(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	if res.FileInfo == "" {
		return nil, fmt.Errorf("media upload returned empty file_info")
	}
	return &res, nil
}

// SendChannelImageFile attaches image bytes to a guild channel message
// via multipart file_image. The channel endpoints take the raw file,
// unlike the v2 rich-media staging flow.
func (c *Client) SendChannelImageFile(ctx context.Context, channelID, content, msgID string, image []byte) (*MessageResult, error) {
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	return c.sendImageMultipart(ctx, path, content, msgID, image)
}

// SendDMImageFile attaches image bytes to a guild DM message.
func (c *Client) SendDMImageFile(ctx context.Context, guildID, content, msgID string, image []byte) (*MessageResult, error) {
	path := "/dms/" + url.PathEscape(guildID) + "/messages"
	return c.sendImageMultipart(ctx, path, content, msgID, image)
}

func (c *Client) sendImageMultipart(ctx context.Context, path, content, msgID string, image []byte) (*MessageResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image upload needs file bytes")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := c.imageMultipartOnce(ctx, path, content, msgID, image)
	if err != nil && IsAuthError(err) {
		L_debug("api: auth failure, refreshing token and retrying once", "path", path)
		c.tokens.Invalidate(c.creds)
		return c.imageMultipartOnce(ctx, path, content, msgID, image)
	}
	return res, err
}

func (c *Client) imageMultipartOnce(ctx context.Context, path, content, msgID string, image []byte) (*MessageResult, error) {
	token, err := c.tokens.Get(ctx, c.creds)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if content != "" {
		_ = w.WriteField("content", content)
	}
	if msgID != "" {
		_ = w.WriteField("msg_id", msgID)
	}
	fw, err := w.CreateFormFile("file_image", "image")
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "QQBot "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var res MessageResult
	if err := decodeResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

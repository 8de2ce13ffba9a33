package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const imgurUploadURL = "https://api.imgur.com/3/image"

// imgurUploader is the anonymous public image host fallback.
type imgurUploader struct {
	clientID string
	baseURL  string
	http     *http.Client
}

func newImgurUploader(cfg ImgurConfig) *imgurUploader {
	return &imgurUploader{
		clientID: cfg.ClientID,
		baseURL:  imgurUploadURL,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (u *imgurUploader) Upload(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "image.jpg")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Client-ID "+u.clientID)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Data struct {
				Error string `json:"error"`
			} `json:"data"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Data.Error != "" {
			return "", fmt.Errorf("imgur: %s (http=%d)", apiErr.Data.Error, resp.StatusCode)
		}
		return "", fmt.Errorf("imgur: http=%d", resp.StatusCode)
	}

	var out struct {
		Data struct {
			Link string `json:"link"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("imgur: decode response: %w", err)
	}
	if out.Data.Link == "" {
		return "", fmt.Errorf("imgur: response missing link")
	}
	return out.Data.Link, nil
}

package remote

import (
	"strings"
	"time"

	"imagedecloner/internal/models"
)

type listResponse struct {
	MediaItems    []mediaItem `json:"mediaItems"`
	NextPageToken string      `json:"nextPageToken"`
}

type mediaItem struct {
	ID            string        `json:"id"`
	Description   string        `json:"description,omitempty"`
	BaseURL       string        `json:"baseUrl"`
	MimeType      string        `json:"mimeType"`
	Filename      string        `json:"filename"`
	Size          int64         `json:"size,omitempty"`
	MediaMetadata mediaMetadata `json:"mediaMetadata"`
}

type mediaMetadata struct {
	CreationTime time.Time `json:"creationTime"`
}

func (m mediaItem) isImage() bool {
	return strings.HasPrefix(m.MimeType, "image/")
}

func (m mediaItem) metadata() models.Metadata {
	name := m.Filename
	if name == "" {
		name = m.ID
	}
	return models.Metadata{
		Filename:    name,
		Size:        m.Size,
		CreatedAt:   m.MediaMetadata.CreationTime,
		MimeType:    m.MimeType,
		Description: m.Description,
	}
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

package http

import (
	"time"

	"github.com/vadimbarashkov/shortlink-registry/internal/models"
)

type createLinkRequest struct {
	LongURL string `json:"long_url" validate:"required,url"`
}

type signInRequest struct {
	Login      string `json:"login" validate:"required"`
	AvatarURL  string `json:"avatar_url" validate:"omitempty,url"`
	ProfileURL string `json:"html_url" validate:"omitempty,url"`
}

type linkResponse struct {
	ShortCode  string    `json:"short_code"`
	LongURL    string    `json:"long_url"`
	OwnerID    string    `json:"owner_id"`
	CreatedAt  time.Time `json:"created_at"`
	ClickCount int64     `json:"click_count"`
}

func toLinkResponse(link *models.ShortLink) linkResponse {
	return linkResponse{
		ShortCode:  link.ShortCode,
		LongURL:    link.LongURL,
		OwnerID:    link.OwnerID,
		CreatedAt:  link.CreatedAt,
		ClickCount: link.ClickCount,
	}
}

type clickEventResponse struct {
	Sequence   int64     `json:"sequence"`
	CreatedAt  time.Time `json:"createdAt"`
	SourceAddr string    `json:"ipAddress"`
	UserAgent  string    `json:"userAgent"`
	Country    string    `json:"country"`
}

func toClickEventResponse(event *models.ClickEvent) *clickEventResponse {
	return &clickEventResponse{
		Sequence:   event.Sequence,
		CreatedAt:  event.CreatedAt,
		SourceAddr: event.SourceAddr,
		UserAgent:  event.UserAgent,
		Country:    event.Country,
	}
}

// realtimePayload is one frame of the realtime stream: the current click
// count plus the analytics of the most recent click, when one exists.
type realtimePayload struct {
	ClickCount     int64               `json:"clickCount"`
	ClickAnalytics *clickEventResponse `json:"clickAnalytics,omitempty"`
}

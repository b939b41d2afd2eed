package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/handler"
	"github.com/dmorgan81/fluxstudio/internal/history"
	"github.com/dmorgan81/fluxstudio/internal/image"
	"github.com/gin-gonic/gin"
)

type RecordResponse struct {
	Index          int       `json:"index"`
	ID             string    `json:"id"`
	Prompt         string    `json:"prompt"`
	Settings       string    `json:"settings"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	ImageURL       string    `json:"image_url"`
}

type GenerateResponse struct {
	RecordResponse
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Outcome string `json:"outcome"`
}

type StatusResponse struct {
	State       string `json:"state"`
	Model       string `json:"model"`
	ModelLoaded bool   `json:"model_loaded"`
	History     int    `json:"history"`
}

func recordResponse(i int, rec history.Record) RecordResponse {
	return RecordResponse{
		Index:          i,
		ID:             rec.ID,
		Prompt:         rec.Prompt,
		Settings:       rec.Settings,
		Width:          rec.Width,
		Height:         rec.Height,
		ElapsedSeconds: rec.Elapsed.Seconds(),
		CreatedAt:      rec.CreatedAt,
		ImageURL:       fmt.Sprintf("/images/%d", i),
	}
}

// withDefaults fills zero fields so API callers can send only a prompt.
func withDefaults(input handler.Input) handler.Input {
	d := image.DefaultParams()
	if input.GuidanceScale == 0 {
		input.GuidanceScale = d.GuidanceScale
	}
	if input.Height == 0 {
		input.Height = d.Height
	}
	if input.Width == 0 {
		input.Width = d.Width
	}
	if input.Steps == 0 {
		input.Steps = d.Steps
	}
	return input
}

func (s *Server) apiGenerate(c *gin.Context) {
	var input handler.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Outcome: "validation"})
		return
	}

	out, err := s.handler.Handle(context.WithoutCancel(c.Request.Context()), sessionFrom(c), withDefaults(input))
	if err != nil {
		c.JSON(StatusFor(err), ErrorResponse{Error: handler.Message(err), Outcome: handler.Outcome(err)})
		return
	}
	c.JSON(http.StatusOK, GenerateResponse{
		RecordResponse: recordResponse(0, out.Record),
		Message:        out.Message,
	})
}

func (s *Server) apiHistory(c *gin.Context) {
	records := []RecordResponse{}
	for i, rec := range sessionFrom(c).History.All() {
		records = append(records, recordResponse(i, rec))
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) apiStatus(c *gin.Context) {
	sess := sessionFrom(c)
	resp := StatusResponse{
		State:   sess.State().String(),
		History: sess.History.Len(),
	}
	if s.model != nil {
		resp.Model = s.model.Name()
		resp.ModelLoaded = s.model.Loaded()
	}
	c.JSON(http.StatusOK, resp)
}

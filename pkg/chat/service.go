package chat

import (
	"context"
	"io"
	"time"

	"github.com/odvcencio/threadline/pkg/model"
)

// ChatService is the network collaborator. model.Client implements it.
//
//go:generate mockgen -package=chat -destination=mock_chat_service_test.go github.com/odvcencio/threadline/pkg/chat ChatService
type ChatService interface {
	AvailableTools(ctx context.Context) ([]model.Tool, error)
	SendChat(ctx context.Context, req model.ChatRequest) (io.ReadCloser, error)
	GenerateChatTitle(ctx context.Context, req model.TitleRequest) (string, error)
	CheckToolConfirmation(ctx context.Context, req model.ConfirmationRequest) (model.ConfirmationResponse, error)
}

var _ ChatService = (*model.Client)(nil)

// Recorder receives round-level measurements. telemetry.Metrics
// implements it.
type Recorder interface {
	RoundFinished(outcome string, elapsed time.Duration)
	ToolIteration()
	Paused(confirmations, denials int)
	TitleGenerated(err error)
	StreamsInFlight(delta int)
}

type nopRecorder struct{}

func (nopRecorder) RoundFinished(string, time.Duration) {}
func (nopRecorder) ToolIteration()                      {}
func (nopRecorder) Paused(int, int)                     {}
func (nopRecorder) TitleGenerated(error)                {}
func (nopRecorder) StreamsInFlight(int)                 {}

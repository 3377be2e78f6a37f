package chat

import (
	"context"
	"log/slog"

	"github.com/DeafMist/register-radar/internal/models"
	"github.com/DeafMist/register-radar/internal/query"
)

// Answerer is satisfied by *query.Engine.
type Answerer interface {
	Answer(ctx context.Context, req query.Request) ([]models.Document, error)
}

// Composer is satisfied by *compose.Composer.
type Composer interface {
	Compose(ctx context.Context, docs []models.Document) string
}

// Service answers one chat turn.
type Service struct {
	engine   Answerer
	composer Composer
	log      *slog.Logger
}

func NewService(engine Answerer, composer Composer, logger *slog.Logger) *Service {
	return &Service{engine: engine, composer: composer, log: logger}
}

// Respond returns the composed answer. The only error is *query.ValidationError.
func (s *Service) Respond(ctx context.Context, req query.Request) (string, error) {
	docs, err := s.engine.Answer(ctx, req)
	if err != nil {
		s.log.Info("rejected query", slog.String("query", req.Query), slog.Any("err", err))
		return "", err
	}
	return s.composer.Compose(ctx, docs), nil
}

package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// ServiceName is the dispatcher's service name on the bus.
const ServiceName = "dispatcher"

// Service is the sole subscriber of the CLI command topic. Every parsed
// command produces exactly one CLI response carrying the originating source
// and session, which the console adapter and the web bridge use to route the
// reply back to whoever typed the command.
type Service struct {
	*service.Service
	registry *Registry
}

var _ service.Runner = (*Service)(nil)

// NewService creates the dispatcher over the given registry. A nil registry
// uses [DefaultRegistry].
func NewService(b *bus.Bus, log *slog.Logger, registry *Registry) *Service {
	if registry == nil {
		registry = DefaultRegistry(ServiceName)
	}
	return &Service{
		Service:  service.New(ServiceName, b, log),
		registry: registry,
	}
}

// Start claims the CLI command topic.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(context.Context) error {
		return s.Subscribe(events.TopicCLICommand, s.onCommand)
	})
}

// Stop releases the topic.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, nil)
}

func (s *Service) onCommand(ctx context.Context, p events.Payload) {
	cmd := p.(*events.CLICommand)

	reg, parsed, err := s.registry.Match(cmd.Raw, cmd.Source, cmd.SessionID)
	if errors.Is(err, ErrNoMatch) {
		s.respond(ctx, cmd, &events.CLIResponse{
			Success: false,
			Message: "unknown command: " + cmd.Raw,
			Code:    CodeUnknownCommand,
		})
		return
	}

	payload, ack, err := reg.Build(parsed)
	if err != nil {
		s.respond(ctx, cmd, failureResponse(err))
		return
	}

	if payload != nil {
		if err := s.Emit(ctx, payload); err != nil {
			s.Log().Error("command emission failed", "pattern", reg.Pattern, "err", err)
			s.respond(ctx, cmd, &events.CLIResponse{
				Success: false,
				Message: "command could not be delivered",
				Code:    CodeInvalidArgument,
			})
			return
		}
		s.Log().Info("command dispatched",
			"pattern", reg.Pattern, "topic", reg.Topic, "source", cmd.Source)
	}

	s.respond(ctx, cmd, &events.CLIResponse{Success: true, Message: ack})
}

// failureResponse maps transform errors onto the response codes.
func failureResponse(err error) *events.CLIResponse {
	var missing *MissingArgumentError
	if errors.As(err, &missing) {
		return &events.CLIResponse{
			Success: false,
			Message: missing.Error(),
			Code:    CodeMissingArgument,
			Field:   missing.Field,
		}
	}
	var invalid *InvalidArgumentError
	if errors.As(err, &invalid) {
		return &events.CLIResponse{
			Success: false,
			Message: invalid.Error(),
			Code:    CodeInvalidArgument,
			Field:   invalid.Field,
		}
	}
	return &events.CLIResponse{
		Success: false,
		Message: err.Error(),
		Code:    CodeInvalidArgument,
	}
}

// respond stamps routing fields and publishes the response.
func (s *Service) respond(ctx context.Context, cmd *events.CLICommand, resp *events.CLIResponse) {
	resp.Envelope = s.Envelope()
	resp.Source = cmd.Source
	resp.SessionID = cmd.SessionID
	if err := s.Emit(ctx, resp); err != nil {
		s.Log().Error("response emission failed", "err", err)
	}
}

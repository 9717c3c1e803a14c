package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/p2pshare/rendezvous-server/internal/errors"
	"github.com/p2pshare/rendezvous-server/internal/model"
	"github.com/p2pshare/rendezvous-server/internal/registry"
	"github.com/p2pshare/rendezvous-server/internal/repository"
	"github.com/p2pshare/rendezvous-server/internal/sse"
	"github.com/p2pshare/rendezvous-server/internal/util"
)

const (
	historyWriteTimeout = 5 * time.Second
	statsWindow         = 24 * time.Hour
)

// EventPublisher delivers push notifications to subscribed peers.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event sse.Event) error
}

type Stats struct {
	Registry model.RegistryStats         `json:"registry"`
	History  map[model.SessionStatus]int `json:"history,omitempty"`
}

type RendezvousService struct {
	registry  *registry.Registry
	history   repository.SessionHistoryRepository
	publisher EventPublisher
}

// NewRendezvousService builds the registry with opts. history and publisher
// are optional.
func NewRendezvousService(
	history repository.SessionHistoryRepository,
	publisher EventPublisher,
	opts ...registry.Option,
) *RendezvousService {
	s := &RendezvousService{
		history:   history,
		publisher: publisher,
	}
	opts = append(opts, registry.WithOnRemove(s.handleRemoval))
	s.registry = registry.New(opts...)
	return s
}

func (s *RendezvousService) IssueCode(ctx context.Context) (model.PairingTicket, error) {
	ticket, err := s.registry.IssueCode()
	if err != nil {
		log.Error().Err(err).Msg("failed to issue pairing code")
		return model.PairingTicket{}, err
	}

	if s.history != nil {
		_, err := s.history.Create(ctx, model.CreateSessionRecordParams{
			ID:        ticket.SessionID,
			Code:      ticket.Code,
			CreatedAt: ticket.CreatedAt,
		})
		if err != nil {
			log.Warn().Err(err).Str("code", util.MaskCode(ticket.Code)).Msg("failed to record session history")
		}
	}

	log.Info().
		Str("code", util.MaskCode(ticket.Code)).
		Time("expiresAt", ticket.ExpiresAt).
		Msg("pairing code issued")

	return ticket, nil
}

func (s *RendezvousService) ClaimCode(ctx context.Context, code string) (model.SessionHandle, error) {
	if err := validateCode(code); err != nil {
		return model.SessionHandle{}, err
	}

	handle, err := s.registry.ClaimCode(code)
	if err != nil {
		log.Warn().
			Str("code", util.MaskCode(code)).
			Str("reason", string(apperrors.GetCode(err))).
			Msg("pairing code claim rejected")
		return model.SessionHandle{}, err
	}

	now := time.Now()
	if s.history != nil {
		if err := s.history.MarkClaimed(ctx, handle.SessionID, now); err != nil {
			log.Warn().Err(err).Str("code", util.MaskCode(code)).Msg("failed to record claim")
		}
	}
	s.publish(ctx, code, model.RoleInitiator, sse.EventClaimed, map[string]any{
		"otp":       code,
		"claimedAt": now.Format(time.RFC3339),
	})

	log.Info().Str("code", util.MaskCode(code)).Msg("pairing code claimed")

	return handle, nil
}

func (s *RendezvousService) PostSignal(ctx context.Context, code string, from model.Role, payload []byte) error {
	if err := validateCode(code); err != nil {
		return err
	}

	status, err := s.registry.PostSignal(code, from, payload)
	if err != nil {
		return err
	}

	s.publish(ctx, code, from.Peer(), sse.EventSignal, map[string]any{"otp": code})

	log.Debug().
		Str("code", util.MaskCode(code)).
		Str("from", string(from)).
		Int("bytes", len(payload)).
		Str("status", string(status)).
		Msg("signal queued")

	return nil
}

func (s *RendezvousService) PollSignal(ctx context.Context, code string, role model.Role) ([][]byte, error) {
	if err := validateCode(code); err != nil {
		return nil, err
	}
	return s.registry.PollSignal(code, role)
}

func (s *RendezvousService) MarkEstablished(ctx context.Context, code string, role model.Role) error {
	if err := validateCode(code); err != nil {
		return err
	}

	id, changed, err := s.registry.MarkEstablished(code, role)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	now := time.Now()
	if s.history != nil {
		if err := s.history.MarkEstablished(ctx, id, now); err != nil {
			log.Warn().Err(err).Str("code", util.MaskCode(code)).Msg("failed to record establishment")
		}
	}

	data := map[string]any{"otp": code, "by": role}
	s.publish(ctx, code, model.RoleInitiator, sse.EventEstablished, data)
	s.publish(ctx, code, model.RoleJoiner, sse.EventEstablished, data)

	log.Info().
		Str("code", util.MaskCode(code)).
		Str("by", string(role)).
		Msg("peer connection established")

	return nil
}

// Teardown removes the session for code. Removing an unknown code is not an error.
func (s *RendezvousService) Teardown(ctx context.Context, code string) (bool, error) {
	if err := validateCode(code); err != nil {
		return false, err
	}
	return s.registry.Teardown(code), nil
}

func (s *RendezvousService) VerifyPeer(code string, role model.Role, token string) error {
	if err := validateCode(code); err != nil {
		return err
	}
	return s.registry.VerifyPeer(code, role, token)
}

func (s *RendezvousService) Status(ctx context.Context, code string) (model.SessionSnapshot, error) {
	if err := validateCode(code); err != nil {
		return model.SessionSnapshot{}, err
	}
	return s.registry.Snapshot(code)
}

func (s *RendezvousService) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Registry: s.registry.Stats()}

	if s.history != nil {
		counts, err := s.history.CountByStatusSince(ctx, time.Now().Add(-statsWindow))
		if err != nil {
			return nil, apperrors.Database(err)
		}
		stats.History = counts
	}

	return stats, nil
}

var historyStatuses = []string{
	string(model.SessionStatusPending),
	string(model.SessionStatusClaimed),
	string(model.SessionStatusExchanging),
	string(model.SessionStatusEstablished),
	string(model.SessionStatusExpired),
}

// History pages through recorded sessions, newest first.
func (s *RendezvousService) History(ctx context.Context, status string, limit, offset int) ([]model.SessionRecord, int, error) {
	if !util.IsValidEnum(status, historyStatuses) {
		return nil, 0, apperrors.InvalidInput("status", "unknown session status")
	}
	if s.history == nil {
		return []model.SessionRecord{}, 0, nil
	}

	records, total, err := s.history.List(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, apperrors.Database(err)
	}
	return records, total, nil
}

// SweepExpired has the shape the cleanup job expects.
func (s *RendezvousService) SweepExpired(ctx context.Context) (int64, error) {
	return int64(s.registry.SweepExpired()), nil
}

func (s *RendezvousService) handleRemoval(rm registry.Removal) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	if s.history != nil {
		err := s.history.MarkClosed(ctx, model.CloseSessionRecordParams{
			ID:          rm.SessionID,
			Status:      rm.Status,
			Reason:      rm.Reason,
			SignalCount: rm.SignalCount,
			ClosedAt:    rm.At,
		})
		if err != nil {
			log.Warn().Err(err).Str("code", util.MaskCode(rm.Code)).Msg("failed to record session close")
		}
	}

	data := map[string]any{"otp": rm.Code, "reason": rm.Reason}
	s.publish(ctx, rm.Code, model.RoleInitiator, sse.EventClosed, data)
	s.publish(ctx, rm.Code, model.RoleJoiner, sse.EventClosed, data)

	log.Info().
		Str("code", util.MaskCode(rm.Code)).
		Str("status", string(rm.Status)).
		Str("reason", string(rm.Reason)).
		Int("signals", rm.SignalCount).
		Msg("pairing session removed")
}

func (s *RendezvousService) publish(ctx context.Context, code string, to model.Role, eventType string, data any) {
	if s.publisher == nil {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to encode push event")
		return
	}

	if err := s.publisher.Publish(ctx, sse.Subject(code, string(to)), sse.Event{Type: eventType, Data: raw}); err != nil {
		log.Warn().
			Err(err).
			Str("code", util.MaskCode(code)).
			Str("type", eventType).
			Msg("failed to publish push event")
	}
}

func validateCode(code string) error {
	if code == "" {
		return apperrors.MissingRequired("otp")
	}
	if !util.IsValidPairingCode(code) {
		return apperrors.InvalidInput("otp", "must be a 6-digit string")
	}
	return nil
}

package services

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kindredhq/kindred/config"
	"github.com/kindredhq/kindred/db"
	errs "github.com/kindredhq/kindred/errors"
	"github.com/kindredhq/kindred/models"
)

// ConversationResolver maps a relationship to exactly one canonical
// conversation, creating it on first access and repairing duplicate rows left
// behind by historical create races.
type ConversationResolver interface {
	Resolve(ctx context.Context, relationshipID uuid.UUID) (*models.Conversation, error)
	RepairAll(ctx context.Context)
	ListForUser(ctx context.Context, userID uuid.UUID, force bool) ([]models.Conversation, error)
	Invalidate(relationshipID uuid.UUID)
	Reset()
}

type conversationResolver struct {
	Config           *config.Config
	relationshipRepo db.RelationshipRepository
	conversationRepo db.ConversationRepository
	log              zerolog.Logger

	mu        sync.RWMutex
	cache     map[uuid.UUID]*models.Conversation
	flight    *singleflight.Group
	listFetch *FetchGroup[[]models.Conversation]
}

func NewConversationResolver(relationshipRepo db.RelationshipRepository, conversationRepo db.ConversationRepository, conf *config.Config, log zerolog.Logger) ConversationResolver {
	return &conversationResolver{
		Config:           conf,
		relationshipRepo: relationshipRepo,
		conversationRepo: conversationRepo,
		log:              log.With().Str("component", "conversation_resolver").Logger(),
		cache:            make(map[uuid.UUID]*models.Conversation),
		flight:           &singleflight.Group{},
		listFetch:        NewFetchGroup[[]models.Conversation](time.Duration(conf.MessageCooldownSeconds) * time.Second),
	}
}

// Resolve returns the canonical conversation for relationshipID. Concurrent
// calls for the same relationship share one underlying lookup/create, so a
// cache miss never issues two creates from this process; the unique index on
// relationship_id is the backstop against other instances.
func (r *conversationResolver) Resolve(ctx context.Context, relationshipID uuid.UUID) (*models.Conversation, error) {
	r.mu.RLock()
	cached, ok := r.cache[relationshipID]
	flight := r.flight
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err, _ := flight.Do(relationshipID.String(), func() (interface{}, error) {
		return r.resolveSlow(ctx, relationshipID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Conversation), nil
}

func (r *conversationResolver) resolveSlow(ctx context.Context, relationshipID uuid.UUID) (*models.Conversation, error) {
	// A caller that lost the singleflight race re-checks the cache here.
	r.mu.RLock()
	cached, ok := r.cache[relationshipID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rel, err := r.relationshipRepo.FindRelationshipByID(relationshipID)
	if err != nil {
		if stderrors.Is(err, errs.ErrRelationshipNotFound) {
			return nil, err
		}
		r.log.Error().Err(err).Str("relationship_id", relationshipID.String()).Msg("relationship lookup failed")
		return nil, errs.ErrStoreUnavailable
	}
	// A conversation only exists for an accepted pairing; pending and rejected
	// relationships resolve the same as missing ones.
	if rel.Status != models.RelationshipAccepted {
		return nil, errs.ErrRelationshipNotFound
	}

	convs, err := r.conversationRepo.FindByRelationshipID(relationshipID)
	if err != nil {
		r.log.Error().Err(err).Str("relationship_id", relationshipID.String()).Msg("conversation lookup failed")
		return nil, errs.ErrStoreUnavailable
	}

	var conv *models.Conversation
	switch len(convs) {
	case 0:
		conv, err = r.create(relationshipID)
		if err != nil {
			return nil, err
		}
	case 1:
		conv = &convs[0]
	default:
		conv, err = r.repair(relationshipID, convs)
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.cache[relationshipID] = conv
	r.mu.Unlock()
	return conv, nil
}

func (r *conversationResolver) create(relationshipID uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{RelationshipID: relationshipID}
	err := r.conversationRepo.CreateConversation(conv)
	if err == nil {
		return conv, nil
	}
	if !db.IsUniqueViolation(err) {
		r.log.Error().Err(err).Str("relationship_id", relationshipID.String()).Msg("conversation create failed")
		return nil, errs.ErrStoreUnavailable
	}

	// Another instance won the create race; the unique index rejected ours.
	// Re-query and adopt the winner.
	convs, err := r.conversationRepo.FindByRelationshipID(relationshipID)
	if err != nil || len(convs) == 0 {
		r.log.Error().Err(err).Str("relationship_id", relationshipID.String()).Msg("re-query after create conflict failed")
		return nil, errs.ErrStoreUnavailable
	}
	if len(convs) > 1 {
		return r.repair(relationshipID, convs)
	}
	return &convs[0], nil
}

// repair collapses duplicate conversation rows for one relationship: the
// earliest-created row is canonical, every duplicate's messages move to it,
// and the duplicates are deleted. Idempotent; re-running on clean data finds
// one row and changes nothing.
func (r *conversationResolver) repair(relationshipID uuid.UUID, convs []models.Conversation) (*models.Conversation, error) {
	canonical := convs[0] // FindByRelationshipID orders by created_at ASC

	for _, dup := range convs[1:] {
		if err := r.conversationRepo.ReassignMessages(dup.ID, canonical.ID); err != nil {
			r.log.Error().Err(err).
				Str("duplicate", dup.ID.String()).
				Str("canonical", canonical.ID.String()).
				Msg("dedup repair: reassign failed")
			return nil, errs.ErrStoreUnavailable
		}
		if err := r.conversationRepo.DeleteConversation(dup.ID); err != nil {
			r.log.Error().Err(err).Str("duplicate", dup.ID.String()).Msg("dedup repair: delete failed")
			return nil, errs.ErrStoreUnavailable
		}
		r.log.Info().
			Str("relationship_id", relationshipID.String()).
			Str("duplicate", dup.ID.String()).
			Str("canonical", canonical.ID.String()).
			Msg("merged duplicate conversation")
	}

	r.mu.Lock()
	r.cache[relationshipID] = &canonical
	r.mu.Unlock()
	return &canonical, nil
}

// RepairAll opportunistically sweeps the store for duplicated relationships,
// e.g. on startup. Failures are logged and swallowed; nothing user-facing
// depends on the sweep.
func (r *conversationResolver) RepairAll(ctx context.Context) {
	ids, err := r.conversationRepo.ListDuplicatedRelationshipIDs()
	if err != nil {
		r.log.Warn().Err(err).Msg("repair sweep: listing duplicates failed")
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		convs, err := r.conversationRepo.FindByRelationshipID(id)
		if err != nil || len(convs) < 2 {
			continue
		}
		if _, err := r.repair(id, convs); err != nil {
			r.log.Warn().Err(err).Str("relationship_id", id.String()).Msg("repair sweep: repair failed")
		}
	}
}

// ListForUser returns the user's conversations, resolving lazily so every
// accepted relationship shows up even before its first message. The list view
// is re-triggered by several effects, so reads run behind the cooldown
// controller like message history does.
func (r *conversationResolver) ListForUser(ctx context.Context, userID uuid.UUID, force bool) ([]models.Conversation, error) {
	return r.listFetch.Fetch(ctx, userID.String(), force, func(ctx context.Context) ([]models.Conversation, error) {
		rels, err := r.relationshipRepo.ListAcceptedForUser(userID)
		if err != nil {
			r.log.Error().Err(err).Str("user_id", userID.String()).Msg("relationship listing failed")
			return nil, errs.ErrStoreUnavailable
		}

		convs := make([]models.Conversation, 0, len(rels))
		for _, rel := range rels {
			conv, err := r.Resolve(ctx, rel.ID)
			if err != nil {
				r.log.Warn().Err(err).Str("relationship_id", rel.ID.String()).Msg("skipping unresolvable relationship")
				continue
			}
			convs = append(convs, *conv)
		}
		return convs, nil
	})
}

// Invalidate drops one cache entry, e.g. after an external repair.
func (r *conversationResolver) Invalidate(relationshipID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, relationshipID)
	r.flight.Forget(relationshipID.String())
}

// Reset clears the session-scoped cache and in-flight map on sign-out so a new
// session never sees another user's conversation mappings.
func (r *conversationResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[uuid.UUID]*models.Conversation)
	r.flight = &singleflight.Group{}
	r.listFetch.Reset()
}

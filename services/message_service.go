package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kindredhq/kindred/config"
	"github.com/kindredhq/kindred/db"
	errs "github.com/kindredhq/kindred/errors"
	"github.com/kindredhq/kindred/models"
	"github.com/kindredhq/kindred/realtime"
)

// Publisher pushes change events onto the push channel. The realtime hub
// implements it.
type Publisher interface {
	Publish(ev realtime.Event)
}

// Notifier is the external notification dispatcher, invoked when a message
// arrives for a conversation that is not currently active.
type Notifier interface {
	Notify(userID uuid.UUID, msg models.Message)
}

// MessageService holds the ordered per-conversation message lists and merges
// the three producers that feed them: the synchronous send path, the push
// stream, and cooldown-gated history re-fetches. Every mutation funnels
// through the same id-based merge, which is what keeps duplicate deliveries
// and out-of-order arrivals from corrupting the rendered order.
type MessageService interface {
	LoadHistory(ctx context.Context, conversationID uuid.UUID, force bool) ([]models.Message, error)
	Send(ctx context.Context, conversationID, senderID uuid.UUID, content, mediaType, mediaURL string) (*models.Message, error)
	Subscribe(conversationID uuid.UUID) *ThreadSubscription
	Unsubscribe(sub *ThreadSubscription)
	SetActiveConversation(conversationID uuid.UUID)
	SetSessionUser(userID uuid.UUID)
	ApplyInserted(msg models.Message)
	ApplyUpdated(msg models.Message)
	SetFallbackPolling(conversationID uuid.UUID, degraded bool)
	FallbackPolling(conversationID uuid.UUID) bool
	MarkReadLocal(conversationID uuid.UUID, messageIDs []string)
	Reset()
}

// ThreadSubscription receives snapshots of one conversation's visible list.
// The channel holds the latest snapshot only; a slow consumer sees the newest
// state, not every intermediate one.
type ThreadSubscription struct {
	ConversationID uuid.UUID
	C              chan []models.Message
	id             int
}

// thread is the single-writer state for one conversation. Each conversation
// has its own lock so a blocked store call never stalls other conversations.
type thread struct {
	mu       sync.Mutex
	messages []models.Message
	subs     map[int]*ThreadSubscription
	nextSub  int
}

type messageService struct {
	Config           *config.Config
	messageRepo      db.MessageRepository
	conversationRepo db.ConversationRepository
	relationshipRepo db.RelationshipRepository
	userRepo         db.UserRepository
	publisher        Publisher
	notifier         Notifier
	fetch            *FetchGroup[[]models.Message]
	log              zerolog.Logger
	now              func() time.Time

	mu          sync.RWMutex
	threads     map[uuid.UUID]*thread
	active      uuid.UUID
	sessionUser uuid.UUID
	polling     map[uuid.UUID]bool
}

func NewMessageService(
	messageRepo db.MessageRepository,
	conversationRepo db.ConversationRepository,
	relationshipRepo db.RelationshipRepository,
	userRepo db.UserRepository,
	publisher Publisher,
	notifier Notifier,
	conf *config.Config,
	log zerolog.Logger,
) MessageService {
	cooldown := time.Duration(conf.MessageCooldownSeconds) * time.Second
	return &messageService{
		Config:           conf,
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		relationshipRepo: relationshipRepo,
		userRepo:         userRepo,
		publisher:        publisher,
		notifier:         notifier,
		fetch:            NewFetchGroup[[]models.Message](cooldown),
		log:              log.With().Str("component", "message_service").Logger(),
		now:              time.Now,
		threads:          make(map[uuid.UUID]*thread),
		polling:          make(map[uuid.UUID]bool),
	}
}

func (s *messageService) thread(conversationID uuid.UUID) *thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		t = &thread{subs: make(map[int]*ThreadSubscription)}
		s.threads[conversationID] = t
	}
	return t
}

func (s *messageService) activeConversation() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActiveConversation records which conversation the UI currently renders.
// Inserts for any other conversation go to the notification dispatcher, and
// stale history results are kept out of the visible state.
func (s *messageService) SetActiveConversation(conversationID uuid.UUID) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()
}

func (s *messageService) SetSessionUser(userID uuid.UUID) {
	s.mu.Lock()
	s.sessionUser = userID
	s.mu.Unlock()
}

func (s *messageService) currentUser() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionUser
}

// LoadHistory returns the conversation's ordered list: confirmed history from
// the store merged with any optimistic messages still awaiting confirmation.
// Reads go through the cooldown controller, so repeat calls within the window
// are served from cache unless forced.
func (s *messageService) LoadHistory(ctx context.Context, conversationID uuid.UUID, force bool) ([]models.Message, error) {
	fetched, err := s.fetch.Fetch(ctx, conversationID.String(), force, func(ctx context.Context) ([]models.Message, error) {
		msgs, err := s.messageRepo.ListByConversation(conversationID)
		if err != nil {
			s.log.Error().Err(err).Str("conversation_id", conversationID.String()).Msg("history load failed")
			return nil, errs.ErrStoreUnavailable
		}
		s.attachSenders(msgs)
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}

	t := s.thread(conversationID)
	t.mu.Lock()
	merged := mergeHistory(fetched, t.messages)
	t.messages = merged
	snapshot := snapshotLocked(t)
	t.mu.Unlock()

	// The fetch may have outlived the view that asked for it; it still ran
	// (and warmed the cache), but only the active conversation's subscribers
	// hear about it.
	if s.activeConversation() == conversationID {
		s.notify(t, snapshot)
	}
	return merged, nil
}

// Send validates, echoes the message optimistically, then persists it. The
// optimistic entry is replaced in place on confirmation and removed outright
// on failure, so it can never survive as a ghost.
func (s *messageService) Send(ctx context.Context, conversationID, senderID uuid.UUID, content, mediaType, mediaURL string) (*models.Message, error) {
	optimistic := models.Message{
		ID:             models.NewTempMessageID(s.now()),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        strings.TrimSpace(content),
		MediaType:      mediaType,
		MediaURL:       mediaURL,
		CreatedAt:      s.now(),
		Pending:        true,
	}
	if optimistic.IsBlank() {
		return nil, errs.ErrEmptyMessage
	}
	if len(optimistic.Content) > models.MaxMessageLength {
		return nil, errs.ErrMessageTooLong
	}
	if profile, err := s.userRepo.FindUserProfileByID(senderID); err == nil {
		optimistic.Sender = profile
	}

	t := s.thread(conversationID)
	t.mu.Lock()
	insertSorted(t, optimistic)
	snapshot := snapshotLocked(t)
	t.mu.Unlock()
	s.notify(t, snapshot)

	confirmed := optimistic
	if err := s.messageRepo.SaveMessage(&confirmed); err != nil {
		// Roll the echo back; the caller owns retry.
		t.mu.Lock()
		removeByID(t, optimistic.ID)
		snapshot = snapshotLocked(t)
		t.mu.Unlock()
		s.notify(t, snapshot)
		s.log.Error().Err(err).Str("conversation_id", conversationID.String()).Msg("message send failed")
		return nil, errs.ErrStoreUnavailable
	}

	t.mu.Lock()
	removeByID(t, optimistic.ID)
	// The push echo of this write may have already landed.
	if indexByID(t, confirmed.ID) < 0 {
		insertSorted(t, confirmed)
	}
	snapshot = snapshotLocked(t)
	t.mu.Unlock()
	s.notify(t, snapshot)

	s.afterConfirm(confirmed)
	return &confirmed, nil
}

// afterConfirm bumps the conversation row and fans the confirmed record out.
// Both are best-effort relative to the send: the message is durable already.
func (s *messageService) afterConfirm(msg models.Message) {
	preview := msg.Content
	if preview == "" && msg.HasMedia() {
		preview = "[" + msg.MediaType + "]"
	}
	if err := s.conversationRepo.UpdateConversationLastMessage(msg.ConversationID, preview, msg.CreatedAt); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", msg.ConversationID.String()).Msg("conversation bump failed")
	}

	s.publishMessage(realtime.EventInserted, msg)
	s.publishConversationTouch(msg)
}

func (s *messageService) publishMessage(evType realtime.EventType, msg models.Message) {
	record, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.publisher.Publish(realtime.Event{
		Type:   evType,
		Table:  realtime.TableMessages,
		Filter: realtime.FilterConversation(msg.ConversationID.String()),
		Record: record,
	})
}

// publishConversationTouch tells each participant's conversation-list stream
// that this conversation moved.
func (s *messageService) publishConversationTouch(msg models.Message) {
	conv, err := s.conversationRepo.FindConversationByID(msg.ConversationID)
	if err != nil || conv == nil {
		return
	}
	rel, err := s.relationshipRepo.FindRelationshipByID(conv.RelationshipID)
	if err != nil {
		return
	}
	record, err := json.Marshal(conv)
	if err != nil {
		return
	}
	for _, participant := range []uuid.UUID{rel.ParticipantA, rel.ParticipantB} {
		s.publisher.Publish(realtime.Event{
			Type:   realtime.EventUpdated,
			Table:  realtime.TableConversations,
			Filter: realtime.FilterUser(participant.String()),
			Record: record,
		})
	}
}

// ApplyInserted merges a pushed insert. A record already present by confirmed
// id is a duplicate delivery and is ignored; an insert for a conversation that
// is not active is routed to the notification dispatcher instead of the
// visible list.
func (s *messageService) ApplyInserted(msg models.Message) {
	if s.activeConversation() != msg.ConversationID {
		user := s.currentUser()
		if s.notifier != nil && user != uuid.Nil && msg.SenderID != user {
			s.notifier.Notify(user, msg)
		}
		return
	}

	t := s.thread(msg.ConversationID)
	t.mu.Lock()
	if indexByID(t, msg.ID) >= 0 {
		t.mu.Unlock()
		return
	}
	insertSorted(t, msg)
	snapshot := snapshotLocked(t)
	t.mu.Unlock()
	s.notify(t, snapshot)
}

// ApplyUpdated patches a pushed update (read-status flips) in place. A record
// not loaded locally is a no-op.
func (s *messageService) ApplyUpdated(msg models.Message) {
	t := s.thread(msg.ConversationID)
	t.mu.Lock()
	i := indexByID(t, msg.ID)
	if i < 0 {
		t.mu.Unlock()
		return
	}
	changed := t.messages[i].IsRead != msg.IsRead
	t.messages[i].IsRead = msg.IsRead
	if msg.Content != "" {
		t.messages[i].Content = msg.Content
	}
	snapshot := snapshotLocked(t)
	t.mu.Unlock()

	if changed && s.activeConversation() == msg.ConversationID {
		s.notify(t, snapshot)
	}
}

// MarkReadLocal flips is_read on the in-memory entries after the read-state
// tracker has persisted the change.
func (s *messageService) MarkReadLocal(conversationID uuid.UUID, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}

	t := s.thread(conversationID)
	t.mu.Lock()
	changed := false
	for i := range t.messages {
		if _, ok := ids[t.messages[i].ID]; ok && !t.messages[i].IsRead {
			t.messages[i].IsRead = true
			changed = true
		}
	}
	snapshot := snapshotLocked(t)
	t.mu.Unlock()
	if changed {
		s.notify(t, snapshot)
	}
}

// Subscribe attaches a change feed to one conversation's visible list. The
// first snapshot arrives with the next mutation; callers render LoadHistory's
// return value until then.
func (s *messageService) Subscribe(conversationID uuid.UUID) *ThreadSubscription {
	t := s.thread(conversationID)
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := &ThreadSubscription{
		ConversationID: conversationID,
		C:              make(chan []models.Message, 1),
		id:             t.nextSub,
	}
	t.nextSub++
	t.subs[sub.id] = sub
	return sub
}

func (s *messageService) Unsubscribe(sub *ThreadSubscription) {
	if sub == nil {
		return
	}
	t := s.thread(sub.ConversationID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[sub.id]; ok {
		delete(t.subs, sub.id)
		close(sub.C)
	}
}

// SetFallbackPolling records that the push stream for a conversation is down
// and reads should not trust the cooldown cache as current.
func (s *messageService) SetFallbackPolling(conversationID uuid.UUID, degraded bool) {
	s.mu.Lock()
	if degraded {
		s.polling[conversationID] = true
	} else {
		delete(s.polling, conversationID)
	}
	s.mu.Unlock()
	if degraded {
		s.fetch.Invalidate(conversationID.String())
	}
}

// FallbackPolling reports whether the conversation is currently on the polling
// fallback.
func (s *messageService) FallbackPolling(conversationID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polling[conversationID]
}

// Reset drops all per-session state on sign-out.
func (s *messageService) Reset() {
	s.mu.Lock()
	threads := s.threads
	s.threads = make(map[uuid.UUID]*thread)
	s.polling = make(map[uuid.UUID]bool)
	s.active = uuid.Nil
	s.sessionUser = uuid.Nil
	s.mu.Unlock()

	for _, t := range threads {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			close(sub.C)
		}
		t.mu.Unlock()
	}
	s.fetch.Reset()
}

func (s *messageService) attachSenders(msgs []models.Message) {
	profiles := make(map[uuid.UUID]*models.UserProfile)
	for i := range msgs {
		profile, ok := profiles[msgs[i].SenderID]
		if !ok {
			// Best-effort; a missing profile renders as the unknown sender.
			profile, _ = s.userRepo.FindUserProfileByID(msgs[i].SenderID)
			profiles[msgs[i].SenderID] = profile
		}
		msgs[i].Sender = profile
	}
}

func (s *messageService) notify(t *thread, snapshot []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		// Keep only the newest snapshot; drain a stale one if present.
		select {
		case <-sub.C:
		default:
		}
		select {
		case sub.C <- snapshot:
		default:
		}
	}
}

func snapshotLocked(t *thread) []models.Message {
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func indexByID(t *thread, id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func removeByID(t *thread, id string) {
	i := indexByID(t, id)
	if i < 0 {
		return
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
}

func insertSorted(t *thread, msg models.Message) {
	t.messages = append(t.messages, msg)
	sortMessages(t.messages)
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			// Confirmed entries sort ahead of optimistic ones on a tie.
			return !msgs[i].Pending && msgs[j].Pending
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// mergeHistory combines a fresh confirmed fetch with the local list: the
// fetch is authoritative for what it contains, while local entries it does not
// know about yet (optimistic sends and push arrivals newer than the fetch
// snapshot) are kept. Union by id, ordered by created_at.
func mergeHistory(fetched, local []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(fetched))
	merged := make([]models.Message, 0, len(fetched)+4)
	for _, msg := range fetched {
		seen[msg.ID] = struct{}{}
		merged = append(merged, msg)
	}
	for _, msg := range local {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		merged = append(merged, msg)
	}
	sortMessages(merged)
	return merged
}

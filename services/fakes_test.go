package services

import (
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "github.com/kindredhq/kindred/errors"
	"github.com/kindredhq/kindred/models"
	"github.com/kindredhq/kindred/realtime"
)

type fakeRelationshipRepo struct {
	mu        sync.Mutex
	rels      map[uuid.UUID]*models.Relationship
	err       error
	listCalls int
}

func newFakeRelationshipRepo(rels ...*models.Relationship) *fakeRelationshipRepo {
	m := make(map[uuid.UUID]*models.Relationship, len(rels))
	for _, rel := range rels {
		m[rel.ID] = rel
	}
	return &fakeRelationshipRepo{rels: m}
}

func (f *fakeRelationshipRepo) FindRelationshipByID(id uuid.UUID) (*models.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rel, ok := f.rels[id]
	if !ok {
		return nil, errs.ErrRelationshipNotFound
	}
	return rel, nil
}

func (f *fakeRelationshipRepo) ListAcceptedForUser(userID uuid.UUID) ([]models.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Relationship
	for _, rel := range f.rels {
		if rel.Status == models.RelationshipAccepted && rel.Involves(userID) {
			out = append(out, *rel)
		}
	}
	return out, nil
}

// fakeConversationRepo keeps conversation rows and a message-ownership map in
// memory so repair behavior is observable.
type fakeConversationRepo struct {
	mu          sync.Mutex
	convs       []models.Conversation
	msgOwners   map[string]uuid.UUID
	createCalls int
	createErr   error
	findErr     error
	// simulates a row committed by another instance between our miss and our
	// create: Find returns nothing until CreateConversation has been called.
	findEmptyBeforeCreate bool
	touched               map[uuid.UUID]string
}

func errsDuplicate() error {
	return stderrors.New("duplicate key value violates unique constraint \"idx_conversations_relationship\"")
}

func newFakeConversationRepo(convs ...models.Conversation) *fakeConversationRepo {
	return &fakeConversationRepo{
		convs:     convs,
		msgOwners: make(map[string]uuid.UUID),
		touched:   make(map[uuid.UUID]string),
	}
}

func (f *fakeConversationRepo) FindByRelationshipID(relationshipID uuid.UUID) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.findEmptyBeforeCreate && f.createCalls == 0 {
		return nil, nil
	}
	var out []models.Conversation
	for _, conv := range f.convs {
		if conv.RelationshipID == relationshipID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeConversationRepo) FindConversationByID(id uuid.UUID) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			conv := f.convs[i]
			return &conv, nil
		}
	}
	return nil, nil
}

func (f *fakeConversationRepo) CreateConversation(conv *models.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return f.createErr
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	for _, existing := range f.convs {
		if existing.RelationshipID == conv.RelationshipID {
			return stderrors.New("duplicate key value violates unique constraint")
		}
	}
	f.convs = append(f.convs, *conv)
	return nil
}

func (f *fakeConversationRepo) DeleteConversation(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			f.convs = append(f.convs[:i], f.convs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeConversationRepo) ReassignMessages(from, to uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for msgID, owner := range f.msgOwners {
		if owner == from {
			f.msgOwners[msgID] = to
		}
	}
	return nil
}

func (f *fakeConversationRepo) UpdateConversationLastMessage(conversationID uuid.UUID, lastMessage string, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[conversationID] = lastMessage
	for i := range f.convs {
		if f.convs[i].ID == conversationID {
			f.convs[i].LastMessage = lastMessage
			f.convs[i].UpdatedAt = updatedAt
		}
	}
	return nil
}

func (f *fakeConversationRepo) ListByRelationshipIDs(relationshipIDs []uuid.UUID) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Conversation
	for _, conv := range f.convs {
		for _, id := range relationshipIDs {
			if conv.RelationshipID == id {
				out = append(out, conv)
			}
		}
	}
	return out, nil
}

func (f *fakeConversationRepo) ListDuplicatedRelationshipIDs() ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[uuid.UUID]int)
	for _, conv := range f.convs {
		counts[conv.RelationshipID]++
	}
	var out []uuid.UUID
	for id, n := range counts {
		if n > 1 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeConversationRepo) rowsFor(relationshipID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, conv := range f.convs {
		if conv.RelationshipID == relationshipID {
			n++
		}
	}
	return n
}

func (f *fakeConversationRepo) ownersOf(conversationID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for msgID, owner := range f.msgOwners {
		if owner == conversationID {
			out = append(out, msgID)
		}
	}
	sort.Strings(out)
	return out
}

type fakeMessageRepo struct {
	mu        sync.Mutex
	history   []models.Message
	saved     []models.Message
	saveErr   error
	listErr   error
	listCalls int
	readIDs   []string
	readErr   error
}

func (f *fakeMessageRepo) ListByConversation(conversationID uuid.UUID) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Message, 0, len(f.history))
	for _, msg := range f.history {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) SaveMessage(msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	msg.ID = uuid.NewString()
	msg.Pending = false
	f.saved = append(f.saved, *msg)
	return nil
}

func (f *fakeMessageRepo) MarkConversationRead(conversationID, readerID uuid.UUID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.readIDs, nil
}

type fakeUserRepo struct {
	profiles map[uuid.UUID]*models.UserProfile
	tokens   map[uuid.UUID]string
}

func (f *fakeUserRepo) FindUserProfileByID(id uuid.UUID) (*models.UserProfile, error) {
	if f.profiles == nil {
		return nil, nil
	}
	return f.profiles[id], nil
}

func (f *fakeUserRepo) GetDeviceToken(userID uuid.UUID) (string, error) {
	if f.tokens == nil {
		return "", nil
	}
	return f.tokens[userID], nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (f *fakePublisher) Publish(ev realtime.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) byTable(table string) []realtime.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []realtime.Event
	for _, ev := range f.events {
		if ev.Table == table {
			out = append(out, ev)
		}
	}
	return out
}

type notification struct {
	userID uuid.UUID
	msg    models.Message
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (f *fakeNotifier) Notify(userID uuid.UUID, msg models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{userID: userID, msg: msg})
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

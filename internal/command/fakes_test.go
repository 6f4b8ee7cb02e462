package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
	"github.com/lalith-99/courier/internal/notification"
)

type fakeTx struct {
	calls int
}

func (f *fakeTx) Transactional(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

type fakeNotificationRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]notification.Record
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{records: make(map[uuid.UUID]notification.Record)}
}

func (r *fakeNotificationRepo) Create(_ context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[n.ID()] = n.ToRecord()
	return nil
}

func (r *fakeNotificationRepo) Get(_ context.Context, id uuid.UUID) (*notification.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("notification %s not found", id)
	}
	return notification.Rehydrate(rec), nil
}

func (r *fakeNotificationRepo) Save(_ context.Context, n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[n.ID()] = n.ToRecord()
	return nil
}

func (r *fakeNotificationRepo) FindExpired(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for id, rec := range r.records {
		if rec.Status == notification.StatusScheduled && rec.Schedule != nil && rec.Schedule.IsExpiredAt(now) {
			ids = append(ids, id)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

type fakeDeliveryRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]delivery.Record
	byNotif map[uuid.UUID][]uuid.UUID
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{
		records: make(map[uuid.UUID]delivery.Record),
		byNotif: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (r *fakeDeliveryRepo) Create(_ context.Context, d *delivery.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := d.ToRecord()
	r.records[rec.ID] = rec
	r.byNotif[rec.NotificationID] = append(r.byNotif[rec.NotificationID], rec.ID)
	return nil
}

func (r *fakeDeliveryRepo) Get(ctx context.Context, id uuid.UUID) (*delivery.Delivery, error) {
	return r.GetForUpdate(ctx, id)
}

func (r *fakeDeliveryRepo) GetForUpdate(_ context.Context, id uuid.UUID) (*delivery.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s not found", id)
	}
	return delivery.Rehydrate(rec)
}

func (r *fakeDeliveryRepo) Save(_ context.Context, d *delivery.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[d.ID()] = d.ToRecord()
	return nil
}

func (r *fakeDeliveryRepo) FindByNotification(_ context.Context, notificationID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.byNotif[notificationID]...), nil
}

func (r *fakeDeliveryRepo) status(id uuid.UUID) delivery.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id].Status
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []domain.Event
}

func (o *fakeOutbox) Enqueue(_ context.Context, events ...domain.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, events...)
	return nil
}

func (o *fakeOutbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.events))
	for i, e := range o.events {
		out[i] = e.Type
	}
	return out
}

func (o *fakeOutbox) countType(eventType string) int {
	n := 0
	for _, t := range o.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

type fakeIdempotency struct {
	mu       sync.Mutex
	stored   map[string]json.RawMessage
	putFail  bool // simulate losing the first-writer race
	missGets int  // make the next N reads miss, as if the winner commits between probe and Put
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{stored: make(map[string]json.RawMessage)}
}

func (s *fakeIdempotency) Get(_ context.Context, scope, key string, _ time.Time) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missGets > 0 {
		s.missGets--
		return nil, nil
	}
	return s.stored[scope+"/"+key], nil
}

func (s *fakeIdempotency) Put(_ context.Context, scope, key string, result json.RawMessage, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putFail {
		return false, nil
	}
	if _, exists := s.stored[scope+"/"+key]; exists {
		return false, nil
	}
	s.stored[scope+"/"+key] = result
	return true, nil
}

type fakeChannelSender struct {
	mu      sync.Mutex
	msgID   string
	err     error
	sends   int
	lastCnt delivery.Content
}

func (s *fakeChannelSender) Send(_ context.Context, _ delivery.Address, content delivery.Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	s.lastCnt = content
	if s.err != nil {
		return "", s.err
	}
	return s.msgID, nil
}

func (s *fakeChannelSender) SupportsChannel(domain.Channel) bool { return true }

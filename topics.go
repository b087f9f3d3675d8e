package wampy

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// EventHandler handles a publish event.
type EventHandler func(ctx context.Context, ev *Request)

type subscription struct {
	id       ID
	topic    URI
	handlers []EventHandler
}

// topicRegistry holds this session's subscriptions.
//
// A topic is subscribed at the router at most once per session: further
// local handlers for a topic that already has a subscription are appended
// under the existing subscription ID and no SUBSCRIBE is sent. Plain WAMP
// would let every handler subscribe on its own.
type topicRegistry struct {
	mu      sync.RWMutex
	byID    map[ID]*subscription
	byTopic map[URI]*subscription
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{
		byID:    make(map[ID]*subscription),
		byTopic: make(map[URI]*subscription),
	}
}

// appendHandler adds fn to an existing subscription for topic.
func (r *topicRegistry) appendHandler(topic URI, fn EventHandler) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byTopic[topic]
	if !ok {
		return 0, false
	}
	sub.handlers = append(sub.handlers, fn)
	return sub.id, true
}

func (r *topicRegistry) commit(id ID, topic URI, fn EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// concurrent first subscriptions the router folded into one
	if sub, ok := r.byID[id]; ok {
		sub.handlers = append(sub.handlers, fn)
		return
	}
	sub := &subscription{id: id, topic: topic, handlers: []EventHandler{fn}}
	r.byID[id] = sub
	if _, ok := r.byTopic[topic]; !ok {
		r.byTopic[topic] = sub
	}
}

// forTopic returns the subscription IDs held for topic.
func (r *topicRegistry) forTopic(topic URI) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []ID
	for id, sub := range r.byID {
		if sub.topic == topic {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *topicRegistry) handlers(id ID) (URI, []EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	if !ok {
		return "", nil, false
	}
	handlers := make([]EventHandler, len(sub.handlers))
	copy(handlers, sub.handlers)
	return sub.topic, handlers, true
}

func (r *topicRegistry) remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.byTopic[sub.topic] != sub {
		return
	}
	delete(r.byTopic, sub.topic)
	for _, other := range r.byID {
		if other.topic == sub.topic {
			r.byTopic[sub.topic] = other
			break
		}
	}
}

func (r *topicRegistry) clear() {
	r.mu.Lock()
	r.byID = make(map[ID]*subscription)
	r.byTopic = make(map[URI]*subscription)
	r.mu.Unlock()
}

// dispatch calls every handler of the event's subscription in the order they
// were added. A panicking handler is logged and the rest still run.
func (r *topicRegistry) dispatch(s *Session, msg *Event) {
	topic, handlers, ok := r.handlers(msg.Subscription)
	if !ok {
		log.Warn().Uint64("subscription", uint64(msg.Subscription)).Msg("no handler registered for subscription")
		return
	}
	ev := &Request{
		Endpoint: s,
		Name:     topic,
		Args:     msg.Arguments,
		Kwargs:   msg.ArgumentsKw,
		Details:  msg.Details,
	}
	for i, fn := range handlers {
		if err := deliver(s.ctx, fn, ev); err != nil {
			log.Error().Err(err).Str("topic", string(topic)).Int("handler", i).Msg("event handler failed")
		}
	}
}

func deliver(ctx context.Context, fn EventHandler, ev *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic in handler: %v", p)
		}
	}()
	fn(ctx, ev)
	return nil
}

// Subscribe adds fn as a handler for topic and returns the subscription ID.
// Only the first handler for a topic sends SUBSCRIBE and waits for the
// router; later ones join the existing subscription immediately.
func (s *Session) Subscribe(ctx context.Context, topic string, fn EventHandler) (ID, error) {
	if err := s.established(); err != nil {
		return 0, err
	}
	name := URI(topic)
	if id, ok := s.topics.appendHandler(name, fn); ok {
		log.Debug().Str("topic", topic).Uint64("subscription", uint64(id)).Msg("added handler to existing subscription")
		return id, nil
	}

	id := s.ids.next()
	sub := &Subscribe{
		Request: id,
		Options: make(map[string]interface{}),
		Topic:   name,
	}
	msg, err := s.request(ctx, id, sub, func(reply Message) {
		if subscribed, ok := reply.(*Subscribed); ok {
			s.topics.commit(subscribed.Subscription, name, fn)
		}
	})
	if err != nil {
		return 0, err
	}
	switch m := msg.(type) {
	case *Subscribed:
		log.Debug().Str("topic", topic).Uint64("subscription", uint64(m.Subscription)).Msg("subscribed")
		return m.Subscription, nil
	case *Error:
		return 0, errorReply(m, name)
	default:
		return 0, &ProtocolError{msg: formatUnexpectedMessage(msg, SUBSCRIBED)}
	}
}

// Unsubscribe drops every local handler for topic and ends the subscription
// at the router.
func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	if err := s.established(); err != nil {
		return err
	}
	ids := s.topics.forTopic(URI(topic))
	if len(ids) == 0 {
		return errors.Wrapf(ErrNotSubscribed, "%s", topic)
	}

	for _, subID := range ids {
		subID := subID
		id := s.ids.next()
		unsub := &Unsubscribe{
			Request:      id,
			Subscription: subID,
		}
		msg, err := s.request(ctx, id, unsub, func(reply Message) {
			if _, ok := reply.(*Unsubscribed); ok {
				s.topics.remove(subID)
			}
		})
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *Unsubscribed:
		case *Error:
			if m.Error == ErrNoSuchSubscription {
				s.topics.remove(subID)
			}
			return errorReply(m, URI(topic))
		default:
			return &ProtocolError{msg: formatUnexpectedMessage(msg, UNSUBSCRIBED)}
		}
	}
	return nil
}

func (s *Session) publishOptions(acknowledge bool) map[string]interface{} {
	options := make(map[string]interface{})
	// routers exclude the publisher by default
	if !s.cfg.ExcludeMe {
		options["exclude_me"] = false
	}
	if acknowledge {
		options["acknowledge"] = true
	}
	return options
}

// Publish publishes an EVENT to all subscribed peers without waiting for the
// router.
func (s *Session) Publish(topic string, args []interface{}, kwargs map[string]interface{}) error {
	if err := s.established(); err != nil {
		return err
	}
	return s.send(&Publish{
		Request:     s.ids.next(),
		Options:     s.publishOptions(false),
		Topic:       URI(topic),
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
}

// PublishAck publishes with acknowledge set and waits for PUBLISHED. It
// returns the publication ID.
func (s *Session) PublishAck(ctx context.Context, topic string, args []interface{}, kwargs map[string]interface{}) (ID, error) {
	if err := s.established(); err != nil {
		return 0, err
	}
	id := s.ids.next()
	publish := &Publish{
		Request:     id,
		Options:     s.publishOptions(true),
		Topic:       URI(topic),
		Arguments:   args,
		ArgumentsKw: kwargs,
	}
	msg, err := s.request(ctx, id, publish, nil)
	if err != nil {
		return 0, err
	}
	switch m := msg.(type) {
	case *Published:
		return m.Publication, nil
	case *Error:
		return 0, errorReply(m, URI(topic))
	default:
		return 0, &ProtocolError{msg: formatUnexpectedMessage(msg, PUBLISHED)}
	}
}
